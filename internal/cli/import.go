package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/storyloom/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import a session from JSON",
		Long: "Import a session from JSON (file or stdin). Expects the format produced by export. " +
			"Imported rows are treated as authority state and are not pushed.",
		Args: cobra.MaximumNArgs(1),
		Run:  runImport,
	}

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	var (
		data []byte
		err  error
	)
	if len(args) == 1 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		exitErr("read input", err)
	}

	var exp store.SessionExport
	if err := json.Unmarshal(data, &exp); err != nil {
		exitErr("parse json", err)
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	imported, err := s.ImportSession(cmd.Context(), exp)
	if err != nil {
		exitErr("import", err)
	}

	fmt.Printf(`{"ok":true,"session_id":%q,"imported":%d}`+"\n", exp.Session.ID, imported)
}
