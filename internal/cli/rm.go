package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/storyloom/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm [reference-id]",
		Short: "Delete a memory fragment",
		Args:  cobra.ExactArgs(1),
		Run:   runRm,
	}

	RootCmd.AddCommand(cmd)
}

func runRm(cmd *cobra.Command, args []string) {
	a := mustApp()
	defer a.Close()

	if err := a.store.DeleteFragment(cmd.Context(), args[0], store.WriteOpts{}); err != nil {
		exitErr("rm", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"reference_id":%q}`+"\n", args[0])
}
