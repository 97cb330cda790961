package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "context [query]",
		Short: "Assemble the prompt a role would receive",
		Long: "Retrieve relevant memories and recent thread messages for a role, " +
			"then trim them to the role's token budget. Nothing is generated.",
		Args: cobra.MinimumNArgs(1),
		Run:  runContext,
	}

	cmd.Flags().StringP("session", "s", "", "Session id (required)")
	cmd.Flags().StringP("role", "r", "", "AI role (required)")

	cmd.MarkFlagRequired("session")
	cmd.MarkFlagRequired("role")

	RootCmd.AddCommand(cmd)
}

func runContext(cmd *cobra.Command, args []string) {
	sessionID, _ := cmd.Flags().GetString("session")
	role, _ := cmd.Flags().GetString("role")
	query := strings.Join(args, " ")

	a := mustApp()
	defer a.Close()

	pc, err := a.orch.BuildContext(cmd.Context(), sessionID, role, query)
	if err != nil {
		exitErr("context", err)
	}
	for i := range pc.Memories {
		pc.Memories[i].Embedding = nil
	}

	printOut(pc, func(w io.Writer) {
		fmt.Fprintf(w, "# %s: %d/%d tokens, %d dropped", pc.Role.ID, pc.Used, pc.Budget, pc.Dropped)
		if pc.Stale {
			fmt.Fprint(w, ", stale")
		}
		fmt.Fprintln(w)
		for _, m := range pc.Request().Messages {
			fmt.Fprintf(w, "\n## %s\n%s\n", m.Role, m.Content)
		}
	})
}
