package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/storyloom/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "put [text]",
		Short: "Store a memory fragment",
		Long:  "Store a memory fragment in a session. Text can be a positional arg or piped via stdin.",
		Run:   runPut,
	}

	cmd.Flags().StringP("session", "s", "", "Session id (required)")
	cmd.Flags().String("ref", "", "Reference id (default: generated)")
	cmd.Flags().String("kind", "", "Kind: story, dialogue, plot (default: the session's kind)")
	cmd.Flags().StringP("role", "r", "", "Role the fragment is attributed to")
	cmd.Flags().Bool("pinned", false, "Keep the fragment when the prompt budget is tight")

	cmd.MarkFlagRequired("session")

	RootCmd.AddCommand(cmd)
}

func runPut(cmd *cobra.Command, args []string) {
	sessionID, _ := cmd.Flags().GetString("session")
	ref, _ := cmd.Flags().GetString("ref")
	kindStr, _ := cmd.Flags().GetString("kind")
	role, _ := cmd.Flags().GetString("role")
	pinned, _ := cmd.Flags().GetBool("pinned")

	text, err := readContent(args)
	if err != nil {
		exitErr("put", err)
	}
	if text == "" {
		exitErr("put", fmt.Errorf("text is required (positional arg or stdin)"))
	}

	var kind model.Kind
	if kindStr != "" {
		if kind, err = model.ParseKind(kindStr); err != nil {
			exitErr("put", err)
		}
	}

	a := mustApp()
	defer a.Close()

	f, err := a.orch.RecordMemory(cmd.Context(), model.MemoryFragment{
		ReferenceID: ref,
		SessionID:   sessionID,
		Text:        text,
		Kind:        kind,
		RoleID:      role,
		Pinned:      pinned,
	})
	if err != nil {
		exitErr("put", err)
	}
	f.Embedding = nil
	printOut(f, nil)
}
