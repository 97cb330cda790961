package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get [reference-id]",
		Short: "Retrieve a memory fragment",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	cmd.Flags().Bool("embedding", false, "Include the embedding vector")

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	withEmbedding, _ := cmd.Flags().GetBool("embedding")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	f, err := s.GetFragment(cmd.Context(), args[0])
	if err != nil {
		exitErr("get", err)
	}
	if !withEmbedding {
		f.Embedding = nil
	}
	printOut(f, nil)
}
