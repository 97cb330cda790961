package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/storyloom/internal/model"
	"github.com/rcliao/storyloom/internal/retrieval"
)

func init() {
	cmd := &cobra.Command{
		Use:   "retrieve [query]",
		Short: "Rank a session's memories against a query",
		Args:  cobra.MinimumNArgs(1),
		Run:   runRetrieve,
	}

	cmd.Flags().StringP("session", "s", "", "Session id (required)")
	cmd.Flags().IntP("k", "k", 8, "Max results")
	cmd.Flags().String("kind", "", "Filter by kind")
	cmd.Flags().StringP("role", "r", "", "Filter by role")
	cmd.Flags().Bool("recency", false, "Fill remaining slots with unembedded memories, newest first")

	cmd.MarkFlagRequired("session")

	RootCmd.AddCommand(cmd)
}

func runRetrieve(cmd *cobra.Command, args []string) {
	sessionID, _ := cmd.Flags().GetString("session")
	k, _ := cmd.Flags().GetInt("k")
	kindStr, _ := cmd.Flags().GetString("kind")
	role, _ := cmd.Flags().GetString("role")
	query := strings.Join(args, " ")

	filters := retrieval.Filters{RoleID: role}
	if kindStr != "" {
		kind, err := model.ParseKind(kindStr)
		if err != nil {
			exitErr("retrieve", err)
		}
		filters.Kind = kind
	}
	if cmd.Flags().Changed("recency") {
		recency, _ := cmd.Flags().GetBool("recency")
		filters.RecencyFallback = &recency
	}

	a := mustApp()
	defer a.Close()

	vec, err := a.embedder.Embed(cmd.Context(), query)
	if err != nil {
		exitErr("embed query", err)
	}
	res, err := a.engine.Retrieve(cmd.Context(), sessionID, vec, k, filters)
	if err != nil {
		exitErr("retrieve", err)
	}
	for i := range res.Fragments {
		res.Fragments[i].Embedding = nil
	}

	printOut(res, func(w io.Writer) {
		if res.Stale {
			fmt.Fprintln(w, "(offline: results may be stale)")
		}
		for _, f := range res.Fragments {
			fmt.Fprintf(w, "%.3f  %s  %s\n", f.Score, f.ReferenceID, f.Text)
		}
	})
}
