package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rcliao/storyloom/internal/model"
	"github.com/rcliao/storyloom/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a session's memory fragments, oldest first",
		Run:   runList,
	}

	cmd.Flags().StringP("session", "s", "", "Session id (required)")
	cmd.Flags().String("kind", "", "Filter by kind")
	cmd.Flags().StringP("role", "r", "", "Filter by role")
	cmd.Flags().IntP("limit", "l", 0, "Max results, newest kept (0: all)")
	cmd.Flags().StringP("grep", "g", "", "Only fragments whose text contains this substring, newest first")
	cmd.Flags().Bool("refs-only", false, "Only output reference ids")

	cmd.MarkFlagRequired("session")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	sessionID, _ := cmd.Flags().GetString("session")
	kindStr, _ := cmd.Flags().GetString("kind")
	role, _ := cmd.Flags().GetString("role")
	limit, _ := cmd.Flags().GetInt("limit")
	grep, _ := cmd.Flags().GetString("grep")
	refsOnly, _ := cmd.Flags().GetBool("refs-only")

	var kind model.Kind
	if kindStr != "" {
		var err error
		if kind, err = model.ParseKind(kindStr); err != nil {
			exitErr("list", err)
		}
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	var frags []model.MemoryFragment
	if grep != "" {
		frags, err = s.Search(cmd.Context(), store.SearchParams{
			SessionID: sessionID,
			Query:     grep,
			Kind:      kind,
			Limit:     limit,
		})
	} else {
		frags, err = s.Snapshot(cmd.Context(), sessionID, store.FragmentFilter{Kind: kind, RoleID: role})
		if limit > 0 && len(frags) > limit {
			frags = frags[len(frags)-limit:]
		}
	}
	if err != nil {
		exitErr("list", err)
	}

	if refsOnly {
		for _, f := range frags {
			fmt.Println(f.ReferenceID)
		}
		return
	}

	for i := range frags {
		frags[i].Embedding = nil
	}
	if frags == nil {
		frags = []model.MemoryFragment{}
	}
	printOut(frags, func(w io.Writer) {
		for _, f := range frags {
			pin := ""
			if f.Pinned {
				pin = " pinned"
			}
			fmt.Fprintf(w, "%s  [%s%s] %s\n", f.ReferenceID, f.Kind, pin, f.Text)
		}
	})
}
