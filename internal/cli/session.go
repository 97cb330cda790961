package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rcliao/storyloom/internal/model"
)

func init() {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage writing sessions",
	}

	newCmd := &cobra.Command{
		Use:   "new [title]",
		Short: "Start a session",
		Run:   runSessionNew,
	}
	newCmd.Flags().String("story", "", "Story id (required)")
	newCmd.Flags().String("kind", "story", "Kind: story, dialogue, plot")
	newCmd.MarkFlagRequired("story")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		Run:   runSessionList,
	}
	listCmd.Flags().String("story", "", "Filter by story id")

	showCmd := &cobra.Command{
		Use:   "show [session-id]",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionShow,
	}

	sessionCmd.AddCommand(newCmd, listCmd, showCmd)
	RootCmd.AddCommand(sessionCmd)
}

func runSessionNew(cmd *cobra.Command, args []string) {
	story, _ := cmd.Flags().GetString("story")
	kindStr, _ := cmd.Flags().GetString("kind")
	title, _ := readContent(args)

	kind, err := model.ParseKind(kindStr)
	if err != nil {
		exitErr("session new", err)
	}

	a := mustApp()
	defer a.Close()

	sess, err := a.orch.CreateSession(cmd.Context(), story, title, kind)
	if err != nil {
		exitErr("session new", err)
	}
	printOut(sess, nil)
}

func runSessionList(cmd *cobra.Command, args []string) {
	story, _ := cmd.Flags().GetString("story")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	sessions, err := s.ListSessions(cmd.Context(), story)
	if err != nil {
		exitErr("session list", err)
	}
	if sessions == nil {
		sessions = []model.StorySession{}
	}
	printOut(sessions, func(w io.Writer) {
		for _, sess := range sessions {
			fmt.Fprintf(w, "%s  %-8s  %s  %s\n", sess.ID, sess.Kind, formatMillis(sess.UpdatedAt), sess.Title)
		}
	})
}

func runSessionShow(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	sess, err := s.GetSession(cmd.Context(), args[0])
	if err != nil {
		exitErr("session show", err)
	}
	printOut(sess, nil)
}
