package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/storyloom/internal/model"
	"github.com/rcliao/storyloom/internal/session"
)

func init() {
	sayCmd := &cobra.Command{
		Use:   "say [content]",
		Short: "Add an author message, optionally asking a role to reply",
		Long: "Append an author message to a session. Content can be a positional arg or piped via stdin. " +
			"With --role the role's reply is generated and printed once it settles.",
		Run: runSay,
	}
	sayCmd.Flags().StringP("session", "s", "", "Session id (required)")
	sayCmd.Flags().StringP("role", "r", "", "AI role to reply")
	sayCmd.Flags().String("parent", "", "Parent message id (default: thread tip)")
	sayCmd.MarkFlagRequired("session")

	regenCmd := &cobra.Command{
		Use:   "regenerate [message-id]",
		Short: "Generate a new version of an AI reply",
		Args:  cobra.ExactArgs(1),
		Run:   runRegenerate,
	}

	threadCmd := &cobra.Command{
		Use:   "thread [session-id]",
		Short: "Show a session thread",
		Args:  cobra.ExactArgs(1),
		Run:   runThread,
	}
	threadCmd.Flags().Bool("all-versions", false, "Include superseded versions")

	lineageCmd := &cobra.Command{
		Use:   "lineage [message-id]",
		Short: "Show every version of a reply",
		Args:  cobra.ExactArgs(1),
		Run:   runLineage,
	}

	RootCmd.AddCommand(sayCmd, regenCmd, threadCmd, lineageCmd)
}

type sayResult struct {
	Message *model.Message `json:"message"`
	Reply   *model.Message `json:"reply,omitempty"`
}

func runSay(cmd *cobra.Command, args []string) {
	sessionID, _ := cmd.Flags().GetString("session")
	role, _ := cmd.Flags().GetString("role")
	parent, _ := cmd.Flags().GetString("parent")

	content, err := readContent(args)
	if err != nil {
		exitErr("say", err)
	}
	if content == "" {
		exitErr("say", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	a := mustApp()
	defer a.Close()
	ctx := cmd.Context()

	msg, err := a.orch.AppendMessage(ctx, session.AppendParams{
		SessionID: sessionID,
		Role:      model.AuthorRole,
		Content:   content,
		ParentID:  parent,
	})
	if err != nil {
		exitErr("say", err)
	}
	res := sayResult{Message: msg}

	if role != "" {
		pending, err := a.orch.AppendMessage(ctx, session.AppendParams{
			SessionID: sessionID,
			Role:      role,
			ParentID:  msg.ID,
		})
		if err != nil {
			exitErr("say", err)
		}
		if res.Reply, err = a.orch.Await(ctx, pending.ID); err != nil {
			exitErr("await reply", err)
		}
	}

	printOut(res, func(w io.Writer) {
		writeMessage(w, *msg)
		if res.Reply != nil {
			writeMessage(w, *res.Reply)
		}
	})
}

func runRegenerate(cmd *cobra.Command, args []string) {
	a := mustApp()
	defer a.Close()
	ctx := cmd.Context()

	m, err := a.orch.Regenerate(ctx, args[0])
	if err != nil {
		exitErr("regenerate", err)
	}
	if m, err = a.orch.Await(ctx, m.ID); err != nil {
		exitErr("await reply", err)
	}
	printOut(m, func(w io.Writer) { writeMessage(w, *m) })
}

func runThread(cmd *cobra.Command, args []string) {
	all, _ := cmd.Flags().GetBool("all-versions")

	a := mustApp()
	defer a.Close()

	var (
		msgs []model.Message
		err  error
	)
	if all {
		msgs, err = a.store.ListMessages(cmd.Context(), args[0])
	} else {
		msgs, err = a.orch.Thread(cmd.Context(), args[0])
	}
	if err != nil {
		exitErr("thread", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	printOut(msgs, func(w io.Writer) {
		for _, m := range msgs {
			writeMessage(w, m)
		}
	})
}

func runLineage(cmd *cobra.Command, args []string) {
	a := mustApp()
	defer a.Close()

	versions, err := a.orch.Lineage(cmd.Context(), args[0])
	if err != nil {
		exitErr("lineage", err)
	}
	printOut(versions, func(w io.Writer) {
		for _, m := range versions {
			writeMessage(w, m)
		}
	})
}

func writeMessage(w io.Writer, m model.Message) {
	header := fmt.Sprintf("[%s v%d %s] %s", m.Role, m.Version, m.Status, formatMillis(m.Timestamp))
	body := m.Content
	if m.Status == model.StatusError {
		body = "error: " + m.Error
	}
	fmt.Fprintf(w, "%s\n%s\n\n", header, strings.TrimSpace(body))
}
