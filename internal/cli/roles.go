package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rcliao/storyloom/internal/session"
)

func init() {
	cmd := &cobra.Command{
		Use:   "roles [role-id]",
		Short: "List AI roles, or show one",
		Args:  cobra.MaximumNArgs(1),
		Run:   runRoles,
	}

	RootCmd.AddCommand(cmd)
}

func runRoles(cmd *cobra.Command, args []string) {
	roles := session.DefaultRoles()
	if cfg.RolesFile != "" {
		var err error
		if roles, err = session.LoadRoles(cfg.RolesFile); err != nil {
			exitErr("load roles", err)
		}
	}

	if len(args) == 1 {
		r, err := roles.Get(args[0])
		if err != nil {
			exitErr("roles", err)
		}
		printOut(r, nil)
		return
	}

	list := roles.List()
	printOut(list, func(w io.Writer) {
		for _, r := range list {
			fmt.Fprintf(w, "%-14s %-14s t=%.1f max=%d  %s\n", r.ID, r.Kind, r.Temperature, r.MaxTokens, r.Name)
		}
	})
}
