package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Run:   runStats,
	}

	cmd.Flags().StringP("session", "s", "", "Limit message and fragment counts to one session")

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	sessionID, _ := cmd.Flags().GetString("session")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	stats, err := s.Stats(cmd.Context(), cfg.DBPath, sessionID)
	if err != nil {
		exitErr("stats", err)
	}
	printOut(stats, nil)
}
