package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rcliao/storyloom/internal/errs"
	"github.com/rcliao/storyloom/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push queued changes to the remote authority",
		Long: "Drain the op log to the remote authority. --dead-letters lists ops that " +
			"exhausted their attempts; --requeue gives one a fresh attempt budget.",
		Run: runSync,
	}

	cmd.Flags().Bool("dead-letters", false, "List dead-lettered ops")
	cmd.Flags().String("requeue", "", "Requeue a dead-lettered op by id")
	cmd.Flags().Bool("watch", false, "Keep draining on the sync interval until interrupted")

	RootCmd.AddCommand(cmd)
}

func runSync(cmd *cobra.Command, args []string) {
	deadLetters, _ := cmd.Flags().GetBool("dead-letters")
	requeue, _ := cmd.Flags().GetString("requeue")
	watch, _ := cmd.Flags().GetBool("watch")

	a := mustApp()
	defer a.Close()
	ctx := cmd.Context()

	if deadLetters {
		ops, err := a.store.DeadLetters(ctx)
		if err != nil {
			exitErr("dead letters", err)
		}
		if ops == nil {
			ops = []model.SyncOp{}
		}
		printOut(ops, nil)
		return
	}

	if a.sync == nil {
		exitErr("sync", fmt.Errorf("no remote configured (set --remote or STORYLOOM_REMOTE_URL)"))
	}

	if requeue != "" {
		if err := a.sync.Requeue(ctx, requeue); err != nil {
			exitErr("requeue", err)
		}
	}

	if watch {
		wctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		a.sync.Run(wctx)
		return
	}

	rep, err := a.sync.SyncCache(ctx)
	if err != nil && !errors.Is(err, errs.ErrDeadLetter) {
		exitErr("sync", err)
	}
	printOut(rep, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
}
