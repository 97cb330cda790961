package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/storyloom/internal/remote"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the remote authority",
		Long:  "Serve the sync authority over HTTP, backed by its own ledger database.",
		Run:   runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (default: $STORYLOOM_SERVER_ADDR or :8787)")
	cmd.Flags().String("ledger", "", "Ledger database path (default: $STORYLOOM_SERVER_DB)")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	addr, _ := cmd.Flags().GetString("addr")
	ledgerPath, _ := cmd.Flags().GetString("ledger")
	if addr == "" {
		addr = cfg.Server.Addr
	}
	if ledgerPath == "" {
		ledgerPath = cfg.Server.DBPath
	}

	ledger, err := remote.OpenLedger(ledgerPath, slog.Default())
	if err != nil {
		exitErr("open ledger", err)
	}
	defer ledger.Close()

	srv := &http.Server{
		Addr:         addr,
		Handler:      remote.NewServer(ledger, slog.Default()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("authority listening", "addr", srv.Addr, "ledger", ledgerPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("authority failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
}
