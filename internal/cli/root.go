// Package cli implements the storyloom CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/storyloom/internal/config"
	"github.com/rcliao/storyloom/internal/embedding"
	"github.com/rcliao/storyloom/internal/llm"
	"github.com/rcliao/storyloom/internal/remote"
	"github.com/rcliao/storyloom/internal/retrieval"
	"github.com/rcliao/storyloom/internal/session"
	"github.com/rcliao/storyloom/internal/store"
	"github.com/rcliao/storyloom/internal/syncmgr"
)

var (
	dbPath     string
	formatFlag string
	remoteURL  string

	cfg *config.Config
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "storyloom",
	Short: "Story memory and offline sync for AI writing sessions",
	Long: "Sessions, AI role replies and story memory in a local SQLite cache, " +
		"replicated to a remote authority whenever it is reachable.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return err
		}
		if dbPath != "" {
			c.DBPath = dbPath
		}
		if remoteURL != "" {
			c.Sync.RemoteURL = remoteURL
		}
		slog.SetDefault(newLogger(c.Log))
		cfg = c
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $STORYLOOM_DB or ~/.storyloom/storyloom.db)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
	RootCmd.PersistentFlags().StringVar(&remoteURL, "remote", "", "Remote authority URL (default: $STORYLOOM_REMOTE_URL)")
}

func newLogger(lc config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// app wires the local cache to its collaborators for one command.
type app struct {
	store    *store.SQLiteStore
	embedder embedding.Embedder
	engine   *retrieval.Engine
	sync     *syncmgr.Manager // nil without a remote
	orch     *session.Orchestrator
}

func openStore() (*store.SQLiteStore, error) {
	return store.Open(cfg.DBPath, store.Options{Dims: cfg.Embed.Dims})
}

func openApp() (*app, error) {
	s, err := openStore()
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	emb, err := embedding.New(cfg.EmbeddingConfig())
	if err != nil {
		s.Close()
		return nil, err
	}
	completer, err := llm.New(cfg.CompletionConfig())
	if err != nil {
		// Memory and sync work without a completer; generations fail.
		slog.Warn("completion provider unavailable", "provider", cfg.Completion.Provider, "error", err)
		completer = llm.Unavailable{}
	}
	roles := session.DefaultRoles()
	if cfg.RolesFile != "" {
		if roles, err = session.LoadRoles(cfg.RolesFile); err != nil {
			s.Close()
			return nil, err
		}
	}

	a := &app{store: s, embedder: emb}
	a.engine = retrieval.New(s, retrieval.Options{
		Dims:            cfg.Embed.Dims,
		RecencyFallback: cfg.Retrieval.RecencyFallback,
	})
	deps := session.Deps{
		Store:     s,
		Retriever: a.engine,
		Embedder:  emb,
		Completer: completer,
		Tokens:    llm.NewTokenCounter(),
		Roles:     roles,
	}
	if cfg.Sync.RemoteURL != "" {
		client := remote.NewClient(cfg.Sync.RemoteURL, cfg.CallTimeout)
		a.sync = syncmgr.New(s, client, cfg.SyncManagerConfig(), slog.Default())
		a.engine.SetFreshness(a.sync)
		deps.Sync = a.sync
	}
	a.orch = session.New(deps, cfg.SessionConfig())
	return a, nil
}

// Close waits for running generations, pushes what the command queued and
// closes the cache. An unreachable authority leaves the ops queued.
func (a *app) Close() {
	a.orch.Close()
	if a.sync != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout)
		if rep, err := a.sync.SyncCache(ctx); err != nil {
			slog.Warn("sync on exit", "error", err)
		} else if rep.Offline {
			slog.Info("authority unreachable, ops stay queued", "remaining", rep.Remaining)
		}
		cancel()
	}
	a.store.Close()
}

func mustApp() *app {
	a, err := openApp()
	if err != nil {
		exitErr("open", err)
	}
	return a
}

// readContent joins args, or reads piped stdin when there are none.
func readContent(args []string) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(strings.Join(args, " ")), nil
	}
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return "", nil
}

// printOut writes v as indented JSON, or through text when --format=text
// and a text rendering exists.
func printOut(v any, text func(w io.Writer)) {
	if formatFlag == "text" && text != nil {
		text(os.Stdout)
		return
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
