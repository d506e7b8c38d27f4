package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/njoerd114/leafsync/internal/app"
	"github.com/njoerd114/leafsync/internal/config"
	"github.com/njoerd114/leafsync/internal/model"
	syncer "github.com/njoerd114/leafsync/internal/sync"
)

// --- daemon ------------------------------------------------------------------

func newDaemonCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Sync in the background until stopped (SIGUSR1 forces a pass)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return fmt.Errorf("loading config from %q: %w", g.configPath, err)
			}
			logger := newLogger(os.Stderr, g.verbose, &cfg.Log, cfg.Telemetry != nil)
			logger.Info("config loaded",
				"api_url", cfg.APIURL,
				"interval", cfg.Sync.Interval,
				"kinds", len(cfg.Kinds()),
			)

			flush := startTelemetry(cfg, logger)
			defer flush()

			a, err := app.New(cfg, logger, app.WithUserAgent("leafsync/"+version))
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Error("closing record DB", "error", err)
				}
			}()
			logger.Info("record DB opened", "path", a.DBPath())

			ctx, stop := signalContext()
			defer stop()

			pidPath := pidFile(a.DBPath())
			if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
				logger.Warn("could not write pid file, local edits will wait for the next interval", "error", err)
			}
			defer func() { _ = os.Remove(pidPath) }()

			// SIGUSR1 comes from CLI writes; see nudgeDaemon.
			usr1 := make(chan os.Signal, 1)
			signal.Notify(usr1, syscall.SIGUSR1)
			defer signal.Stop(usr1)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-usr1:
						logger.Debug("SIGUSR1 received")
						a.Scheduler().Trigger()
					}
				}
			}()

			if _, err := a.Bootstrap(ctx, cmd.OutOrStdout()); err != nil {
				// Not fatal: the cache fills on the next refresh.
				logger.Warn("first-run cache warm-up incomplete", "error", err)
			}

			logger.Info("daemon starting", "interval", cfg.Sync.Interval)
			if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("sync scheduler: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}

// --- sync-once ---------------------------------------------------------------

func newSyncOnceCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-once",
		Short: "Push pending changes once, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return fmt.Errorf("loading config from %q: %w", g.configPath, err)
			}
			logger := newLogger(os.Stderr, g.verbose, nil, cfg.Telemetry != nil)
			flush := startTelemetry(cfg, logger)
			defer flush()

			a, err := app.New(cfg, logger, app.WithUserAgent("leafsync/"+version))
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			if _, err := a.Bootstrap(ctx, cmd.OutOrStdout()); err != nil {
				logger.Warn("first-run cache warm-up incomplete", "error", err)
			}

			logger.Info("running single sync pass")
			stats, err := a.SyncOnce(ctx)
			printStats(cmd.OutOrStdout(), a.Kinds(), stats)
			return err
		},
	}
}

// --- refresh -----------------------------------------------------------------

func newRefreshCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [kind]",
		Short: "Pull server records into the local cache",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, _, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			if len(args) == 0 {
				stats, err := a.RefreshAll(ctx)
				printStats(cmd.OutOrStdout(), a.Kinds(), stats)
				return err
			}

			kind, err := model.ParseKind(args[0])
			if err != nil {
				return err
			}
			repo, err := a.Repository(kind)
			if err != nil {
				return err
			}
			stats, err := repo.Refresh(ctx)
			printStats(cmd.OutOrStdout(), []model.Kind{kind}, map[model.Kind]syncer.Stats{kind: stats})
			return err
		},
	}
}

// --- status ------------------------------------------------------------------

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config, cache and daemon state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "leafsync Status")
			fmt.Fprintln(w, "───────────────")

			cfg, err := config.Load(g.configPath)
			if err != nil {
				fmt.Fprintf(w, "  Config:    %s (%v)\n", g.configPath, err)
				return nil
			}
			fmt.Fprintf(w, "  Config:    %s ✓\n", g.configPath)
			fmt.Fprintf(w, "  API URL:   %s\n", cfg.APIURL)
			fmt.Fprintf(w, "  Account:   %s\n", account(cfg))
			fmt.Fprintf(w, "  Interval:  %s\n", cfg.Sync.Interval)

			a, err := app.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				fmt.Fprintf(w, "  Cache:     unavailable (%v)\n", err)
				return nil
			}
			defer a.Close()

			if info, err := os.Stat(a.DBPath()); err == nil {
				fmt.Fprintf(w, "  Cache:     %s (%s)\n", a.DBPath(), humanSize(info.Size()))
			}
			if pid, ok := daemonPID(a.DBPath()); ok {
				fmt.Fprintf(w, "  Daemon:    running (pid %d)\n", pid)
			} else {
				fmt.Fprintln(w, "  Daemon:    not running")
			}

			counts, err := a.Counts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(w)
			for _, kind := range a.Kinds() {
				c := counts[kind]
				fmt.Fprintf(w, "  %-13s %3d synced  %3d to create  %3d to update  %3d to delete\n",
					kind, c[model.Synced], c[model.PendingCreate], c[model.PendingUpdate], c[model.PendingDelete])
			}
			return nil
		},
	}
}

// --- helpers -----------------------------------------------------------------

func account(cfg *config.Config) string {
	switch {
	case cfg.HasCredentials():
		return cfg.Email + " (automatic sign-in)"
	case cfg.APIToken != "":
		return "signed in"
	default:
		return "signed out"
	}
}

func printStats(w io.Writer, kinds []model.Kind, stats map[model.Kind]syncer.Stats) {
	for _, kind := range kinds {
		s, ok := stats[kind]
		if !ok {
			continue
		}
		var parts []string
		add := func(n int, label string) {
			if n > 0 {
				parts = append(parts, fmt.Sprintf("%d %s", n, label))
			}
		}
		add(s.Pulled, "pulled")
		add(s.Created, "created")
		add(s.Updated, "updated")
		add(s.Deleted, "deleted")
		add(s.Orphaned, "orphaned")
		add(s.Rejected, "rejected")
		add(s.Skipped, "skipped")
		add(s.Errors, "errors")
		if len(parts) == 0 {
			parts = []string{"up to date"}
		}
		fmt.Fprintf(w, "  %-13s %s\n", kind, strings.Join(parts, ", "))
	}
}

// pidFile is where the daemon records its pid, next to the record DB.
func pidFile(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "daemon.pid")
}

// daemonPID returns the pid of a running daemon sharing dbPath.
func daemonPID(dbPath string) (int, bool) {
	data, err := os.ReadFile(pidFile(dbPath))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil || proc.Signal(syscall.Signal(0)) != nil {
		return 0, false
	}
	return pid, true
}

// nudgeDaemon asks a running daemon to push now. It reports whether one was
// reached.
func nudgeDaemon(dbPath string) bool {
	pid, ok := daemonPID(dbPath)
	if !ok {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.SIGUSR1) == nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// sortedKeys returns the keys of m in order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
