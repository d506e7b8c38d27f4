// leafsync keeps an offline cache of GreenLeaf plants, observations and the
// user profile, and syncs local changes to the service in the background.
//
// Usage:
//
//	leafsync setup                        # interactive first-run wizard
//	leafsync logout                       # sign out, keep local records
//	leafsync daemon [--config <path>]     # background sync until stopped
//	leafsync sync-once                    # push pending changes then exit
//	leafsync refresh [kind]               # pull server records into the cache
//	leafsync status                       # config, cache and daemon state
//	leafsync list <kind>                  # cached records
//	leafsync show <kind> <id>             # server copy of one record
//	leafsync add <kind> --set k=v ...     # new record, synced later
//	leafsync edit <kind> <id> --set k=v   # change a record, synced later
//	leafsync remove <kind> <id>           # delete a record, synced later
//	leafsync version                      # print version
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/njoerd114/leafsync/internal/app"
	"github.com/njoerd114/leafsync/internal/config"
	"github.com/njoerd114/leafsync/internal/remote"
	"github.com/njoerd114/leafsync/internal/setup"
	"github.com/njoerd114/leafsync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	defaultCfg, _ := config.DefaultPath()

	root := &cobra.Command{
		Use:           "leafsync",
		Short:         "leafsync - offline cache and background sync for GreenLeaf",
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", defaultCfg, "path to config.yaml")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newSetupCmd(g),
		newLogoutCmd(g),
		newDaemonCmd(g),
		newSyncOnceCmd(g),
		newRefreshCmd(g),
		newStatusCmd(g),
		newListCmd(g),
		newShowCmd(g),
		newAddCmd(g),
		newEditCmd(g),
		newRemoveCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "leafsync", version)
			},
		},
	)
	return root
}

// --- Shared setup ------------------------------------------------------------

// newLogger builds the process logger. Logs go to w, or to a rotated file
// when the config names one.
func newLogger(w io.Writer, verbose bool, logCfg *config.LogConfig, withTelemetry bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if logCfg != nil && logCfg.File != "" {
		w = &lumberjack.Logger{
			Filename:   logCfg.File,
			MaxSize:    logCfg.MaxSizeMB,
			MaxBackups: logCfg.MaxBackups,
			Compress:   true,
		}
	}
	var h slog.Handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	if withTelemetry {
		h = telemetry.NewHandler(h, nil)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// loadApp loads the config and wires the application. Interactive commands
// log warnings only, unless --verbose is given.
func loadApp(g *globalFlags) (*app.App, *config.Config, *slog.Logger, error) {
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config from %q: %w\n\n  Run 'leafsync setup' to create one", g.configPath, err)
	}
	a, err := app.New(cfg, logger, app.WithUserAgent("leafsync/"+version))
	if err != nil {
		return nil, nil, nil, err
	}
	return a, cfg, logger, nil
}

// startTelemetry enables OTLP export when configured. The returned function
// flushes and must always be called.
func startTelemetry(cfg *config.Config, logger *slog.Logger) func() {
	if cfg.Telemetry == nil {
		return func() {}
	}
	shutdown, err := telemetry.Setup(context.Background(), telemetry.Config{
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Headers:        cfg.Telemetry.Headers,
	})
	if err != nil {
		logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		return func() {}
	}
	logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// --- setup -------------------------------------------------------------------

func newSetupCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run wizard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			slog.SetDefault(logger)

			ctx, stop := signalContext()
			defer stop()

			login := func(ctx context.Context, apiURL, email, password string) (remote.Tokens, error) {
				return app.Login(ctx, apiURL, email, password, logger)
			}
			register := func(ctx context.Context, apiURL, email, password string) (remote.Tokens, error) {
				return app.Register(ctx, apiURL, email, password, logger)
			}
			wiz := setup.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout(), login, register, logger)
			_, err := wiz.Run(ctx, g.configPath)
			return err
		},
	}
}

// --- logout ------------------------------------------------------------------

func newLogoutCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored tokens and password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cfg, logger, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			if err := a.Logout(ctx); err != nil {
				logger.Warn("server sign-out failed, forgetting the local session anyway", "error", err)
			}
			cfg.SignOut()
			if err := config.Write(g.configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out. Local records are kept and pushed after 'leafsync setup'.")
			return nil
		},
	}
}
