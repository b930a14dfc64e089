package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmalloc/drover/internal/config"
	"github.com/jmalloc/drover/internal/events"
	"github.com/jmalloc/drover/internal/execx"
	"github.com/jmalloc/drover/internal/logger"
	"github.com/jmalloc/drover/internal/session"
	"github.com/jmalloc/drover/internal/store"
)

var (
	debugMode             bool
	quietMode             bool
	version, commit, date string
)

// SetVersionInfo sets version information from ldflags
func SetVersionInfo(v, c, d string) {
	version, commit, date = v, c, d
}

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Orchestrator for concurrent agent coding sessions",
	Long: `Drover runs multiple concurrent agent coding sessions, each in its
own git worktree. It supervises agent processes, routes tool permission
requests, manages per-session shells, and records every conversation.`,
	RunE:          runService,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quietMode, "quiet", "q", false, "Reduce logging to info level only")
}

func initLogging() {
	if quietMode {
		logger.SetDebug(false)
	} else if debugMode {
		logger.SetDebug(true)
	}
}

// Execute runs the root command
func Execute() error {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(versionTemplate())
	return rootCmd.Execute()
}

func versionTemplate() string {
	if commit != "none" && commit != "" {
		return fmt.Sprintf("drover %s\n  commit: %s\n  built:  %s\n", version, commit, date)
	}
	return fmt.Sprintf("drover %s\n", version)
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	switch cfg.LogLevel {
	case "debug":
		logger.SetLevel(logger.LevelDebug)
	case "warn":
		logger.SetLevel(logger.LevelWarn)
	case "error":
		logger.SetLevel(logger.LevelError)
	}
	defer logger.Close()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	ctx := context.Background()

	bus, err := events.NewBus(ctx, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("starting event bus: %w", err)
	}
	defer bus.Close()

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer st.Close()

	orch := session.NewOrchestrator(cfg, st, bus, execx.NewRealExecutor())
	if err := orch.Startup(ctx); err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}
	defer orch.Shutdown(ctx)

	logger.Info("drover started, data dir %s", cfg.DataDir)
	fmt.Printf("drover running (data: %s). Press Ctrl-C to stop.\n", cfg.DataDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	fmt.Println("shutting down...")
	return nil
}
