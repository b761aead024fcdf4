package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/speedrun-hq/speedrun-relayer/pkg/config"
	"github.com/speedrun-hq/speedrun-relayer/pkg/health"
	"github.com/speedrun-hq/speedrun-relayer/pkg/journal"
	"github.com/speedrun-hq/speedrun-relayer/pkg/logger"
	"github.com/speedrun-hq/speedrun-relayer/pkg/runner"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

// RunCmd represents the run command
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured profiles and print a summary",
	RunE:  runRelayer,
}

func init() {
	rootCmd.AddCommand(RunCmd)
}

func runRelayer(cmd *cobra.Command, _ []string) error {
	if profilesFlag != "" {
		if _, err := config.ParseProfileList(profilesFlag); err != nil {
			return err
		}
		if err := os.Setenv("PROFILES", profilesFlag); err != nil {
			return err
		}
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, flush, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer flush()

	store, err := openJournal(cfg.JournalPath)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				log.Error("Failed to close journal: %v", err)
			}
		}()
	}

	r, err := runner.New(cfg, store, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := health.NewServer(cfg.MetricsPort, r)
	go srv.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Failed to stop health server: %v", err)
		}
	}()

	log.Info("Starting relayer for %s", r.Account().Address.Hex())
	reports, err := r.Run(ctx, countFlag)
	printSummary(cmd.OutOrStdout(), reports)

	if errors.Is(err, context.Canceled) {
		log.Notice("Received termination signal, stopped early")
		return nil
	}
	return err
}

func newLogger(cfg *config.Config) (logger.Logger, func(), error) {
	if cfg.LoggerConfig.Format == config.LogFormatJSON {
		zl, err := logger.NewZapLogger(cfg.LoggerConfig.Level, cfg.WalletName)
		if err != nil {
			return nil, nil, err
		}
		return zl, func() { _ = zl.Sync() }, nil
	}
	return logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level).WithLabel(cfg.WalletName), func() {}, nil
}

func openJournal(path string) (*journal.Store, error) {
	if path == config.JournalDisabled {
		return nil, nil
	}
	store, err := journal.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", path, err)
	}
	return store, nil
}
