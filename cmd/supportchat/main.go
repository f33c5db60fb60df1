package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/xaenox/supportchat/internal/models"
	"github.com/xaenox/supportchat/internal/session"
	"github.com/xaenox/supportchat/pkg/config"
	"go.uber.org/zap"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "supportchat",
	Short: "Customer support chat client",
	Long: `Chat with the support bot, hand sessions to human agents and manage
tickets from the terminal.

Quick Start:
  supportchat chat                       # start a new chat
  supportchat chat <session-id>          # continue a stored chat
  supportchat history                    # list your sessions
  supportchat assign <session-id> <agent-id>`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable development logging")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Log.Development || verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// withApp loads config, builds the app and runs fn with a context cancelled
// on SIGINT/SIGTERM.
func withApp(observer func(session.Change), fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, observer)
	if err != nil {
		logger.Error("Failed to initialize", zap.Error(err))
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var e *models.Error
		if errors.As(err, &e) {
			fmt.Fprintf(os.Stderr, "Error: %s\n", e.UserMessage())
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
