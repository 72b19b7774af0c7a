// Command btsmirror mirrors Debian BTS bugs to GitHub issues.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/debian-tools/btsmirror/internal/config"
	"github.com/debian-tools/btsmirror/internal/debug"
	"github.com/debian-tools/btsmirror/internal/telemetry"
	"github.com/debian-tools/btsmirror/internal/ui"

	// Tracker adapters register themselves with the tracker registry.
	_ "github.com/debian-tools/btsmirror/internal/debbugs"
	_ "github.com/debian-tools/btsmirror/internal/github"
)

var (
	configPath string
	debugFlag  bool
	logFormat  string
	noColor    bool

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
)

// errSyncFailed is returned once the failing passes have been reported.
var errSyncFailed = errors.New("one or more passes failed")

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./btsmirror.yaml, then the user config dir)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text|json)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(syncCmd, statusCmd, linksCmd, versionCmd)
}

var rootCmd = &cobra.Command{
	Use:   "btsmirror",
	Short: "Mirror Debian BTS bugs to GitHub issues",
	Long: `btsmirror keeps a GitHub repository's labeled issues in step with the
bugs filed against a Debian package: new bugs become issues, edits are
copied over, and closing or reopening a bug closes or reopens its issue.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		return setup(cmd)
	},
}

// setup loads configuration and initializes logging, colors and telemetry.
func setup(cmd *cobra.Command) error {
	if debugFlag {
		debug.SetVerbose(true)
	}

	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = c

	logger, logCloser, err = debug.NewLogger(debug.Options{
		Format: logFormat,
		File:   cfg.LogFile,
		Stderr: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	if cfg.Source != "" {
		logger.Debug("loaded config", "path", cfg.Source)
	}

	ui.Init(cmd.OutOrStdout(), noColor)

	if err := telemetry.Init(cmd.Context(), "btsmirror", Version); err != nil {
		logger.Warn("telemetry disabled", "error", err)
	}
	return nil
}

// teardown flushes telemetry and closes the log file.
func teardown(ctx context.Context) {
	telemetry.Shutdown(context.WithoutCancel(ctx))
	if logCloser != nil {
		_ = logCloser.Close()
		logCloser = nil
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	teardown(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errSyncFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
