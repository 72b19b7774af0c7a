package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/debian-tools/btsmirror/internal/mirror"
	"github.com/debian-tools/btsmirror/internal/telemetry"
	"github.com/debian-tools/btsmirror/internal/tracker"
	"github.com/debian-tools/btsmirror/internal/ui"
)

var (
	syncDryRun bool
	syncOnly   string
)

func init() {
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Print the planned changes without applying them")
	syncCmd.Flags().StringVar(&syncOnly, "only", "", "Only sync the pairs of this Debian package")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one mirror pass per configured package/repository pair",
	Long: `Run one mirror pass per configured package/repository pair.

Exits 1 when any pass aborted or any planned change failed.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	pairs := cfg.Pairs(syncOnly)
	if len(pairs) == 0 {
		return fmt.Errorf("no repository configured for package %q", syncOnly)
	}
	ctx := cmd.Context()

	source, err := tracker.NewSource("debbugs", cfg.SourceConfig())
	if err != nil {
		return err
	}
	if s, ok := source.(interface{ SetLogger(*slog.Logger) }); ok {
		s.SetLogger(logger)
	}
	sink, err := tracker.NewSink("github", cfg.SinkConfig())
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runner := &mirror.Runner{
		Source:      source,
		Sink:        telemetry.WrapSink(sink),
		Store:       store,
		Label:       cfg.SyncLabel,
		Policy:      cfg.Retry,
		Mapper:      tracker.DefaultMapper{},
		StateDir:    cfg.StateDir,
		LockTimeout: cfg.LockTimeout,
		PassTimeout: cfg.PassTimeout,
		Concurrency: cfg.Concurrency,
		DryRun:      syncDryRun,
		Logger:      logger,
	}
	results := runner.RunAll(ctx, pairs)

	out := cmd.OutOrStdout()
	for _, res := range results {
		if syncDryRun && res.Plan != nil {
			fmt.Fprint(out, ui.RenderPlan(res.Plan))
			if res.Report != nil {
				fmt.Fprint(out, ui.RenderComments(res.Report))
			}
			continue
		}
		fmt.Fprint(out, ui.RenderResult(res))
	}
	fmt.Fprintln(out, ui.RenderSummary(results))

	if mirror.Failed(results) {
		return errSyncFailed
	}
	return nil
}
