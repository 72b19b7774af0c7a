package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/debian-tools/btsmirror/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the configuration and per-repository mirror state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		text, err := cfg.Redacted().YAML()
		if err != nil {
			return err
		}
		source := cfg.Source
		if source == "" {
			source = "(defaults and environment)"
		}
		fmt.Fprintf(out, "%s %s\n", ui.RenderCategory("Configuration"), ui.RenderMuted(source))
		fmt.Fprintln(out, text)

		store, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		fmt.Fprintln(out, ui.RenderCategory("Repositories"))
		for _, pair := range cfg.Repositories {
			links, err := store.ListLinks(ctx, pair.Repository)
			if err != nil {
				return fmt.Errorf("failed to list links of %s: %w", pair.Repository, err)
			}
			last, err := store.LastPass(ctx, pair.Repository)
			if err != nil {
				return fmt.Errorf("failed to read pass state of %s: %w", pair.Repository, err)
			}
			lastText := ui.RenderMuted("never")
			if !last.IsZero() {
				lastText = last.Local().Format(time.RFC3339)
			}
			fmt.Fprintf(out, "  %s: %d links, last successful pass %s\n", pair, len(links), lastText)
		}
		return nil
	},
}
