package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/debian-tools/btsmirror/internal/identity"
	"github.com/debian-tools/btsmirror/internal/types"
	"github.com/debian-tools/btsmirror/internal/ui"
)

var (
	linksIssue int
	linksBug   string
)

func init() {
	linksCmd.Flags().IntVar(&linksIssue, "issue", 0, "Only show the link of this GitHub issue number")
	linksCmd.Flags().StringVar(&linksBug, "bug", "", "Only show the link of this Debian bug number")
}

var linksCmd = &cobra.Command{
	Use:   "links OWNER/REPO",
	Short: "List the bug to issue links recorded for a repository",
	Long: `List the bug to issue links recorded for a repository.

With --issue or --bug, show the single link for that GitHub issue or
Debian bug, and fail when there is none.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if linksIssue != 0 && linksBug != "" {
			return errors.New("--issue and --bug are mutually exclusive")
		}
		repo := args[0]
		ctx := cmd.Context()
		store, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		// Read-only: no state dir, so a running sync keeps its lock.
		resolver, err := identity.Open(ctx, store, identity.Options{
			Repository: repo,
			SyncLabel:  cfg.SyncLabel,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer func() { _ = resolver.Release() }()

		var links []*types.MirrorLink
		switch {
		case linksIssue != 0:
			link, ok, err := resolver.LookupBySink(ctx, linksIssue)
			if err != nil {
				return fmt.Errorf("failed to look up issue #%d of %s: %w", linksIssue, repo, err)
			}
			if !ok {
				return fmt.Errorf("issue #%d of %s is not linked to any bug", linksIssue, repo)
			}
			links = append(links, link)
		case linksBug != "":
			link, ok, err := resolver.Lookup(ctx, linksBug)
			if err != nil {
				return fmt.Errorf("failed to look up bug #%s in %s: %w", linksBug, repo, err)
			}
			if !ok {
				return fmt.Errorf("bug #%s has no issue in %s", linksBug, repo)
			}
			links = append(links, link)
		default:
			links, err = resolver.Links(ctx)
			if err != nil {
				return fmt.Errorf("failed to list links of %s: %w", repo, err)
			}
		}
		fmt.Fprint(cmd.OutOrStdout(), ui.RenderLinks(repo, links))
		return nil
	},
}
