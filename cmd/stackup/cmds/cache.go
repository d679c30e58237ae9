package cmds

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-go-golems/stackup/pkg/build"
	"github.com/go-go-golems/stackup/pkg/buildcache"
	"github.com/go-go-golems/stackup/pkg/overlay"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the stage cache and stored artifacts",
	}
	cmd.AddCommand(newCacheLsCmd(), newCachePruneCmd())
	return cmd
}

func newCacheLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List cached stages and tagged artifacts as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			p, err := loadProject(opts, nil, overlay.Patch{})
			if err != nil {
				return err
			}
			cache, err := buildcache.Open(cmd.Context(), p.CacheDir())
			if err != nil {
				return err
			}
			defer func() { _ = cache.Close() }()

			entries, err := cache.Entries(cmd.Context())
			if err != nil {
				return err
			}
			store := artifactStore(p)
			tags, err := store.Tags()
			if err != nil {
				return err
			}
			artifacts := make([]*build.Artifact, 0, len(tags))
			for _, tag := range tags {
				a, err := store.Load(tag)
				if err != nil {
					log.Warn().Err(err).Str("tag", tag).Msg("skipping unreadable artifact")
					continue
				}
				artifacts = append(artifacts, a)
			}

			b, err := json.MarshalIndent(map[string]any{
				"cache_dir": cache.Dir(),
				"stages":    entries,
				"artifacts": artifacts,
			}, "", "  ")
			if err != nil {
				return errors.Wrap(err, "marshal cache listing")
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
}

func newCachePruneCmd() *cobra.Command {
	var olderThan time.Duration
	var artifacts bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop cached stages not used within --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return errors.New("--older-than must be >= 0")
			}
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			p, err := loadProject(opts, nil, overlay.Patch{})
			if err != nil {
				return err
			}
			cache, err := buildcache.Open(cmd.Context(), p.CacheDir())
			if err != nil {
				return err
			}
			defer func() { _ = cache.Close() }()

			cutoff := time.Now().Add(-olderThan)
			n, err := cache.Prune(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d cached stages\n", n)

			if !artifacts {
				return nil
			}
			store := artifactStore(p)
			tags, err := store.Tags()
			if err != nil {
				return err
			}
			removed := 0
			for _, tag := range tags {
				a, err := store.Load(tag)
				if err != nil || a.BuiltAt.After(cutoff) {
					continue
				}
				if err := store.Remove(tag); err != nil {
					return err
				}
				removed++
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d artifacts\n", removed)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Keep entries used more recently than this")
	cmd.Flags().BoolVar(&artifacts, "artifacts", false, "Also remove tagged artifacts built before the cutoff")
	return cmd
}
