package cmds

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/go-go-golems/stackup/pkg/build"
	"github.com/go-go-golems/stackup/pkg/overlay"
	"github.com/go-go-golems/stackup/pkg/project"
	"github.com/go-go-golems/stackup/pkg/stagefile"
	"github.com/go-go-golems/stackup/pkg/topology"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newBuildCmd() *cobra.Command {
	var file string
	var tag string
	var contextSrc string
	var executor string
	var noCache bool

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run the stages of a Stagefile and store the final artifact under a tag",
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
			ctx := cmd.Context()

			if contextSrc == "" {
				contextSrc = p.Dir
			} else if !build.IsGitURL(contextSrc) && !filepath.IsAbs(contextSrc) {
				contextSrc = filepath.Join(p.Dir, contextSrc)
			}
			if file == "" {
				file = p.Config.Stagefile
			}
			if file == "" {
				file = stagefile.DefaultFilename
			}
			if !filepath.IsAbs(file) && !build.IsGitURL(contextSrc) {
				file = filepath.Join(p.Dir, file)
			}
			if tag == "" {
				tag = p.Name
			}
			if err := build.CheckTag(tag); err != nil {
				return err
			}

			b, closeBuilder, err := newBuilder(ctx, p, builderOptions{
				Executor: executor,
				NoCache:  noCache,
				Output:   cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			defer closeBuilder()

			a, err := project.BuildRef(ctx, b, &topology.BuildRef{Context: contextSrc, Stagefile: file, Tag: tag})
			if err != nil {
				return err
			}
			saved, err := artifactStore(p).Save(a, tag)
			if err != nil {
				_ = a.Remove()
				return err
			}
			log.Info().Str("tag", tag).Str("digest", saved.Digest.String()).Msg("artifact stored")

			out, err := json.MarshalIndent(saved, "", "  ")
			if err != nil {
				return errors.Wrap(err, "marshal artifact")
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Stagefile path (defaults to the config value, then ./Stagefile)")
	cmd.Flags().StringVar(&tag, "tag", "", "Artifact tag (defaults to the project name)")
	cmd.Flags().StringVar(&contextSrc, "context", "", "Build context directory or git URL (defaults to the project dir)")
	cmd.Flags().StringVar(&executor, "executor", "", "Stage executor: local|docker (defaults to the config value)")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Do not read or write the build cache")
	return cmd
}
