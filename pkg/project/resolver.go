package project

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/go-go-golems/stackup/pkg/build"
	"github.com/go-go-golems/stackup/pkg/orchestrate"
	"github.com/go-go-golems/stackup/pkg/stagefile"
	"github.com/go-go-golems/stackup/pkg/topology"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Resolver builds the artifacts of build services and keeps them in Store under the
// service's tag. Without Rebuild a stored artifact is reused.
type Resolver struct {
	Builder *build.Builder
	Store   build.Store
	Rebuild bool

	mu    sync.Mutex
	built map[string]bool
}

var _ orchestrate.ArtifactResolver = (*Resolver)(nil)

// Resolve runs one build at a time; services sharing a tag share one build.
func (r *Resolver) Resolve(ctx context.Context, svc *topology.Service) (*build.Artifact, error) {
	if svc.Build == nil {
		return nil, nil
	}
	tag := svc.Build.Tag
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.built == nil {
		r.built = map[string]bool{}
	}

	if r.built[tag] || !r.Rebuild {
		if a, err := r.Store.Load(tag); err == nil {
			log.Info().Str("service", svc.Name).Str("tag", tag).Str("digest", a.Digest.String()).Msg("using stored artifact")
			return a, nil
		}
	}

	a, err := BuildRef(ctx, r.Builder, svc.Build)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s", svc.Name)
	}
	saved, err := r.Store.Save(a, tag)
	if err != nil {
		_ = a.Remove()
		return nil, err
	}
	r.built[tag] = true
	return saved, nil
}

// BuildRef resolves the build context of ref, parses its Stagefile and builds it.
func BuildRef(ctx context.Context, b *build.Builder, ref *topology.BuildRef) (*build.Artifact, error) {
	bctx, err := build.ResolveContext(ctx, ref.Context)
	if err != nil {
		return nil, err
	}
	defer bctx.Close()

	path := ref.Stagefile
	if !filepath.IsAbs(path) {
		path = filepath.Join(bctx.Dir, path)
	}
	f, err := stagefile.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return b.Build(ctx, f, bctx)
}
