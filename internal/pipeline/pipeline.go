// Package pipeline talks to CI providers and caches the builds and
// releases they return.
package pipeline

import (
	"context"
	"errors"

	"github.com/microsoft/spektate/internal/domain"
)

// ErrProvider marks any failed provider call. Bulk fetch errors wrap it so
// the refresh loop can abort the whole pass.
var ErrProvider = errors.New("pipeline: provider request failed")

// Provider exposes one CI system. ListBuilds and ListReleases with an empty
// id set are a fast path returning the provider's current cache unchanged;
// with ids they fetch those records and merge them into the cache.
type Provider interface {
	ListBuilds(ctx context.Context, ids []string) (map[string]*domain.Build, error)
	ListReleases(ctx context.Context, ids []string) (map[string]*domain.Release, error)
	// BuildStages fetches the per-stage timeline for build and attaches it
	// to build.Stages. Providers without stage timelines return an empty map.
	BuildStages(ctx context.Context, build *domain.Build) (map[int]domain.Stage, error)
}
