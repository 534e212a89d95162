// Package deployments joins raw deployment rows with pipeline provider
// data into complete, sorted deployment entities.
package deployments

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/microsoft/spektate/internal/domain"
	"github.com/microsoft/spektate/internal/pipeline"
	"github.com/microsoft/spektate/internal/storage"
)

// Service correlates store rows against the three pipeline roles.
type Service struct {
	store        storage.Store
	source       pipeline.Provider
	release      pipeline.Provider
	manifest     pipeline.Provider
	partitionKey string
	log          *slog.Logger
	now          func() time.Time
}

// New constructs a Service over the given store and providers. The source,
// release and manifest handles may point at the same provider instance.
func New(store storage.Store, source, release, manifest pipeline.Provider, partitionKey string, log *slog.Logger) *Service {
	return &Service{
		store:        store,
		source:       source,
		release:      release,
		manifest:     manifest,
		partitionKey: partitionKey,
		log:          log.With("component", "deployments"),
		now:          time.Now,
	}
}

// List returns correlated deployments for q, sorted by end time descending.
// A q with a zero partition key defaults to the service's partition.
func (s *Service) List(ctx context.Context, q storage.Query) ([]*domain.Deployment, error) {
	if q.PartitionKey == "" {
		q.PartitionKey = s.partitionKey
	}
	s.log.Debug("listing deployments", "filter", q.Predicate())

	rows, err := s.store.List(ctx, q)
	if err != nil {
		return nil, err
	}

	builds, releases, manifestBuilds, err := s.resolvePipelines(ctx, rows)
	if err != nil {
		return nil, err
	}

	var (
		out     []*domain.Deployment
		expired []string
	)
	for _, row := range rows {
		dep, err := s.correlate(ctx, row, builds, releases, manifestBuilds)
		if err != nil {
			return nil, err
		}
		if !dep.HasStageResult() {
			// Builds and releases referenced by this row have expired
			// upstream, so the row is dead weight.
			expired = append(expired, row.RowKey)
			continue
		}
		dep.Derive(s.now())
		out = append(out, dep)
	}

	sort.SliceStable(out, func(i, j int) bool { return domain.Less(out[i], out[j]) })

	if len(expired) > 0 {
		if err := s.store.Delete(ctx, q.PartitionKey, expired); err != nil {
			s.log.Error("failed to clean up expired rows", "error", err, "count", len(expired))
		} else {
			s.log.Info("removed expired deployment rows", "count", len(expired))
		}
	}
	return out, nil
}

// resolvePipelines collects the three id sets from the rows and fetches
// them concurrently. A release id is only collected when the row's stage-2
// id differs from its stage-1 id, equal ids mean one multi-stage build
// serves both roles.
func (s *Service) resolvePipelines(ctx context.Context, rows []storage.RawRecord) (
	builds map[string]*domain.Build,
	releases map[string]*domain.Release,
	manifestBuilds map[string]*domain.Build,
	err error,
) {
	var srcIDs, releaseIDs, manifestIDs []string
	seenSrc := map[string]bool{}
	seenRelease := map[string]bool{}
	seenManifest := map[string]bool{}
	for _, row := range rows {
		if row.P1 != "" && !seenSrc[row.P1] {
			seenSrc[row.P1] = true
			srcIDs = append(srcIDs, row.P1)
		}
		if row.P3 != "" && !seenManifest[row.P3] {
			seenManifest[row.P3] = true
			manifestIDs = append(manifestIDs, row.P3)
		}
		if row.P2 != "" && row.P1 != row.P2 && !seenRelease[row.P2] {
			seenRelease[row.P2] = true
			releaseIDs = append(releaseIDs, row.P2)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		builds, err = s.source.ListBuilds(gctx, srcIDs)
		return err
	})
	g.Go(func() error {
		var err error
		releases, err = s.release.ListReleases(gctx, releaseIDs)
		return err
	})
	g.Go(func() error {
		var err error
		manifestBuilds, err = s.manifest.ListBuilds(gctx, manifestIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}
	return builds, releases, manifestBuilds, nil
}

// correlate assembles one deployment from a store row and the fetched
// pipeline caches. Each deployment gets its own object graph so later
// mutation never aliases the provider caches.
func (s *Service) correlate(
	ctx context.Context,
	row storage.RawRecord,
	builds map[string]*domain.Build,
	releases map[string]*domain.Release,
	manifestBuilds map[string]*domain.Build,
) (*domain.Deployment, error) {
	dep := &domain.Deployment{
		DeploymentID:     row.RowKey,
		CommitID:         row.CommitID,
		HLDCommitID:      row.HLDCommitID,
		ManifestCommitID: row.ManifestCommitID,
		ImageTag:         row.ImageTag,
		Environment:      row.Env,
		Service:          serviceName(row.Service),
		Timestamp:        row.Timestamp.UTC().Format(time.RFC3339Nano),
		SourceRepo:       row.SourceRepo,
		HLDRepo:          row.HLDRepo,
		ManifestRepo:     row.ManifestRepo,
		PRID:             row.PRID,
	}

	if row.P1 != "" {
		dep.SrcToDockerBuild = builds[row.P1].Clone()
	}
	if row.P3 != "" {
		dep.HLDToManifestBuild = manifestBuilds[row.P3].Clone()
	}

	switch {
	case row.P2 == "":
	case row.P1 == row.P2 && builds[row.P2] != nil:
		stage := builds[row.P2].Clone()
		dep.DockerToHLDReleaseStage = stage
		dep.StageTwoKind = domain.StageTwoBuild
		// Detail fetch only when the overall run did not succeed, to keep
		// the happy path at one call per provider.
		if stage.Result != domain.BuildResultSucceeded {
			stages, err := s.source.BuildStages(ctx, stage)
			if err != nil {
				return nil, err
			}
			if sub, ok := stages[1]; ok && dep.SrcToDockerBuild != nil {
				dep.SrcToDockerBuild.Result = sub.Result
				dep.SrcToDockerBuild.Status = sub.State
			}
			if sub, ok := stages[2]; ok {
				stage.Result = sub.Result
				stage.Status = sub.State
			}
		}
	default:
		if release := releases[row.P2]; release != nil {
			rel := *release
			dep.DockerToHLDRelease = &rel
			dep.StageTwoKind = domain.StageTwoRelease
		}
	}
	return dep, nil
}

// serviceName strips the org prefix from "org/service" column values.
func serviceName(raw string) string {
	if parts := strings.Split(raw, "/"); len(parts) == 2 {
		return parts[1]
	}
	return raw
}
