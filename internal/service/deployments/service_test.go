package deployments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/microsoft/spektate/internal/domain"
	"github.com/microsoft/spektate/internal/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	rows    []storage.RawRecord
	deleted []string
}

func (f *fakeStore) List(ctx context.Context, q storage.Query) ([]storage.RawRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.RawRecord(nil), f.rows...), nil
}

func (f *fakeStore) Upsert(ctx context.Context, rec storage.RawRecord) error { return nil }

func (f *fakeStore) Find(ctx context.Context, partitionKey, rowKey string) (storage.RawRecord, error) {
	return storage.RawRecord{}, storage.ErrNotFound
}

func (f *fakeStore) Delete(ctx context.Context, partitionKey string, rowKeys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, rowKeys...)
	return nil
}

func (f *fakeStore) InsertFlux(ctx context.Context, n storage.FluxNotification) error { return nil }

func (f *fakeStore) ListFlux(ctx context.Context, since time.Time) ([]storage.FluxNotification, error) {
	return nil, nil
}

func (f *fakeStore) Close() error { return nil }

type fakeProvider struct {
	mu          sync.Mutex
	builds      map[string]*domain.Build
	releases    map[string]*domain.Release
	stages      map[string]map[int]domain.Stage
	releaseIDs  []string
	listErr     error
	releasesErr error
}

func (f *fakeProvider) ListBuilds(ctx context.Context, ids []string) (map[string]*domain.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.builds == nil {
		return map[string]*domain.Build{}, nil
	}
	return f.builds, nil
}

func (f *fakeProvider) ListReleases(ctx context.Context, ids []string) (map[string]*domain.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.releasesErr != nil {
		return nil, f.releasesErr
	}
	f.releaseIDs = append(f.releaseIDs, ids...)
	if f.releases == nil {
		return map[string]*domain.Release{}, nil
	}
	return f.releases, nil
}

func (f *fakeProvider) BuildStages(ctx context.Context, build *domain.Build) (map[int]domain.Stage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stages := f.stages[build.ID]
	if stages == nil {
		stages = map[int]domain.Stage{}
	}
	build.Stages = stages
	return stages, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var fixtureBase = time.Date(2019, 10, 31, 18, 0, 0, 0, time.UTC)

func completeBuild(id string, queue time.Time, runtime time.Duration, update time.Time) *domain.Build {
	return &domain.Build{
		ID:             id,
		Status:         domain.BuildStatusCompleted,
		Result:         domain.BuildResultSucceeded,
		QueueTime:      queue,
		StartTime:      queue,
		FinishTime:     queue.Add(runtime),
		LastUpdateTime: update,
	}
}

// fixture returns 62 rows plus providers resolving them. Row
// "179c843496bd" carries all three stages with a combined runtime of 9.24
// minutes and a final update at 18:15:53.767.
func fixture() (*fakeStore, *fakeProvider, *fakeProvider, *fakeProvider) {
	store := &fakeStore{}
	src := &fakeProvider{builds: map[string]*domain.Build{}}
	rel := &fakeProvider{releases: map[string]*domain.Release{}}
	man := &fakeProvider{builds: map[string]*domain.Build{}}

	store.rows = append(store.rows, storage.RawRecord{
		PartitionKey: "hello-bedrock",
		RowKey:       "179c843496bd",
		P1:           "6192",
		P2:           "271",
		P3:           "6193",
		CommitID:     "e3d6504",
		ImageTag:     "master-6192",
		Env:          "dev",
		Service:      "hello-world",
		Timestamp:    fixtureBase,
	})
	src.builds["6192"] = completeBuild("6192", fixtureBase, 4*time.Minute, fixtureBase.Add(4*time.Minute))
	rel.releases["271"] = &domain.Release{
		ID:             "271",
		Status:         domain.BuildStatusCompleted,
		Result:         domain.BuildResultSucceeded,
		QueueTime:      fixtureBase.Add(5 * time.Minute),
		FinishTime:     fixtureBase.Add(7 * time.Minute),
		LastUpdateTime: fixtureBase.Add(7 * time.Minute),
	}
	// 3.24 minutes, finishing the 9.24 total.
	man.builds["6193"] = completeBuild(
		"6193",
		fixtureBase.Add(10*time.Minute),
		194400*time.Millisecond,
		time.Date(2019, 10, 31, 18, 15, 53, 767000000, time.UTC),
	)

	for i := 0; i < 61; i++ {
		id := fmt.Sprintf("b%04d", i)
		queue := fixtureBase.Add(-time.Duration(i+1) * time.Minute)
		store.rows = append(store.rows, storage.RawRecord{
			PartitionKey: "hello-bedrock",
			RowKey:       fmt.Sprintf("row%04d", i),
			P1:           id,
			Env:          "dev",
			Timestamp:    queue,
		})
		src.builds[id] = completeBuild(id, queue, 30*time.Second, queue.Add(time.Minute))
	}
	return store, src, rel, man
}

func TestListCorrelatesFixture(t *testing.T) {
	store, src, rel, man := fixture()
	svc := New(store, src, rel, man, "hello-bedrock", testLogger())

	deps, err := svc.List(context.Background(), storage.Query{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(deps) != 62 {
		t.Fatalf("expected 62 deployments, got %d", len(deps))
	}

	var target *domain.Deployment
	for _, d := range deps {
		if d.DeploymentID == "179c843496bd" {
			target = d
			break
		}
	}
	if target == nil {
		t.Fatal("deployment 179c843496bd missing")
	}
	if target.Status != domain.StatusComplete {
		t.Fatalf("status = %q, want %q", target.Status, domain.StatusComplete)
	}
	wantEnd := time.Date(2019, 10, 31, 18, 15, 53, 767000000, time.UTC)
	if !target.EndTime.Equal(wantEnd) {
		t.Fatalf("endTime = %v, want %v", target.EndTime, wantEnd)
	}
	if target.Duration != "9.24" {
		t.Fatalf("duration = %q, want 9.24", target.Duration)
	}
	if target.StageTwoKind != domain.StageTwoRelease {
		t.Fatalf("stage two resolved as %v, want release", target.StageTwoKind)
	}

	for i := 1; i < len(deps); i++ {
		if deps[i].EndTime.After(deps[i-1].EndTime) {
			t.Fatalf("list not sorted at index %d: %v after %v", i, deps[i].EndTime, deps[i-1].EndTime)
		}
	}
}

func TestListCollectsReleaseIDsOnlyWhenDistinct(t *testing.T) {
	store := &fakeStore{rows: []storage.RawRecord{
		{RowKey: "a", P1: "100", P2: "100", Timestamp: fixtureBase},
		{RowKey: "b", P1: "101", P2: "500", Timestamp: fixtureBase},
	}}
	src := &fakeProvider{builds: map[string]*domain.Build{
		"100": completeBuild("100", fixtureBase, time.Minute, fixtureBase),
		"101": completeBuild("101", fixtureBase, time.Minute, fixtureBase),
	}}
	rel := &fakeProvider{}
	svc := New(store, src, rel, src, "p", testLogger())

	if _, err := svc.List(context.Background(), storage.Query{}); err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rel.releaseIDs) != 1 || rel.releaseIDs[0] != "500" {
		t.Fatalf("release ids = %v, want only 500", rel.releaseIDs)
	}
}

func TestListSharedBuildBackfillsStageResults(t *testing.T) {
	build := completeBuild("100", fixtureBase, time.Minute, fixtureBase)
	build.Result = domain.BuildResultFailed

	store := &fakeStore{rows: []storage.RawRecord{
		{RowKey: "a", P1: "100", P2: "100", Timestamp: fixtureBase},
	}}
	src := &fakeProvider{
		builds: map[string]*domain.Build{"100": build},
		stages: map[string]map[int]domain.Stage{
			"100": {
				1: {Order: 1, Result: domain.BuildResultSucceeded, State: domain.BuildStatusCompleted},
				2: {Order: 2, Result: domain.BuildResultFailed, State: domain.BuildStatusCompleted},
			},
		},
	}
	svc := New(store, src, &fakeProvider{}, &fakeProvider{}, "p", testLogger())

	deps, err := svc.List(context.Background(), storage.Query{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(deps) != 1 {
		t.Fatalf("expected 1 deployment, got %d", len(deps))
	}
	d := deps[0]
	if d.StageTwoKind != domain.StageTwoBuild {
		t.Fatalf("stage two kind = %v, want build", d.StageTwoKind)
	}
	if d.SrcToDockerBuild.Result != domain.BuildResultSucceeded {
		t.Fatalf("stage 1 result not backfilled: %+v", d.SrcToDockerBuild)
	}
	if d.DockerToHLDReleaseStage.Result != domain.BuildResultFailed {
		t.Fatalf("stage 2 result not backfilled: %+v", d.DockerToHLDReleaseStage)
	}
	if d.SrcToDockerBuild == d.DockerToHLDReleaseStage {
		t.Fatal("stage 1 and stage 2 share one build object")
	}
	// The provider cache must keep its own copy untouched.
	if src.builds["100"].Status != domain.BuildStatusCompleted {
		t.Fatalf("provider cache mutated: %+v", src.builds["100"])
	}
}

func TestListDeletesExpiredRows(t *testing.T) {
	store := &fakeStore{rows: []storage.RawRecord{
		{RowKey: "gone", P1: "404", Timestamp: fixtureBase},
		{RowKey: "kept", P1: "100", Timestamp: fixtureBase},
	}}
	src := &fakeProvider{builds: map[string]*domain.Build{
		"100": completeBuild("100", fixtureBase, time.Minute, fixtureBase),
	}}
	svc := New(store, src, &fakeProvider{}, &fakeProvider{}, "p", testLogger())

	deps, err := svc.List(context.Background(), storage.Query{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(deps) != 1 || deps[0].DeploymentID != "kept" {
		t.Fatalf("expected only kept deployment, got %v", deps)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "gone" {
		t.Fatalf("deleted = %v, want [gone]", store.deleted)
	}
}

func TestListProviderFailureAbortsPass(t *testing.T) {
	store := &fakeStore{rows: []storage.RawRecord{
		{RowKey: "a", P1: "100", P2: "500", Timestamp: fixtureBase},
	}}
	src := &fakeProvider{builds: map[string]*domain.Build{
		"100": completeBuild("100", fixtureBase, time.Minute, fixtureBase),
	}}
	rel := &fakeProvider{releasesErr: errors.New("release api down")}
	svc := New(store, src, rel, src, "p", testLogger())

	if _, err := svc.List(context.Background(), storage.Query{}); err == nil {
		t.Fatal("expected release provider failure to abort the pass")
	}
}
