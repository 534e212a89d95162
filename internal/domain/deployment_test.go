package domain

import (
	"testing"
	"time"
)

func TestDeriveStatusCompleteWinsOverEarlierStages(t *testing.T) {
	d := &Deployment{
		SrcToDockerBuild:   &Build{Status: BuildStatusInProgress},
		HLDToManifestBuild: &Build{Status: BuildStatusCompleted, Result: BuildResultSucceeded},
	}
	d.Derive(time.Now())
	if d.Status != StatusComplete {
		t.Fatalf("expected %q, got %q", StatusComplete, d.Status)
	}
}

func TestDeriveStatusInProgress(t *testing.T) {
	cases := []struct {
		name string
		dep  *Deployment
	}{
		{
			name: "source build in progress",
			dep:  &Deployment{SrcToDockerBuild: &Build{Status: BuildStatusInProgress}},
		},
		{
			name: "release in progress",
			dep: &Deployment{
				StageTwoKind:       StageTwoRelease,
				DockerToHLDRelease: &Release{Status: BuildStatusInProgress},
			},
		},
		{
			name: "release stage build in progress",
			dep: &Deployment{
				StageTwoKind:            StageTwoBuild,
				DockerToHLDReleaseStage: &Build{Status: BuildStatusInProgress},
			},
		},
		{
			name: "manifest build in progress",
			dep:  &Deployment{HLDToManifestBuild: &Build{Status: BuildStatusInProgress}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.dep.Derive(time.Now())
			if tc.dep.Status != StatusInProgress {
				t.Fatalf("expected %q, got %q", StatusInProgress, tc.dep.Status)
			}
		})
	}
}

func TestDeriveStatusFailedIgnoresReleaseResult(t *testing.T) {
	d := &Deployment{
		SrcToDockerBuild:   &Build{Status: BuildStatusCompleted, Result: BuildResultFailed},
		HLDToManifestBuild: &Build{Status: BuildStatusCompleted, Result: ""},
	}
	d.Derive(time.Now())
	if d.Status != StatusFailed {
		t.Fatalf("expected %q, got %q", StatusFailed, d.Status)
	}

	// A failed release alone does not mark the deployment failed.
	d = &Deployment{
		SrcToDockerBuild:   &Build{Status: BuildStatusCompleted, Result: BuildResultSucceeded},
		StageTwoKind:       StageTwoRelease,
		DockerToHLDRelease: &Release{Status: BuildStatusCompleted, Result: BuildResultFailed},
	}
	d.Derive(time.Now())
	if d.Status != StatusIncomplete {
		t.Fatalf("expected %q, got %q", StatusIncomplete, d.Status)
	}
}

func TestDeriveEndTimePriority(t *testing.T) {
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := now.Add(-3 * time.Hour)
	t2 := now.Add(-2 * time.Hour)
	t3 := now.Add(-1 * time.Hour)

	d := &Deployment{
		SrcToDockerBuild:   &Build{LastUpdateTime: t1},
		StageTwoKind:       StageTwoRelease,
		DockerToHLDRelease: &Release{LastUpdateTime: t2},
		HLDToManifestBuild: &Build{LastUpdateTime: t3},
	}
	d.Derive(now)
	if !d.EndTime.Equal(t3) {
		t.Fatalf("expected manifest build update time, got %v", d.EndTime)
	}

	d.HLDToManifestBuild.LastUpdateTime = time.Time{}
	d.Derive(now)
	if !d.EndTime.Equal(t2) {
		t.Fatalf("expected release update time, got %v", d.EndTime)
	}

	d.DockerToHLDRelease.LastUpdateTime = time.Time{}
	d.Derive(now)
	if !d.EndTime.Equal(t1) {
		t.Fatalf("expected source build update time, got %v", d.EndTime)
	}

	d.SrcToDockerBuild.LastUpdateTime = time.Time{}
	d.Derive(now)
	if !d.EndTime.Equal(now) {
		t.Fatalf("expected now for missing update times, got %v", d.EndTime)
	}
}

func TestDeriveDurationAccumulatesAllStages(t *testing.T) {
	now := time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)
	base := time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)

	d := &Deployment{
		SrcToDockerBuild: &Build{QueueTime: base, FinishTime: base.Add(4 * time.Minute)},
		StageTwoKind:     StageTwoRelease,
		DockerToHLDRelease: &Release{
			QueueTime:  base.Add(5 * time.Minute),
			FinishTime: base.Add(7 * time.Minute),
		},
		HLDToManifestBuild: &Build{
			QueueTime:  base.Add(8 * time.Minute),
			FinishTime: base.Add(8*time.Minute + 90*time.Second),
		},
	}
	d.Derive(now)
	if d.Duration != "7.50" {
		t.Fatalf("expected duration 7.50, got %s", d.Duration)
	}
}

func TestDeriveDurationReleaseStageAccumulates(t *testing.T) {
	now := time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)
	base := time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)

	d := &Deployment{
		SrcToDockerBuild: &Build{QueueTime: base, FinishTime: base.Add(2 * time.Minute)},
		StageTwoKind:     StageTwoBuild,
		DockerToHLDReleaseStage: &Build{
			QueueTime:  base,
			FinishTime: base.Add(3 * time.Minute),
		},
	}
	d.Derive(now)
	if d.Duration != "5.00" {
		t.Fatalf("expected duration 5.00, got %s", d.Duration)
	}
}

func TestDeriveDurationUnfinishedStageCountsToNow(t *testing.T) {
	base := time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)
	now := base.Add(10 * time.Minute)

	d := &Deployment{
		SrcToDockerBuild: &Build{QueueTime: base},
	}
	d.Derive(now)
	if d.Duration != "10.00" {
		t.Fatalf("expected duration 10.00, got %s", d.Duration)
	}
}

func TestHasStageResult(t *testing.T) {
	if (&Deployment{}).HasStageResult() {
		t.Fatal("empty deployment should have no stage result")
	}
	d := &Deployment{StageTwoKind: StageTwoRelease, DockerToHLDRelease: &Release{}}
	if !d.HasStageResult() {
		t.Fatal("deployment with a release should have a stage result")
	}
}

func TestCloneIsDeep(t *testing.T) {
	d := &Deployment{
		DeploymentID:     "abc123",
		SrcToDockerBuild: &Build{ID: "1", Stages: map[int]Stage{1: {Name: "Build"}}},
		Author:           &Author{Name: "someone"},
		PullRequest:      &PullRequest{ID: 7, MergedBy: &Author{Name: "merger"}},
	}
	clone := d.Clone()
	clone.SrcToDockerBuild.Result = BuildResultFailed
	clone.SrcToDockerBuild.Stages[1] = Stage{Name: "changed"}
	clone.Author.Name = "other"
	clone.PullRequest.MergedBy.Name = "other"

	if d.SrcToDockerBuild.Result == BuildResultFailed {
		t.Fatal("clone shares build with original")
	}
	if d.SrcToDockerBuild.Stages[1].Name != "Build" {
		t.Fatal("clone shares stage map with original")
	}
	if d.Author.Name != "someone" {
		t.Fatal("clone shares author with original")
	}
	if d.PullRequest.MergedBy.Name != "merger" {
		t.Fatal("clone shares pull request with original")
	}
}

func TestParseRepositoryURL(t *testing.T) {
	repo := ParseRepositoryURL("https://github.com/microsoft/bedrock")
	if repo.Kind != RepoGitHub || repo.Username != "microsoft" || repo.Name != "bedrock" {
		t.Fatalf("unexpected github parse: %+v", repo)
	}

	repo = ParseRepositoryURL("https://dev.azure.com/epicorg/hellobedrock/_git/hello-bedrock")
	if repo.Kind != RepoAzureDevOps || repo.Org != "epicorg" || repo.Project != "hellobedrock" || repo.Repo != "hello-bedrock" {
		t.Fatalf("unexpected azdo parse: %+v", repo)
	}

	repo = ParseRepositoryURL("https://example.com/some/repo")
	if repo.Kind != RepoNone {
		t.Fatalf("expected unrecognized host, got %+v", repo)
	}
}
