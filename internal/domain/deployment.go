package domain

import (
	"fmt"
	"time"
)

// DeploymentStatus is the derived, user-facing state of a deployment.
const (
	StatusComplete   = "Complete"
	StatusInProgress = "In Progress"
	StatusIncomplete = "Incomplete"
	StatusFailed     = "Failed"
)

// StageTwoKind records which representation the correlator resolved for the
// second stage. It is decided exactly once, during correlation.
type StageTwoKind int

const (
	StageTwoNone StageTwoKind = iota
	// StageTwoRelease means stage two is a true release.
	StageTwoRelease
	// StageTwoBuild means stages one and two share one multi-stage build and
	// stage two is a copy of it.
	StageTwoBuild
)

// Deployment is the correlated record of one change moving through the
// source-build, release and manifest-build stages.
type Deployment struct {
	DeploymentID     string `json:"deploymentId"`
	CommitID         string `json:"commitId"`
	HLDCommitID      string `json:"hldCommitId,omitempty"`
	ManifestCommitID string `json:"manifestCommitId,omitempty"`
	ImageTag         string `json:"imageTag"`
	Environment      string `json:"environment"`
	Service          string `json:"service"`
	Timestamp        string `json:"timeStamp"`

	SrcToDockerBuild        *Build       `json:"srcToDockerBuild,omitempty"`
	DockerToHLDRelease      *Release     `json:"dockerToHldRelease,omitempty"`
	DockerToHLDReleaseStage *Build       `json:"dockerToHldReleaseStage,omitempty"`
	HLDToManifestBuild      *Build       `json:"hldToManifestBuild,omitempty"`
	StageTwoKind            StageTwoKind `json:"-"`

	// Raw row references used by enrichment.
	SourceRepo   string `json:"sourceRepo,omitempty"`
	HLDRepo      string `json:"hldRepo,omitempty"`
	ManifestRepo string `json:"manifestRepo,omitempty"`
	PRID         string `json:"pr,omitempty"`

	Author      *Author      `json:"author,omitempty"`
	PullRequest *PullRequest `json:"pullRequest,omitempty"`

	Status   string    `json:"status"`
	EndTime  time.Time `json:"endTime"`
	Duration string    `json:"duration"`
}

// HasStageResult reports whether at least one of the three stages resolved.
// A row that resolves to none is expired and must be excluded.
func (d *Deployment) HasStageResult() bool {
	return d.SrcToDockerBuild != nil || d.HLDToManifestBuild != nil || d.StageTwoKind != StageTwoNone
}

// Derive recomputes status, end time and duration from the stage records.
// Call it whenever any stage changes; the fields are never set directly.
func (d *Deployment) Derive(now time.Time) {
	d.Status = d.deriveStatus()
	d.EndTime = d.deriveEndTime(now)
	d.Duration = d.deriveDuration(now)
}

func (d *Deployment) deriveStatus() string {
	if b := d.HLDToManifestBuild; b != nil && b.Status == BuildStatusCompleted && b.Result == BuildResultSucceeded {
		return StatusComplete
	}
	if d.anyStageInProgress() {
		return StatusInProgress
	}
	if d.anyStageFailed() {
		return StatusFailed
	}
	return StatusIncomplete
}

func (d *Deployment) anyStageInProgress() bool {
	if b := d.SrcToDockerBuild; b != nil && b.Status == BuildStatusInProgress {
		return true
	}
	switch d.StageTwoKind {
	case StageTwoRelease:
		if d.DockerToHLDRelease.Status == BuildStatusInProgress {
			return true
		}
	case StageTwoBuild:
		if d.DockerToHLDReleaseStage.Status == BuildStatusInProgress {
			return true
		}
	}
	if b := d.HLDToManifestBuild; b != nil && b.Status == BuildStatusInProgress {
		return true
	}
	return false
}

// anyStageFailed consults builds only: a release carries no result that
// marks the whole deployment failed.
func (d *Deployment) anyStageFailed() bool {
	if b := d.SrcToDockerBuild; b != nil && b.Result == BuildResultFailed {
		return true
	}
	if d.StageTwoKind == StageTwoBuild && d.DockerToHLDReleaseStage.Result == BuildResultFailed {
		return true
	}
	if b := d.HLDToManifestBuild; b != nil && b.Result == BuildResultFailed {
		return true
	}
	return false
}

// deriveEndTime picks the first known last-update time walking the stages
// backwards; a deployment with none reads as "now" so in-flight work sorts
// to the top.
func (d *Deployment) deriveEndTime(now time.Time) time.Time {
	if b := d.HLDToManifestBuild; b != nil && !b.LastUpdateTime.IsZero() {
		return b.LastUpdateTime
	}
	if d.StageTwoKind == StageTwoRelease && !d.DockerToHLDRelease.LastUpdateTime.IsZero() {
		return d.DockerToHLDRelease.LastUpdateTime
	}
	if d.StageTwoKind == StageTwoBuild && !d.DockerToHLDReleaseStage.LastUpdateTime.IsZero() {
		return d.DockerToHLDReleaseStage.LastUpdateTime
	}
	if b := d.SrcToDockerBuild; b != nil && !b.LastUpdateTime.IsZero() {
		return b.LastUpdateTime
	}
	return now
}

// deriveDuration sums finish-queue spans over the present stages, in
// minutes with two decimals. An unfinished stage counts up to now. All four
// stage records accumulate; see DESIGN.md for the release-stage policy.
func (d *Deployment) deriveDuration(now time.Time) string {
	var total time.Duration
	if b := d.SrcToDockerBuild; b != nil {
		total += span(b.QueueTime, b.FinishTime, now)
	}
	switch d.StageTwoKind {
	case StageTwoRelease:
		r := d.DockerToHLDRelease
		total += span(r.QueueTime, r.FinishTime, now)
	case StageTwoBuild:
		b := d.DockerToHLDReleaseStage
		total += span(b.QueueTime, b.FinishTime, now)
	}
	if b := d.HLDToManifestBuild; b != nil {
		total += span(b.QueueTime, b.FinishTime, now)
	}
	return fmt.Sprintf("%.2f", total.Minutes())
}

func span(queue, finish, now time.Time) time.Duration {
	if finish.IsZero() {
		finish = now
	}
	return finish.Sub(queue)
}

// Clone deep-copies a deployment so the cache can stage changes on a
// working copy before publishing.
func (d *Deployment) Clone() *Deployment {
	if d == nil {
		return nil
	}
	out := *d
	out.SrcToDockerBuild = d.SrcToDockerBuild.Clone()
	out.DockerToHLDReleaseStage = d.DockerToHLDReleaseStage.Clone()
	out.HLDToManifestBuild = d.HLDToManifestBuild.Clone()
	if d.DockerToHLDRelease != nil {
		release := *d.DockerToHLDRelease
		out.DockerToHLDRelease = &release
	}
	if d.Author != nil {
		author := *d.Author
		out.Author = &author
	}
	if d.PullRequest != nil {
		pr := *d.PullRequest
		if pr.MergedBy != nil {
			mergedBy := *pr.MergedBy
			pr.MergedBy = &mergedBy
		}
		out.PullRequest = &pr
	}
	return &out
}

// Less orders deployments newest first. Equal end times keep their original
// order under a stable sort.
func Less(a, b *Deployment) bool {
	return a.EndTime.After(b.EndTime)
}
