package domain

import "time"

// Raw provider status/result values shared by all pipeline providers.
const (
	BuildStatusCompleted  = "completed"
	BuildStatusInProgress = "inProgress"
	BuildResultSucceeded  = "succeeded"
	BuildResultFailed     = "failed"
)

// Stage is one entry of a multi-stage build's timeline.
type Stage struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Result string `json:"result"`
	Order  int    `json:"order"`
}

// Build is a single pipeline execution.
type Build struct {
	ID               string        `json:"id"`
	BuildNumber      string        `json:"buildNumber"`
	Author           string        `json:"author"`
	Status           string        `json:"status"`
	Result           string        `json:"result"`
	QueueTime        time.Time     `json:"queueTime"`
	StartTime        time.Time     `json:"startTime"`
	FinishTime       time.Time     `json:"finishTime"`
	LastUpdateTime   time.Time     `json:"lastUpdateTime,omitempty"`
	SourceBranch     string        `json:"sourceBranch"`
	SourceVersion    string        `json:"sourceVersion"`
	SourceVersionURL string        `json:"sourceVersionURL"`
	URL              string        `json:"URL"`
	TimelineURL      string        `json:"timelineURL,omitempty"`
	Repository       *Repository   `json:"repository,omitempty"`
	Stages           map[int]Stage `json:"stages,omitempty"`
}

// Clone returns a deep copy so a build serving two stage roles can be
// mutated independently.
func (b *Build) Clone() *Build {
	if b == nil {
		return nil
	}
	out := *b
	if b.Repository != nil {
		repo := *b.Repository
		out.Repository = &repo
	}
	if b.Stages != nil {
		out.Stages = make(map[int]Stage, len(b.Stages))
		for order, stage := range b.Stages {
			out.Stages[order] = stage
		}
	}
	return &out
}

// Release is a pipeline release promoting an artifact toward the manifest.
type Release struct {
	ID                    string    `json:"id"`
	ReleaseName           string    `json:"releaseName"`
	ImageVersion          string    `json:"imageVersion,omitempty"`
	RegistryURL           string    `json:"registryURL,omitempty"`
	RegistryResourceGroup string    `json:"registryResourceGroup,omitempty"`
	Status                string    `json:"status"`
	Result                string    `json:"result,omitempty"`
	QueueTime             time.Time `json:"queueTime"`
	StartTime             time.Time `json:"startTime"`
	FinishTime            time.Time `json:"finishTime"`
	LastUpdateTime        time.Time `json:"lastUpdateTime,omitempty"`
	URL                   string    `json:"URL"`
}
