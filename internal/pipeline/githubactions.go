package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/microsoft/spektate/internal/domain"
)

const (
	githubJobURL    = "https://api.github.com/repos/%s/actions/jobs/%s"
	githubCommitURL = "https://github.com/%s/commit/%s"
)

// GitHubActions fetches workflow jobs from the GitHub Actions API. The API
// has no release or stage concepts, so those lookups return empty results.
type GitHubActions struct {
	sourceRepo string
	client     *client

	mu     sync.Mutex
	builds map[string]*domain.Build

	jobURL func(id string) string
}

// NewGitHubActions constructs a provider for one "owner/repo" source.
func NewGitHubActions(sourceRepo, token string, timeout time.Duration) *GitHubActions {
	p := &GitHubActions{
		sourceRepo: sourceRepo,
		client:     newClient(token, timeout),
		builds:     make(map[string]*domain.Build),
	}
	p.jobURL = func(id string) string {
		return fmt.Sprintf(githubJobURL, p.sourceRepo, id)
	}
	return p
}

var _ Provider = (*GitHubActions)(nil)

type githubJob struct {
	ID          int64     `json:"id"`
	Status      string    `json:"status"`
	Conclusion  string    `json:"conclusion"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	HeadSHA     string    `json:"head_sha"`
	HTMLURL     string    `json:"html_url"`
}

// ListBuilds fetches each job id individually and merges the results into
// the cache. An empty id set returns the cache unchanged.
func (p *GitHubActions) ListBuilds(ctx context.Context, ids []string) (map[string]*domain.Build, error) {
	if len(ids) == 0 {
		return p.cachedBuilds(), nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			var job githubJob
			if err := p.client.getJSON(ctx, p.jobURL(id), &job); err != nil {
				return err
			}
			buildID := strconv.FormatInt(job.ID, 10)
			build := &domain.Build{
				ID:               buildID,
				BuildNumber:      buildID,
				Author:           "Unavailable",
				Status:           job.Status,
				Result:           job.Conclusion,
				QueueTime:        job.StartedAt,
				StartTime:        job.StartedAt,
				FinishTime:       job.CompletedAt,
				LastUpdateTime:   job.StartedAt,
				SourceVersion:    job.HeadSHA,
				SourceVersionURL: fmt.Sprintf(githubCommitURL, p.sourceRepo, job.HeadSHA),
				URL:              job.HTMLURL,
			}
			p.mu.Lock()
			p.builds[buildID] = build
			p.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return p.cachedBuilds(), nil
}

// ListReleases always returns an empty map, GitHub Actions has no release
// pipeline.
func (p *GitHubActions) ListReleases(ctx context.Context, ids []string) (map[string]*domain.Release, error) {
	return map[string]*domain.Release{}, nil
}

// BuildStages returns an empty map, workflow jobs expose no stage timeline.
func (p *GitHubActions) BuildStages(ctx context.Context, build *domain.Build) (map[int]domain.Stage, error) {
	return map[int]domain.Stage{}, nil
}

func (p *GitHubActions) cachedBuilds() map[string]*domain.Build {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*domain.Build, len(p.builds))
	for id, b := range p.builds {
		out[id] = b
	}
	return out
}
