package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/microsoft/spektate/internal/domain"
)

const gitlabPipelineURL = "https://gitlab.com/api/v4/projects/%s/pipelines/%s"

// GitLab fetches pipelines from the GitLab API. Releases are synthesized
// from pipeline runs since GitLab has no separate release records here.
type GitLab struct {
	projectID string
	client    *client

	mu       sync.Mutex
	builds   map[string]*domain.Build
	releases map[string]*domain.Release

	pipelineURL func(id string) string
}

// NewGitLab constructs a provider for one project id.
func NewGitLab(projectID, token string, timeout time.Duration) *GitLab {
	p := &GitLab{
		projectID: projectID,
		client:    newClient(token, timeout),
		builds:    make(map[string]*domain.Build),
		releases:  make(map[string]*domain.Release),
	}
	p.pipelineURL = func(id string) string {
		return fmt.Sprintf(gitlabPipelineURL, p.projectID, id)
	}
	return p
}

var _ Provider = (*GitLab)(nil)

type gitlabPipeline struct {
	ID         int64     `json:"id"`
	Status     string    `json:"status"`
	Ref        string    `json:"ref"`
	SHA        string    `json:"sha"`
	WebURL     string    `json:"web_url"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ListBuilds fetches each pipeline id individually and merges the results
// into the cache. An empty id set returns the cache unchanged.
func (p *GitLab) ListBuilds(ctx context.Context, ids []string) (map[string]*domain.Build, error) {
	if len(ids) == 0 {
		return p.cachedBuilds(), nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			continue
		}
		id := id
		g.Go(func() error {
			var run gitlabPipeline
			if err := p.client.getJSON(ctx, p.pipelineURL(id), &run); err != nil {
				return err
			}
			buildID := strconv.FormatInt(run.ID, 10)
			repo := domain.GitLabRepo(p.projectID)
			build := &domain.Build{
				ID:               buildID,
				BuildNumber:      buildID,
				Author:           "Unavailable",
				Status:           run.Status,
				Result:           run.Status,
				QueueTime:        run.StartedAt,
				StartTime:        run.StartedAt,
				FinishTime:       run.FinishedAt,
				LastUpdateTime:   run.UpdatedAt,
				SourceBranch:     run.Ref,
				SourceVersion:    run.SHA,
				SourceVersionURL: commitURLFromPipeline(run.WebURL, run.SHA),
				URL:              run.WebURL,
				Repository:       &repo,
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

// ListReleases fetches the given pipelines and mirrors each one as a
// release, so the second stage can be displayed for GitLab flows.
func (p *GitLab) ListReleases(ctx context.Context, ids []string) (map[string]*domain.Release, error) {
	builds, err := p.ListBuilds(ctx, ids)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	for id, b := range builds {
		p.releases[id] = &domain.Release{
			ID:             id,
			ReleaseName:    id,
			Status:         b.Status,
			Result:         b.Result,
			QueueTime:      b.QueueTime,
			StartTime:      b.StartTime,
			FinishTime:     b.FinishTime,
			LastUpdateTime: b.LastUpdateTime,
			URL:            b.URL,
		}
	}
	p.mu.Unlock()

	return p.cachedReleases(), nil
}

// BuildStages returns an empty map, the pipelines API carries no stage
// timeline.
func (p *GitLab) BuildStages(ctx context.Context, build *domain.Build) (map[int]domain.Stage, error) {
	return map[int]domain.Stage{}, nil
}

func (p *GitLab) cachedBuilds() map[string]*domain.Build {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*domain.Build, len(p.builds))
	for id, b := range p.builds {
		out[id] = b
	}
	return out
}

func (p *GitLab) cachedReleases() map[string]*domain.Release {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*domain.Release, len(p.releases))
	for id, r := range p.releases {
		out[id] = r
	}
	return out
}

// commitURLFromPipeline turns a pipeline web URL into the commit page URL
// for the pipeline's head sha.
func commitURLFromPipeline(webURL, sha string) string {
	if webURL == "" {
		return ""
	}
	idx := strings.LastIndex(webURL, "/")
	if idx < 0 {
		return ""
	}
	base := strings.Replace(webURL[:idx+1], "pipelines", "commit", 1)
	return base + sha
}
