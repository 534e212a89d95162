package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/microsoft/spektate/internal/domain"
)

const (
	azdoBuildByIDURL   = "https://dev.azure.com/%s/%s/_apis/build/builds?buildIds=%s&api-version=5.0"
	azdoReleaseByIDURL = "https://vsrm.dev.azure.com/%s/%s/_apis/release/deployments?api-version=5.0&releaseIdFilter=%s&queryOrder=startTimeDescending"
)

// AzureDevOps fetches builds from the Azure DevOps build API and releases
// from its release deployments API.
type AzureDevOps struct {
	org     string
	project string
	client  *client

	mu       sync.Mutex
	builds   map[string]*domain.Build
	releases map[string]*domain.Release

	// overridable in tests
	buildListURL   func(ids []string) string
	releaseListURL func(ids []string) string
}

// NewAzureDevOps constructs a provider for one organization and project.
func NewAzureDevOps(org, project, token string, timeout time.Duration) *AzureDevOps {
	p := &AzureDevOps{
		org:      org,
		project:  project,
		client:   newClient(token, timeout),
		builds:   make(map[string]*domain.Build),
		releases: make(map[string]*domain.Release),
	}
	p.buildListURL = p.defaultBuildListURL
	p.releaseListURL = p.defaultReleaseListURL
	return p
}

var _ Provider = (*AzureDevOps)(nil)

type azdoBuildList struct {
	Value []azdoBuild `json:"value"`
}

type azdoBuild struct {
	ID            int64     `json:"id"`
	BuildNumber   string    `json:"buildNumber"`
	Status        string    `json:"status"`
	Result        string    `json:"result"`
	QueueTime     time.Time `json:"queueTime"`
	StartTime     time.Time `json:"startTime"`
	FinishTime    time.Time `json:"finishTime"`
	LastChanged   time.Time `json:"lastChangedDate"`
	SourceBranch  string    `json:"sourceBranch"`
	SourceVersion string    `json:"sourceVersion"`
	RequestedFor  struct {
		DisplayName string `json:"displayName"`
	} `json:"requestedFor"`
	Links struct {
		Web                     azdoLink `json:"web"`
		SourceVersionDisplayURI azdoLink `json:"sourceVersionDisplayUri"`
		Timeline                azdoLink `json:"timeline"`
	} `json:"_links"`
	Repository struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		URL  string `json:"url"`
	} `json:"repository"`
}

type azdoLink struct {
	Href string `json:"href"`
}

type azdoDeploymentList struct {
	Value []azdoDeployment `json:"value"`
}

type azdoDeployment struct {
	DeploymentStatus string    `json:"deploymentStatus"`
	QueuedOn         time.Time `json:"queuedOn"`
	StartedOn        time.Time `json:"startedOn"`
	CompletedOn      time.Time `json:"completedOn"`
	LastModifiedOn   time.Time `json:"lastModifiedOn"`
	Release          struct {
		ID    int64  `json:"id"`
		Name  string `json:"name"`
		Links struct {
			Web azdoLink `json:"web"`
		} `json:"_links"`
		Artifacts []struct {
			DefinitionReference struct {
				Version       azdoArtifactRef `json:"version"`
				RegistryURL   azdoArtifactRef `json:"registryurl"`
				ResourceGroup azdoArtifactRef `json:"resourcegroup"`
			} `json:"definitionReference"`
		} `json:"artifacts"`
	} `json:"release"`
}

type azdoArtifactRef struct {
	ID string `json:"id"`
}

type azdoTimeline struct {
	Records []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Order  int    `json:"order"`
		Result string `json:"result"`
		State  string `json:"state"`
		Type   string `json:"type"`
	} `json:"records"`
}

// ListBuilds fetches the given build ids and merges them into the cache. An
// empty id set returns the cache unchanged.
func (p *AzureDevOps) ListBuilds(ctx context.Context, ids []string) (map[string]*domain.Build, error) {
	if len(ids) == 0 {
		return p.cachedBuilds(), nil
	}

	var list azdoBuildList
	if err := p.client.getJSON(ctx, p.buildListURL(ids), &list); err != nil {
		return nil, err
	}

	p.mu.Lock()
	for _, row := range list.Value {
		build := &domain.Build{
			ID:               strconv.FormatInt(row.ID, 10),
			BuildNumber:      row.BuildNumber,
			Author:           row.RequestedFor.DisplayName,
			Status:           row.Status,
			Result:           row.Result,
			QueueTime:        row.QueueTime,
			StartTime:        row.StartTime,
			FinishTime:       row.FinishTime,
			LastUpdateTime:   row.LastChanged,
			SourceBranch:     row.SourceBranch,
			SourceVersion:    row.SourceVersion,
			SourceVersionURL: row.Links.SourceVersionDisplayURI.Href,
			URL:              row.Links.Web.Href,
			TimelineURL:      row.Links.Timeline.Href,
		}
		switch {
		case row.Repository.Type == "GitHub":
			parts := strings.SplitN(row.Repository.ID, "/", 2)
			if len(parts) == 2 {
				repo := domain.GitHubRepo(parts[0], parts[1])
				build.Repository = &repo
			}
		case row.Repository.Type == "TfsGit" && row.Repository.URL != "":
			parts := strings.Split(row.Repository.URL, "/")
			if len(parts) > 6 {
				repo := domain.AzureDevOpsRepo(parts[3], parts[4], parts[6])
				build.Repository = &repo
				build.SourceVersionURL = row.Repository.URL + "/commit/" + row.SourceVersion
			}
		}
		p.builds[build.ID] = build
	}
	p.mu.Unlock()

	return p.cachedBuilds(), nil
}

// ListReleases fetches the given release ids and merges them into the
// cache. An empty id set returns the cache unchanged.
func (p *AzureDevOps) ListReleases(ctx context.Context, ids []string) (map[string]*domain.Release, error) {
	if len(ids) == 0 {
		return p.cachedReleases(), nil
	}

	var list azdoDeploymentList
	if err := p.client.getJSON(ctx, p.releaseListURL(ids), &list); err != nil {
		return nil, err
	}

	p.mu.Lock()
	for _, row := range list.Value {
		release := &domain.Release{
			ID:             strconv.FormatInt(row.Release.ID, 10),
			ReleaseName:    row.Release.Name,
			Status:         row.DeploymentStatus,
			QueueTime:      row.QueuedOn,
			StartTime:      row.StartedOn,
			FinishTime:     row.CompletedOn,
			LastUpdateTime: row.LastModifiedOn,
			URL:            row.Release.Links.Web.Href,
		}
		if len(row.Release.Artifacts) > 0 {
			ref := row.Release.Artifacts[0].DefinitionReference
			release.ImageVersion = ref.Version.ID
			release.RegistryURL = ref.RegistryURL.ID
			release.RegistryResourceGroup = ref.ResourceGroup.ID
		}
		p.releases[release.ID] = release
	}
	p.mu.Unlock()

	return p.cachedReleases(), nil
}

// BuildStages fetches the build's timeline and keeps the stage records,
// keyed by stage order.
func (p *AzureDevOps) BuildStages(ctx context.Context, build *domain.Build) (map[int]domain.Stage, error) {
	if build.TimelineURL == "" {
		return map[int]domain.Stage{}, nil
	}

	var timeline azdoTimeline
	if err := p.client.getJSON(ctx, build.TimelineURL, &timeline); err != nil {
		return nil, err
	}

	stages := make(map[int]domain.Stage)
	for _, rec := range timeline.Records {
		if !strings.EqualFold(rec.Type, "stage") {
			continue
		}
		stages[rec.Order] = domain.Stage{
			ID:     rec.ID,
			Name:   rec.Name,
			State:  rec.State,
			Result: rec.Result,
			Order:  rec.Order,
		}
	}
	build.Stages = stages
	return stages, nil
}

func (p *AzureDevOps) cachedBuilds() map[string]*domain.Build {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*domain.Build, len(p.builds))
	for id, b := range p.builds {
		out[id] = b
	}
	return out
}

func (p *AzureDevOps) cachedReleases() map[string]*domain.Release {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*domain.Release, len(p.releases))
	for id, r := range p.releases {
		out[id] = r
	}
	return out
}

func (p *AzureDevOps) defaultBuildListURL(ids []string) string {
	return fmt.Sprintf(azdoBuildByIDURL, p.org, p.project, strings.Join(ids, ","))
}

func (p *AzureDevOps) defaultReleaseListURL(ids []string) string {
	return fmt.Sprintf(azdoReleaseByIDURL, p.org, p.project, strings.Join(ids, ","))
}
