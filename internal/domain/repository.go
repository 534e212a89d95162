package domain

import (
	"strings"
	"time"
)

// RepoKind discriminates the source-control host backing a repository
// reference. Dispatch on it with a single switch; never probe fields.
type RepoKind int

const (
	RepoNone RepoKind = iota
	RepoGitHub
	RepoAzureDevOps
	RepoGitLab
)

func (k RepoKind) String() string {
	switch k {
	case RepoGitHub:
		return "github"
	case RepoAzureDevOps:
		return "azdo"
	case RepoGitLab:
		return "gitlab"
	default:
		return "none"
	}
}

// Repository is a closed union over the supported source-control hosts.
// Only the fields for the active Kind are populated.
type Repository struct {
	Kind RepoKind `json:"-"`

	// GitHub
	Username string `json:"username,omitempty"`
	Name     string `json:"reponame,omitempty"`

	// Azure DevOps
	Org     string `json:"org,omitempty"`
	Project string `json:"project,omitempty"`
	Repo    string `json:"repo,omitempty"`

	// GitLab
	ProjectID string `json:"projectId,omitempty"`
}

// GitHubRepo builds a GitHub repository reference.
func GitHubRepo(username, name string) Repository {
	return Repository{Kind: RepoGitHub, Username: username, Name: name}
}

// AzureDevOpsRepo builds an Azure DevOps repository reference.
func AzureDevOpsRepo(org, project, repo string) Repository {
	return Repository{Kind: RepoAzureDevOps, Org: org, Project: project, Repo: repo}
}

// GitLabRepo builds a GitLab repository reference by project id.
func GitLabRepo(projectID string) Repository {
	return Repository{Kind: RepoGitLab, ProjectID: projectID}
}

// ParseRepositoryURL resolves a raw repository URL into a typed reference.
// GitHub URLs map to the last two path segments, Azure DevOps URLs to the
// org/project/_git/repo layout. Unrecognized hosts return Kind RepoNone.
func ParseRepositoryURL(raw string) Repository {
	cleaned := strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
	cleaned = strings.ToLower(cleaned)
	parts := strings.Split(cleaned, "/")
	switch {
	case strings.Contains(cleaned, "github"):
		if len(parts) < 2 {
			return Repository{}
		}
		return GitHubRepo(parts[len(parts)-2], parts[len(parts)-1])
	case strings.Contains(cleaned, "azure"):
		if len(parts) < 5 {
			return Repository{}
		}
		return AzureDevOpsRepo(parts[1], parts[2], parts[4])
	}
	return Repository{}
}

// Author identifies who made a commit.
type Author struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	ImageURL string `json:"imageUrl"`
	URL      string `json:"url"`
}

// PullRequest tracks the approval gate in front of the manifest build.
// MergedBy is set once the gate has closed.
type PullRequest struct {
	ID           int     `json:"id"`
	Title        string  `json:"title"`
	SourceBranch string  `json:"sourceBranch"`
	TargetBranch string  `json:"targetBranch"`
	Description  string  `json:"description"`
	URL          string  `json:"url"`
	MergedBy     *Author `json:"mergedBy,omitempty"`
}

// Tag is a cluster-sync marker: the commit a cluster has actually applied.
type Tag struct {
	Commit  string    `json:"commit"`
	Date    time.Time `json:"date"`
	Tagger  string    `json:"tagger,omitempty"`
	Message string    `json:"message,omitempty"`
	Name    string    `json:"name"`
}

// ClusterSync groups the sync tags of all clusters with the releases page.
type ClusterSync struct {
	ReleasesURL string `json:"releasesURL,omitempty"`
	Tags        []Tag  `json:"tags,omitempty"`
}
