// Package scm looks up commit authors, pull requests and cluster sync tags
// on the source-control hosts referenced by deployments.
package scm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/microsoft/spektate/internal/domain"
)

// ErrUnsupported is returned for repository handles whose kind carries no
// host, typically a URL that could not be parsed.
var ErrUnsupported = errors.New("scm: unsupported repository kind")

// Client dispatches repository lookups on the repository's kind. Every
// method takes the access token for the call, since source and manifest
// repositories may use different credentials.
type Client struct {
	http *http.Client

	githubAPI string
	githubWeb string
	azdoBase  string
	gitlabAPI string
	gitlabWeb string
}

// New constructs a Client with a bounded timeout on every call.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		githubAPI: "https://api.github.com",
		githubWeb: "https://github.com",
		azdoBase:  "https://dev.azure.com",
		gitlabAPI: "https://gitlab.com/api/v4",
		gitlabWeb: "https://gitlab.com",
	}
}

// Author returns the author of a commit in the given repository.
func (c *Client) Author(ctx context.Context, repo domain.Repository, commitID, token string) (*domain.Author, error) {
	switch repo.Kind {
	case domain.RepoGitHub:
		return c.githubAuthor(ctx, repo, commitID, token)
	case domain.RepoAzureDevOps:
		return c.azdoAuthor(ctx, repo, commitID, token)
	case domain.RepoGitLab:
		return c.gitlabAuthor(ctx, repo, commitID, token)
	default:
		return nil, ErrUnsupported
	}
}

// PullRequest returns pull-request metadata by id.
func (c *Client) PullRequest(ctx context.Context, repo domain.Repository, prID, token string) (*domain.PullRequest, error) {
	switch repo.Kind {
	case domain.RepoGitHub:
		return c.githubPullRequest(ctx, repo, prID, token)
	case domain.RepoAzureDevOps:
		return c.azdoPullRequest(ctx, repo, prID, token)
	case domain.RepoGitLab:
		return c.gitlabPullRequest(ctx, repo, prID, token)
	default:
		return nil, ErrUnsupported
	}
}

// ManifestSyncState returns the cluster sync tags on the manifest
// repository, one per cluster.
func (c *Client) ManifestSyncState(ctx context.Context, repo domain.Repository, token string) ([]domain.Tag, error) {
	switch repo.Kind {
	case domain.RepoGitHub:
		return c.githubManifestSyncState(ctx, repo, token)
	case domain.RepoAzureDevOps:
		return c.azdoManifestSyncState(ctx, repo, token)
	case domain.RepoGitLab:
		return c.gitlabManifestSyncState(ctx, repo, token)
	default:
		return nil, ErrUnsupported
	}
}

// ReleasesURL returns the page listing the manifest repository's tags.
func (c *Client) ReleasesURL(ctx context.Context, repo domain.Repository, token string) (string, error) {
	switch repo.Kind {
	case domain.RepoGitHub:
		return c.githubWeb + "/" + repo.Username + "/" + repo.Name + "/releases", nil
	case domain.RepoAzureDevOps:
		return c.azdoBase + "/" + repo.Org + "/" + repo.Project + "/_git/" + repo.Repo + "/tags", nil
	case domain.RepoGitLab:
		return c.gitlabReleasesURL(ctx, repo, token)
	default:
		return "", ErrUnsupported
	}
}

// getJSON issues a GET with optional personal-access-token basic auth and
// decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, url, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("scm: build request: %w", err)
	}
	if token != "" {
		req.SetBasicAuth("", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("scm: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("scm: %s returned %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("scm: decode response: %w", err)
	}
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
