package scm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/microsoft/spektate/internal/domain"
)

func TestDispatchRejectsUnknownKind(t *testing.T) {
	c := New(time.Second)
	ctx := context.Background()

	if _, err := c.Author(ctx, domain.Repository{}, "abc", ""); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Author: expected ErrUnsupported, got %v", err)
	}
	if _, err := c.PullRequest(ctx, domain.Repository{}, "1", ""); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("PullRequest: expected ErrUnsupported, got %v", err)
	}
	if _, err := c.ManifestSyncState(ctx, domain.Repository{}, ""); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("ManifestSyncState: expected ErrUnsupported, got %v", err)
	}
}

func TestReleasesURLStaticHosts(t *testing.T) {
	c := New(time.Second)
	ctx := context.Background()

	got, err := c.ReleasesURL(ctx, domain.GitHubRepo("microsoft", "hello-manifests"), "")
	if err != nil || got != "https://github.com/microsoft/hello-manifests/releases" {
		t.Fatalf("github releases url = %q (%v)", got, err)
	}

	got, err = c.ReleasesURL(ctx, domain.AzureDevOpsRepo("org", "proj", "manifests"), "")
	if err != nil || got != "https://dev.azure.com/org/proj/_git/manifests/tags" {
		t.Fatalf("azdo releases url = %q (%v)", got, err)
	}
}

func TestGitHubAuthor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/microsoft/bedrock/commits/e3d6504" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{
			"commit": {"author": {"name": "Some Person"}},
			"author": {"avatar_url": "https://avatars.example/u/1", "html_url": "https://github.com/someone"},
			"committer": {"login": "someone"}
		}`))
	}))
	defer srv.Close()

	c := New(time.Second)
	c.githubAPI = srv.URL

	author, err := c.Author(context.Background(), domain.GitHubRepo("microsoft", "bedrock"), "e3d6504", "tok")
	if err != nil {
		t.Fatalf("Author: %v", err)
	}
	if author.Name != "Some Person" || author.Username != "someone" {
		t.Fatalf("unexpected author: %+v", author)
	}
}

func TestAzureDevOpsPullRequestMapsClosedBy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"pullRequestId": 1356,
			"title": "Merging readiness",
			"description": "desc",
			"url": "https://dev.azure.com/org/_apis/pr/1356",
			"sourceRefName": "refs/heads/feature",
			"targetRefName": "refs/heads/master",
			"closedBy": {"displayName": "Reviewer", "uniqueName": "reviewer@example.com", "imageUrl": "https://img"},
			"repository": {"webUrl": "https://dev.azure.com/org/proj/_git/hld"}
		}`))
	}))
	defer srv.Close()

	c := New(time.Second)
	c.azdoBase = srv.URL

	pr, err := c.PullRequest(context.Background(), domain.AzureDevOpsRepo("org", "proj", "hld"), "1356", "tok")
	if err != nil {
		t.Fatalf("PullRequest: %v", err)
	}
	if pr.SourceBranch != "feature" || pr.TargetBranch != "master" {
		t.Fatalf("refs not trimmed: %+v", pr)
	}
	if pr.URL != "https://dev.azure.com/org/proj/_git/hld/pullrequest/1356" {
		t.Fatalf("unexpected pr url: %s", pr.URL)
	}
	if pr.MergedBy == nil || pr.MergedBy.Name != "Reviewer" {
		t.Fatalf("closedBy not mapped: %+v", pr.MergedBy)
	}
}

func TestAzureDevOpsManifestSyncState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/refs"):
			w.Write([]byte(`{"value": [
				{"name": "refs/tags/flux-west", "objectId": "obj1"},
				{"name": "refs/tags/v1.0.0", "objectId": "obj2"}
			]}`))
		case strings.Contains(r.URL.Path, "/annotatedtags/obj1"):
			w.Write([]byte(`{
				"name": "flux-west",
				"taggedObject": {"objectId": "ab13fde2c11e397"},
				"taggedBy": {"name": "Weave Flux", "date": "2019-10-31T18:00:00Z"}
			}`))
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(time.Second)
	c.azdoBase = srv.URL

	tags, err := c.ManifestSyncState(context.Background(), domain.AzureDevOpsRepo("org", "proj", "manifests"), "tok")
	if err != nil {
		t.Fatalf("ManifestSyncState: %v", err)
	}
	if len(tags) != 1 {
		t.Fatalf("expected only the flux tag, got %v", tags)
	}
	if tags[0].Name != "WEST" || tags[0].Commit != "ab13fde" {
		t.Fatalf("unexpected tag: %+v", tags[0])
	}
}

func TestGitLabManifestSyncState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"name": "flux-east", "message": "sync", "commit": {"id": "f8a4c2e991b", "author_name": "Flux", "authored_date": "2020-02-01T10:00:00Z"}}
		]`))
	}))
	defer srv.Close()

	c := New(time.Second)
	c.gitlabAPI = srv.URL

	tags, err := c.ManifestSyncState(context.Background(), domain.GitLabRepo("17000000"), "tok")
	if err != nil {
		t.Fatalf("ManifestSyncState: %v", err)
	}
	if len(tags) != 1 || tags[0].Name != "EAST" || tags[0].Commit != "f8a4c2e" {
		t.Fatalf("unexpected tags: %+v", tags)
	}
}
