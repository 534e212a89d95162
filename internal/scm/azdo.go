package scm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/microsoft/spektate/internal/domain"
)

type azdoCommit struct {
	Author *struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		ImageURL string `json:"imageUrl"`
	} `json:"author"`
}

func (c *Client) azdoAuthor(ctx context.Context, repo domain.Repository, commitID, token string) (*domain.Author, error) {
	url := fmt.Sprintf("%s/%s/%s/_apis/git/repositories/%s/commits/%s?api-version=4.1",
		c.azdoBase, repo.Org, repo.Project, repo.Repo, commitID)

	var info azdoCommit
	if err := c.getJSON(ctx, url, token, &info); err != nil {
		return nil, err
	}
	if info.Author == nil {
		return nil, fmt.Errorf("scm: no author on commit %s", commitID)
	}
	return &domain.Author{
		Name:     info.Author.Name,
		Username: info.Author.Email,
		ImageURL: info.Author.ImageURL,
		URL:      info.Author.ImageURL,
	}, nil
}

type azdoPR struct {
	PullRequestID int    `json:"pullRequestId"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	URL           string `json:"url"`
	SourceRefName string `json:"sourceRefName"`
	TargetRefName string `json:"targetRefName"`
	ClosedBy      *struct {
		DisplayName string `json:"displayName"`
		UniqueName  string `json:"uniqueName"`
		ImageURL    string `json:"imageUrl"`
	} `json:"closedBy"`
	Repository *struct {
		WebURL string `json:"webUrl"`
	} `json:"repository"`
}

func (c *Client) azdoPullRequest(ctx context.Context, repo domain.Repository, prID, token string) (*domain.PullRequest, error) {
	url := fmt.Sprintf("%s/%s/%s/_apis/git/repositories/%s/pullrequests/%s?api-version=5.1",
		c.azdoBase, repo.Org, repo.Project, repo.Repo, prID)

	var pr azdoPR
	if err := c.getJSON(ctx, url, token, &pr); err != nil {
		return nil, err
	}

	out := &domain.PullRequest{
		ID:           pr.PullRequestID,
		Title:        pr.Title,
		Description:  pr.Description,
		SourceBranch: strings.TrimPrefix(pr.SourceRefName, "refs/heads/"),
		TargetBranch: strings.TrimPrefix(pr.TargetRefName, "refs/heads/"),
		URL:          pr.URL,
	}
	if pr.Repository != nil && pr.Repository.WebURL != "" {
		out.URL = pr.Repository.WebURL + "/pullrequest/" + strconv.Itoa(pr.PullRequestID)
	}
	if pr.ClosedBy != nil {
		out.MergedBy = &domain.Author{
			Name:     pr.ClosedBy.DisplayName,
			Username: pr.ClosedBy.UniqueName,
			ImageURL: pr.ClosedBy.ImageURL,
			URL:      pr.URL,
		}
	}
	return out, nil
}

type azdoRefList struct {
	Value []struct {
		Name     string `json:"name"`
		ObjectID string `json:"objectId"`
	} `json:"value"`
}

type azdoAnnotatedTag struct {
	Name         string `json:"name"`
	TaggedObject struct {
		ObjectID string `json:"objectId"`
	} `json:"taggedObject"`
	TaggedBy struct {
		Name string    `json:"name"`
		Date time.Time `json:"date"`
	} `json:"taggedBy"`
}

// azdoManifestSyncState resolves annotated flux-<cluster> tags from the
// repository's tag refs.
func (c *Client) azdoManifestSyncState(ctx context.Context, repo domain.Repository, token string) ([]domain.Tag, error) {
	url := fmt.Sprintf("%s/%s/%s/_apis/git/repositories/%s/refs?filter=tags&api-version=4.1",
		c.azdoBase, repo.Org, repo.Project, repo.Repo)

	var refs azdoRefList
	if err := c.getJSON(ctx, url, token, &refs); err != nil {
		return nil, err
	}

	var tags []domain.Tag
	for _, ref := range refs.Value {
		if !strings.Contains(ref.Name, "refs/tags/flux-") {
			continue
		}
		tagURL := fmt.Sprintf("%s/%s/%s/_apis/git/repositories/%s/annotatedtags/%s?api-version=4.1-preview.1",
			c.azdoBase, repo.Org, repo.Project, repo.Repo, ref.ObjectID)
		var tag azdoAnnotatedTag
		if err := c.getJSON(ctx, tagURL, token, &tag); err != nil {
			return nil, err
		}
		tags = append(tags, domain.Tag{
			Name:   strings.ToUpper(strings.TrimPrefix(tag.Name, "flux-")),
			Commit: shortSHA(tag.TaggedObject.ObjectID),
			Date:   tag.TaggedBy.Date,
			Tagger: tag.TaggedBy.Name,
		})
	}
	return tags, nil
}
