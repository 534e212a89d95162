package scm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/microsoft/spektate/internal/domain"
)

type githubCommit struct {
	Commit struct {
		Author struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"commit"`
	Author *struct {
		AvatarURL string `json:"avatar_url"`
		HTMLURL   string `json:"html_url"`
	} `json:"author"`
	Committer *struct {
		Login string `json:"login"`
	} `json:"committer"`
}

func (c *Client) githubAuthor(ctx context.Context, repo domain.Repository, commitID, token string) (*domain.Author, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/commits/%s", c.githubAPI, repo.Username, repo.Name, commitID)

	var info githubCommit
	if err := c.getJSON(ctx, url, token, &info); err != nil {
		return nil, err
	}

	author := &domain.Author{Name: info.Commit.Author.Name}
	if info.Author != nil {
		author.ImageURL = info.Author.AvatarURL
		author.URL = info.Author.HTMLURL
	}
	if info.Committer != nil {
		author.Username = info.Committer.Login
	}
	return author, nil
}

type githubUser struct {
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
	HTMLURL   string `json:"html_url"`
}

type githubPR struct {
	Number int         `json:"number"`
	Title  string      `json:"title"`
	Body   string      `json:"body"`
	URL    string      `json:"url"`
	Head   ref         `json:"head"`
	Base   ref         `json:"base"`
	Merged *githubUser `json:"merged_by"`
}

type ref struct {
	Ref string `json:"ref"`
}

func (c *Client) githubPullRequest(ctx context.Context, repo domain.Repository, prID, token string) (*domain.PullRequest, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%s", c.githubAPI, repo.Username, repo.Name, prID)

	var pr githubPR
	if err := c.getJSON(ctx, url, token, &pr); err != nil {
		return nil, err
	}

	out := &domain.PullRequest{
		ID:           pr.Number,
		Title:        pr.Title,
		Description:  pr.Body,
		SourceBranch: pr.Head.Ref,
		TargetBranch: pr.Base.Ref,
		URL:          pr.URL,
	}
	if pr.Merged != nil {
		out.MergedBy = &domain.Author{
			Name:     pr.Merged.Login,
			Username: pr.Merged.Login,
			ImageURL: pr.Merged.AvatarURL,
			URL:      pr.Merged.HTMLURL,
		}
	}
	return out, nil
}

type githubTagRef struct {
	URL    string `json:"url"`
	Object struct {
		URL string `json:"url"`
	} `json:"object"`
}

type githubAnnotatedTag struct {
	Tag     string `json:"tag"`
	Message string `json:"message"`
	Object  struct {
		SHA string `json:"sha"`
	} `json:"object"`
	Tagger struct {
		Name string    `json:"name"`
		Date time.Time `json:"date"`
	} `json:"tagger"`
}

// githubManifestSyncState walks the tag refs, then each annotated tag, and
// keeps flux-<cluster> tags as sync markers.
func (c *Client) githubManifestSyncState(ctx context.Context, repo domain.Repository, token string) ([]domain.Tag, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/git/refs/tags", c.githubAPI, repo.Username, repo.Name)

	var refs []githubTagRef
	if err := c.getJSON(ctx, url, token, &refs); err != nil {
		return nil, err
	}

	tags := make([]domain.Tag, 0, len(refs))
	for _, r := range refs {
		var tagRef githubTagRef
		if err := c.getJSON(ctx, r.URL, token, &tagRef); err != nil {
			return nil, err
		}
		var tag githubAnnotatedTag
		if err := c.getJSON(ctx, tagRef.Object.URL, token, &tag); err != nil {
			return nil, err
		}
		tags = append(tags, domain.Tag{
			Name:    strings.ToUpper(strings.TrimPrefix(tag.Tag, "flux-")),
			Commit:  shortSHA(tag.Object.SHA),
			Date:    tag.Tagger.Date,
			Tagger:  tag.Tagger.Name,
			Message: tag.Message,
		})
	}
	return tags, nil
}
