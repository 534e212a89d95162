package scm

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/microsoft/spektate/internal/domain"
)

type gitlabCommit struct {
	AuthorName  string `json:"author_name"`
	AuthorEmail string `json:"author_email"`
	WebURL      string `json:"web_url"`
}

type gitlabAvatar struct {
	AvatarURL string `json:"avatar_url"`
}

func (c *Client) gitlabAuthor(ctx context.Context, repo domain.Repository, commitID, token string) (*domain.Author, error) {
	commitURL := fmt.Sprintf("%s/projects/%s/repository/commits/%s", c.gitlabAPI, repo.ProjectID, commitID)

	var info gitlabCommit
	if err := c.getJSON(ctx, commitURL, token, &info); err != nil {
		return nil, err
	}

	author := &domain.Author{
		Name:     info.AuthorName,
		Username: info.AuthorEmail,
		URL:      info.WebURL,
	}

	// Avatar lookup is best effort, the author is still useful without it.
	avatarURL := fmt.Sprintf("%s/avatar?email=%s&size=32", c.gitlabAPI, url.QueryEscape(info.AuthorEmail))
	var avatar gitlabAvatar
	if err := c.getJSON(ctx, avatarURL, "", &avatar); err == nil {
		author.ImageURL = avatar.AvatarURL
	}
	return author, nil
}

type gitlabMR struct {
	IID          int    `json:"iid"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	WebURL       string `json:"web_url"`
	MergedBy     *struct {
		Name      string `json:"name"`
		Username  string `json:"username"`
		AvatarURL string `json:"avatar_url"`
		WebURL    string `json:"web_url"`
	} `json:"merged_by"`
}

func (c *Client) gitlabPullRequest(ctx context.Context, repo domain.Repository, prID, token string) (*domain.PullRequest, error) {
	mrURL := fmt.Sprintf("%s/projects/%s/merge_requests/%s", c.gitlabAPI, repo.ProjectID, prID)

	var mr gitlabMR
	if err := c.getJSON(ctx, mrURL, token, &mr); err != nil {
		return nil, err
	}

	out := &domain.PullRequest{
		ID:           mr.IID,
		Title:        mr.Title,
		Description:  mr.Description,
		SourceBranch: mr.SourceBranch,
		TargetBranch: mr.TargetBranch,
		URL:          mr.WebURL,
	}
	if mr.MergedBy != nil {
		out.MergedBy = &domain.Author{
			Name:     mr.MergedBy.Name,
			Username: mr.MergedBy.Username,
			ImageURL: mr.MergedBy.AvatarURL,
			URL:      mr.MergedBy.WebURL,
		}
	}
	return out, nil
}

type gitlabTag struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Commit  *struct {
		ID           string    `json:"id"`
		AuthorName   string    `json:"author_name"`
		AuthoredDate time.Time `json:"authored_date"`
	} `json:"commit"`
}

func (c *Client) gitlabManifestSyncState(ctx context.Context, repo domain.Repository, token string) ([]domain.Tag, error) {
	tagsURL := fmt.Sprintf("%s/projects/%s/repository/tags", c.gitlabAPI, repo.ProjectID)

	var raw []gitlabTag
	if err := c.getJSON(ctx, tagsURL, token, &raw); err != nil {
		return nil, err
	}

	tags := make([]domain.Tag, 0, len(raw))
	for _, t := range raw {
		tag := domain.Tag{
			Name:    strings.ToUpper(strings.TrimPrefix(t.Name, "flux-")),
			Message: t.Message,
		}
		if t.Commit != nil {
			tag.Commit = shortSHA(t.Commit.ID)
			tag.Date = t.Commit.AuthoredDate
			tag.Tagger = t.Commit.AuthorName
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

type gitlabProject struct {
	WebURL string `json:"web_url"`
}

func (c *Client) gitlabReleasesURL(ctx context.Context, repo domain.Repository, token string) (string, error) {
	projectURL := fmt.Sprintf("%s/projects/%s", c.gitlabAPI, repo.ProjectID)

	var project gitlabProject
	if err := c.getJSON(ctx, projectURL, token, &project); err != nil {
		return "", err
	}
	return project.WebURL + "/-/tags", nil
}
