// Package enrich attaches optional, expensive metadata (author, pull
// request, cluster sync) to deployments. A failed lookup is reported in
// the outcome and never propagated, missing enrichment must not block the
// deployment list.
package enrich

import (
	"context"
	"log/slog"

	"github.com/microsoft/spektate/internal/domain"
)

// Reason explains what an enrichment attempt did.
type Reason int

const (
	// Fetched means the lookup succeeded and the field was populated.
	Fetched Reason = iota
	// NotApplicable means the deployment lacks the inputs for the lookup.
	NotApplicable
	// Failed means the lookup was attempted and the provider errored.
	Failed
)

func (r Reason) String() string {
	switch r {
	case Fetched:
		return "fetched"
	case NotApplicable:
		return "not-applicable"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of one enrichment attempt.
type Outcome struct {
	Reason Reason
	Err    error
}

// RepoClient is the source-control lookup surface the enricher needs.
type RepoClient interface {
	Author(ctx context.Context, repo domain.Repository, commitID, token string) (*domain.Author, error)
	PullRequest(ctx context.Context, repo domain.Repository, prID, token string) (*domain.PullRequest, error)
	ManifestSyncState(ctx context.Context, repo domain.Repository, token string) ([]domain.Tag, error)
	ReleasesURL(ctx context.Context, repo domain.Repository, token string) (string, error)
}

// Enricher performs enrichment lookups against one configured set of
// repositories and tokens.
type Enricher struct {
	repos         RepoClient
	manifestRepo  domain.Repository
	sourceToken   string
	manifestToken string
	log           *slog.Logger
}

// New constructs an Enricher. manifestRepo is the repository polled for
// cluster sync tags, a zero-kind handle disables that lookup.
func New(repos RepoClient, manifestRepo domain.Repository, sourceToken, manifestToken string, log *slog.Logger) *Enricher {
	return &Enricher{
		repos:         repos,
		manifestRepo:  manifestRepo,
		sourceToken:   sourceToken,
		manifestToken: manifestToken,
		log:           log.With("component", "enrich"),
	}
}

// Author populates d.Author from the commit that produced the deployment.
// The repository is taken from stage 1's build, then the raw source repo
// URL, then stage 3's build, then the raw manifest-source repo URL.
func (e *Enricher) Author(ctx context.Context, d *domain.Deployment) Outcome {
	var commit string
	if d.SrcToDockerBuild != nil {
		commit = d.SrcToDockerBuild.SourceVersion
	}
	if commit == "" && d.HLDToManifestBuild != nil {
		commit = d.HLDToManifestBuild.SourceVersion
	}

	repo := e.authorRepo(d)
	if commit == "" || repo.Kind == domain.RepoNone {
		return Outcome{Reason: NotApplicable}
	}

	author, err := e.repos.Author(ctx, repo, commit, e.sourceToken)
	if err != nil {
		e.log.Warn("author lookup failed", "deployment", d.DeploymentID, "commit", commit, "error", err)
		return Outcome{Reason: Failed, Err: err}
	}
	d.Author = author
	return Outcome{Reason: Fetched}
}

func (e *Enricher) authorRepo(d *domain.Deployment) domain.Repository {
	if d.SrcToDockerBuild != nil && d.SrcToDockerBuild.Repository != nil {
		return *d.SrcToDockerBuild.Repository
	}
	if d.SourceRepo != "" {
		if repo := domain.ParseRepositoryURL(d.SourceRepo); repo.Kind != domain.RepoNone {
			return repo
		}
	}
	if d.HLDToManifestBuild != nil && d.HLDToManifestBuild.Repository != nil {
		return *d.HLDToManifestBuild.Repository
	}
	if d.HLDRepo != "" {
		return domain.ParseRepositoryURL(d.HLDRepo)
	}
	return domain.Repository{}
}

// PullRequest populates d.PullRequest. It needs both a manifest-source
// repo URL and a pull-request id on the row.
func (e *Enricher) PullRequest(ctx context.Context, d *domain.Deployment) Outcome {
	if d.HLDRepo == "" || d.PRID == "" {
		return Outcome{Reason: NotApplicable}
	}
	repo := domain.ParseRepositoryURL(d.HLDRepo)
	if repo.Kind == domain.RepoNone {
		return Outcome{Reason: NotApplicable}
	}

	pr, err := e.repos.PullRequest(ctx, repo, d.PRID, e.sourceToken)
	if err != nil {
		e.log.Warn("pull request lookup failed", "deployment", d.DeploymentID, "pr", d.PRID, "error", err)
		return Outcome{Reason: Failed, Err: err}
	}
	d.PullRequest = pr
	return Outcome{Reason: Fetched}
}

// ClusterSync returns the manifest repository's flux tags, or nil with the
// reason when the lookup was skipped or failed.
func (e *Enricher) ClusterSync(ctx context.Context) (*domain.ClusterSync, Outcome) {
	if e.manifestRepo.Kind == domain.RepoNone {
		return nil, Outcome{Reason: NotApplicable}
	}

	tags, err := e.repos.ManifestSyncState(ctx, e.manifestRepo, e.manifestToken)
	if err != nil {
		e.log.Warn("cluster sync lookup failed", "error", err)
		return nil, Outcome{Reason: Failed, Err: err}
	}
	releasesURL, err := e.repos.ReleasesURL(ctx, e.manifestRepo, e.manifestToken)
	if err != nil {
		e.log.Warn("releases url lookup failed", "error", err)
		return nil, Outcome{Reason: Failed, Err: err}
	}
	return &domain.ClusterSync{ReleasesURL: releasesURL, Tags: tags}, Outcome{Reason: Fetched}
}
