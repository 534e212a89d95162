package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PipelineKind selects which pipeline provider backs the three stages.
type PipelineKind string

const (
	PipelineAzureDevOps   PipelineKind = "azdo"
	PipelineGitHubActions PipelineKind = "github-actions"
	PipelineGitLab        PipelineKind = "gitlab"
)

// ErrInvalid indicates required settings are absent. It is returned before
// any network call is attempted.
var ErrInvalid = errors.New("config: invalid configuration")

// Config holds runtime configuration for the spektate service.
type Config struct {
	Environment string
	Addr        string
	LogLevel    string

	DatabaseURL   string
	MigrationsDir string
	StorageTable  string
	PartitionKey  string

	// Azure DevOps pipelines.
	PipelineOrg     string
	PipelineProject string
	PipelineToken   string

	// GitHub Actions / GitLab pipelines.
	SourceRepo        string
	HLDRepo           string
	ManifestRepo      string
	SourceRepoProject string
	HLDRepoProject    string
	ManifestProject   string
	ManifestUsername  string
	ManifestToken     string
	SourceRepoToken   string

	IngestToken string

	CacheRefreshInterval time.Duration
	ProviderTimeout      time.Duration

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment: GetString("APP_ENV", "development"),
		Addr:        GetString("SPEKTATE_ADDR", ":8001"),
		LogLevel:    GetString("LOG_LEVEL", "info"),

		DatabaseURL:   GetString("DATABASE_URL", "postgres://spektate:spektate@db:5432/spektate?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		StorageTable:  GetString("STORAGE_TABLE_NAME", "deployments"),
		PartitionKey:  GetString("STORAGE_PARTITION_KEY", ""),

		PipelineOrg:     GetString("PIPELINE_ORG", ""),
		PipelineProject: GetString("PIPELINE_PROJECT", ""),
		PipelineToken:   GetString("PIPELINE_ACCESS_TOKEN", ""),

		SourceRepo:        GetString("SOURCE_REPO", ""),
		HLDRepo:           GetString("HLD_REPO", ""),
		ManifestRepo:      GetString("MANIFEST_REPO", ""),
		SourceRepoProject: GetString("SOURCE_REPO_PROJECT_ID", ""),
		HLDRepoProject:    GetString("HLD_REPO_PROJECT_ID", ""),
		ManifestProject:   GetString("MANIFEST_REPO_PROJECT_ID", ""),
		ManifestUsername:  GetString("MANIFEST_REPO_USERNAME", ""),
		ManifestToken:     GetString("MANIFEST_ACCESS_TOKEN", ""),
		SourceRepoToken:   GetString("SOURCE_REPO_ACCESS_TOKEN", ""),

		IngestToken: GetString("INGEST_TOKEN", ""),

		CacheRefreshInterval: time.Duration(GetInt("CACHE_REFRESH_INTERVAL_SEC", 30)) * time.Second,
		ProviderTimeout:      time.Duration(GetInt("PROVIDER_TIMEOUT_SEC", 30)) * time.Second,

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

// PipelineKind derives the configured pipeline provider from which settings
// are populated, mirroring how deployments were originally tracked.
func (c Config) PipelineKind() (PipelineKind, error) {
	switch {
	case c.PipelineOrg != "" && c.PipelineProject != "":
		return PipelineAzureDevOps, nil
	case c.SourceRepoProject != "" && c.HLDRepoProject != "":
		return PipelineGitLab, nil
	case c.SourceRepo != "" && c.HLDRepo != "":
		return PipelineGitHubActions, nil
	}
	return "", fmt.Errorf("%w: no pipeline provider settings found", ErrInvalid)
}

// Validate reports missing required settings. It never performs network I/O.
func (c Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.StorageTable == "" {
		missing = append(missing, "STORAGE_TABLE_NAME")
	}
	if c.PartitionKey == "" {
		missing = append(missing, "STORAGE_PARTITION_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}
	if _, err := c.PipelineKind(); err != nil {
		return err
	}
	return nil
}

// MaskKey hides all but the last four characters of a secret for display.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	runes := []rune(key)
	masked := make([]rune, len(runes))
	for i := range runes {
		if i < len(runes)-4 {
			masked[i] = '*'
		} else {
			masked[i] = runes[i]
		}
	}
	return string(masked)
}

// HealthVariables lists the effective settings with secrets masked, for the
// health endpoint.
func (c Config) HealthVariables() map[string]string {
	vars := map[string]string{
		"PIPELINE_ORG":             c.PipelineOrg,
		"PIPELINE_PROJECT":         c.PipelineProject,
		"PIPELINE_ACCESS_TOKEN":    MaskKey(c.PipelineToken),
		"MANIFEST_REPO":            c.ManifestRepo,
		"MANIFEST_ACCESS_TOKEN":    MaskKey(c.ManifestToken),
		"SOURCE_REPO_ACCESS_TOKEN": MaskKey(c.SourceRepoToken),
		"STORAGE_TABLE_NAME":       c.StorageTable,
		"STORAGE_PARTITION_KEY":    c.PartitionKey,
	}
	if c.ManifestUsername != "" {
		vars["MANIFEST_REPO_USERNAME"] = c.ManifestUsername
	}
	return vars
}
