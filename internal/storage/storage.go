// Package storage defines the deployment table abstraction shared by the
// Postgres implementation and the services that read from it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("storage: record not found")

// RawRecord is one row of the deployment table before correlation. Column
// values are stored lower-cased at ingest time.
type RawRecord struct {
	PartitionKey     string
	RowKey           string
	P1               string
	CommitID         string
	ImageTag         string
	P2               string
	HLDCommitID      string
	Env              string
	Service          string
	P3               string
	ManifestCommitID string
	PRID             string
	SourceRepo       string
	HLDRepo          string
	ManifestRepo     string
	Timestamp        time.Time
}

// FluxNotification is one cluster sync event reported by the flux webhook.
type FluxNotification struct {
	RowKey    string
	CommitID  string
	Message   string
	Timestamp time.Time
}

// Store is the persistence surface for deployment rows and flux events.
type Store interface {
	// List returns every row matching q, newest first by Timestamp.
	List(ctx context.Context, q Query) ([]RawRecord, error)
	// Upsert writes rec under its partition and row key, replacing any
	// existing row with the same keys.
	Upsert(ctx context.Context, rec RawRecord) error
	// Find returns the single row with the given keys, or ErrNotFound.
	Find(ctx context.Context, partitionKey, rowKey string) (RawRecord, error)
	// Delete removes the listed row keys within one partition. Missing
	// keys are not an error.
	Delete(ctx context.Context, partitionKey string, rowKeys []string) error
	// InsertFlux records a cluster sync notification.
	InsertFlux(ctx context.Context, n FluxNotification) error
	// ListFlux returns notifications newer than since, newest first.
	ListFlux(ctx context.Context, since time.Time) ([]FluxNotification, error)
	Close() error
}

// Query selects deployment rows by partition and optional column filters.
// All filter values are lower-cased before matching, mirroring how rows are
// written.
type Query struct {
	PartitionKey string
	Env          string
	ImageTag     string
	P1           string
	P2           string
	P3           string
	CommitID     string
	Service      string
	DeploymentID string
	Limit        int
}

// Filtered reports whether the query carries any column filter beyond the
// partition key.
func (q Query) Filtered() bool {
	return q.Env != "" || q.ImageTag != "" || q.P1 != "" || q.P2 != "" || q.P3 != "" ||
		q.CommitID != "" || q.Service != "" || q.DeploymentID != ""
}

// Predicate renders the query as a canonical filter expression, used for
// audit logging and by tests. The deployment id filters on the row key.
func (q Query) Predicate() string {
	var clauses []string
	if q.PartitionKey != "" {
		clauses = append(clauses, fmt.Sprintf("PartitionKey eq '%s'", q.PartitionKey))
	}
	for _, f := range []struct {
		column string
		value  string
	}{
		{"env", q.Env},
		{"imageTag", q.ImageTag},
		{"p1", q.P1},
		{"p2", q.P2},
		{"p3", q.P3},
		{"commitId", q.CommitID},
		{"service", q.Service},
		{"RowKey", q.DeploymentID},
	} {
		if f.value == "" {
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s eq '%s'", f.column, strings.ToLower(f.value)))
	}
	return strings.Join(clauses, " and ")
}
