// Package ingest records pipeline stage reports into the deployment store.
//
// Each CI stage posts a small report naming the column it filters on (the id
// it was given by the previous stage) and the columns it learned. Reports for
// a row that already carries a different value in one of those columns start
// a fresh row instead of clobbering history.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/microsoft/spektate/internal/storage"
)

// Column is a single name/value pair in a stage report.
type Column struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Report is the payload a pipeline stage posts after it finishes.
type Report struct {
	Filter Column   `json:"filter"`
	Set    []Column `json:"set"`
}

// Service applies stage reports to the backing store.
type Service struct {
	store        storage.Store
	partitionKey string
	log          *slog.Logger

	newRowKey func() string
	now       func() time.Time
}

func New(store storage.Store, partitionKey string, log *slog.Logger) *Service {
	return &Service{
		store:        store,
		partitionKey: partitionKey,
		log:          log.With("component", "ingest"),
		newRowKey:    NewRowKey,
		now:          time.Now,
	}
}

// NewRowKey returns a fresh 12-character hex deployment id.
func NewRowKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Apply records one stage report. Column values are lower-cased before they
// are stored so later filter queries match regardless of the reporter's
// casing. When the matched row already holds a different value for one of the
// reported columns, the report is written to a brand-new row instead.
func (s *Service) Apply(ctx context.Context, r Report) (string, error) {
	if r.Filter.Name == "" || r.Filter.Value == "" {
		return "", fmt.Errorf("ingest: report missing filter column")
	}
	q := storage.Query{PartitionKey: s.partitionKey}
	if err := setColumn(&q, r.Filter.Name, r.Filter.Value); err != nil {
		return "", err
	}
	rows, err := s.store.List(ctx, q)
	if err != nil {
		return "", fmt.Errorf("ingest: query %s: %w", r.Filter.Name, err)
	}

	if len(rows) == 0 {
		return s.insert(ctx, r)
	}

	row := rows[0]
	for _, c := range r.Set {
		current, err := columnValue(row, c.Name)
		if err != nil {
			return "", err
		}
		if current != "" && current != strings.ToLower(c.Value) {
			// The row was already claimed by an earlier run of this
			// stage. Keep it and start a new deployment row.
			s.log.Info("column conflict, starting new row",
				"column", c.Name, "have", current, "got", c.Value)
			return s.insert(ctx, r)
		}
	}
	for _, c := range r.Set {
		if err := assignColumn(&row, c.Name, c.Value); err != nil {
			return "", err
		}
	}
	row.Timestamp = s.now()
	if err := s.store.Upsert(ctx, row); err != nil {
		return "", fmt.Errorf("ingest: update row %s: %w", row.RowKey, err)
	}
	return row.RowKey, nil
}

func (s *Service) insert(ctx context.Context, r Report) (string, error) {
	row := storage.RawRecord{
		PartitionKey: s.partitionKey,
		RowKey:       s.newRowKey(),
		Timestamp:    s.now(),
	}
	if err := assignColumn(&row, r.Filter.Name, r.Filter.Value); err != nil {
		return "", err
	}
	for _, c := range r.Set {
		if err := assignColumn(&row, c.Name, c.Value); err != nil {
			return "", err
		}
	}
	if err := s.store.Upsert(ctx, row); err != nil {
		return "", fmt.Errorf("ingest: insert row %s: %w", row.RowKey, err)
	}
	s.log.Info("inserted deployment row", "rowKey", row.RowKey, "filter", r.Filter.Name)
	return row.RowKey, nil
}

func setColumn(q *storage.Query, name, value string) error {
	switch name {
	case "p1":
		q.P1 = value
	case "p2":
		q.P2 = value
	case "p3":
		q.P3 = value
	case "imageTag":
		q.ImageTag = value
	case "commitId":
		q.CommitID = value
	case "env":
		q.Env = value
	case "service":
		q.Service = value
	case "RowKey":
		q.DeploymentID = value
	default:
		return fmt.Errorf("ingest: unknown filter column %q", name)
	}
	return nil
}

func columnValue(r storage.RawRecord, name string) (string, error) {
	switch name {
	case "p1":
		return r.P1, nil
	case "p2":
		return r.P2, nil
	case "p3":
		return r.P3, nil
	case "commitId":
		return r.CommitID, nil
	case "hldCommitId":
		return r.HLDCommitID, nil
	case "manifestCommitId":
		return r.ManifestCommitID, nil
	case "imageTag":
		return r.ImageTag, nil
	case "env":
		return r.Env, nil
	case "service":
		return r.Service, nil
	case "pr":
		return r.PRID, nil
	case "sourceRepo":
		return r.SourceRepo, nil
	case "hldRepo":
		return r.HLDRepo, nil
	case "manifestRepo":
		return r.ManifestRepo, nil
	default:
		return "", fmt.Errorf("ingest: unknown column %q", name)
	}
}

func assignColumn(r *storage.RawRecord, name, value string) error {
	value = strings.ToLower(value)
	switch name {
	case "p1":
		r.P1 = value
	case "p2":
		r.P2 = value
	case "p3":
		r.P3 = value
	case "commitId":
		r.CommitID = value
	case "hldCommitId":
		r.HLDCommitID = value
	case "manifestCommitId":
		r.ManifestCommitID = value
	case "imageTag":
		r.ImageTag = value
	case "env":
		r.Env = value
	case "service":
		r.Service = value
	case "pr":
		r.PRID = value
	case "sourceRepo":
		r.SourceRepo = value
	case "hldRepo":
		r.HLDRepo = value
	case "manifestRepo":
		r.ManifestRepo = value
	default:
		return fmt.Errorf("ingest: unknown column %q", name)
	}
	return nil
}
