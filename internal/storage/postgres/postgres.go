// Package postgres persists deployment rows and flux notifications on
// PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/microsoft/spektate/internal/storage"
)

// Store implements storage.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ storage.Store = (*Store)(nil)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

const recordColumns = `partition_key, row_key, p1, commit_id, image_tag,
	p2, hld_commit_id, env, service, p3, manifest_commit_id, pr_id,
	source_repo, hld_repo, manifest_repo, updated_at`

// List returns rows matching q, newest first.
func (s *Store) List(ctx context.Context, q storage.Query) ([]storage.RawRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM deployments`, recordColumns)

	var (
		clauses []string
		args    []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, strings.ToLower(value))
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if q.PartitionKey != "" {
		args = append(args, q.PartitionKey)
		clauses = append(clauses, fmt.Sprintf("partition_key = $%d", len(args)))
	}
	add("env", q.Env)
	add("image_tag", q.ImageTag)
	add("p1", q.P1)
	add("p2", q.P2)
	add("p3", q.P3)
	add("commit_id", q.CommitID)
	add("service", q.Service)
	add("row_key", q.DeploymentID)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []storage.RawRecord
	for rows.Next() {
		var rec storage.RawRecord
		if err := rows.Scan(
			&rec.PartitionKey, &rec.RowKey, &rec.P1, &rec.CommitID, &rec.ImageTag,
			&rec.P2, &rec.HLDCommitID, &rec.Env, &rec.Service, &rec.P3,
			&rec.ManifestCommitID, &rec.PRID, &rec.SourceRepo, &rec.HLDRepo,
			&rec.ManifestRepo, &rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan deployment row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Find returns the row with the given keys.
func (s *Store) Find(ctx context.Context, partitionKey, rowKey string) (storage.RawRecord, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM deployments WHERE partition_key = $1 AND row_key = $2`,
		recordColumns,
	)
	var rec storage.RawRecord
	err := s.pool.QueryRow(ctx, query, partitionKey, rowKey).Scan(
		&rec.PartitionKey, &rec.RowKey, &rec.P1, &rec.CommitID, &rec.ImageTag,
		&rec.P2, &rec.HLDCommitID, &rec.Env, &rec.Service, &rec.P3,
		&rec.ManifestCommitID, &rec.PRID, &rec.SourceRepo, &rec.HLDRepo,
		&rec.ManifestRepo, &rec.Timestamp,
	)
	if err != nil {
		if isNoRows(err) {
			return storage.RawRecord{}, storage.ErrNotFound
		}
		return storage.RawRecord{}, fmt.Errorf("find deployment: %w", err)
	}
	return rec, nil
}

// Upsert writes rec, replacing an existing row with the same keys.
func (s *Store) Upsert(ctx context.Context, rec storage.RawRecord) error {
	const query = `INSERT INTO deployments (
		partition_key, row_key, p1, commit_id, image_tag,
		p2, hld_commit_id, env, service, p3, manifest_commit_id, pr_id,
		source_repo, hld_repo, manifest_repo, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (partition_key, row_key) DO UPDATE SET
		p1 = EXCLUDED.p1,
		commit_id = EXCLUDED.commit_id,
		image_tag = EXCLUDED.image_tag,
		p2 = EXCLUDED.p2,
		hld_commit_id = EXCLUDED.hld_commit_id,
		env = EXCLUDED.env,
		service = EXCLUDED.service,
		p3 = EXCLUDED.p3,
		manifest_commit_id = EXCLUDED.manifest_commit_id,
		pr_id = EXCLUDED.pr_id,
		source_repo = EXCLUDED.source_repo,
		hld_repo = EXCLUDED.hld_repo,
		manifest_repo = EXCLUDED.manifest_repo,
		updated_at = EXCLUDED.updated_at`
	_, err := s.pool.Exec(ctx, query,
		rec.PartitionKey, rec.RowKey, rec.P1, rec.CommitID, rec.ImageTag,
		rec.P2, rec.HLDCommitID, rec.Env, rec.Service, rec.P3,
		rec.ManifestCommitID, rec.PRID, rec.SourceRepo, rec.HLDRepo,
		rec.ManifestRepo, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("upsert deployment: %w", err)
	}
	return nil
}

// Delete removes the listed row keys within one partition.
func (s *Store) Delete(ctx context.Context, partitionKey string, rowKeys []string) error {
	if len(rowKeys) == 0 {
		return nil
	}
	const query = `DELETE FROM deployments WHERE partition_key = $1 AND row_key = ANY($2)`
	if _, err := s.pool.Exec(ctx, query, partitionKey, rowKeys); err != nil {
		return fmt.Errorf("delete deployments: %w", err)
	}
	return nil
}

// InsertFlux records a cluster sync notification.
func (s *Store) InsertFlux(ctx context.Context, n storage.FluxNotification) error {
	const query = `INSERT INTO flux_notifications (row_key, commit_id, message, created_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, query, n.RowKey, n.CommitID, n.Message, n.Timestamp); err != nil {
		return fmt.Errorf("insert flux notification: %w", err)
	}
	return nil
}

// ListFlux returns notifications newer than since, newest first.
func (s *Store) ListFlux(ctx context.Context, since time.Time) ([]storage.FluxNotification, error) {
	const query = `SELECT row_key, commit_id, message, created_at
		FROM flux_notifications WHERE created_at > $1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("list flux notifications: %w", err)
	}
	defer rows.Close()

	var out []storage.FluxNotification
	for rows.Next() {
		var n storage.FluxNotification
		if err := rows.Scan(&n.RowKey, &n.CommitID, &n.Message, &n.Timestamp); err != nil {
			return nil, fmt.Errorf("scan flux notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
