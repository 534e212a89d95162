// Package flux stores cluster sync webhook notifications and serves the
// latest one per commit.
package flux

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/microsoft/spektate/internal/service/ingest"
	"github.com/microsoft/spektate/internal/storage"
)

// window is how far back Latest looks for notifications.
const window = 48 * time.Hour

// Service records raw flux webhook payloads and groups them by commit.
type Service struct {
	store storage.Store
	log   *slog.Logger
	now   func() time.Time
}

func New(store storage.Store, log *slog.Logger) *Service {
	return &Service{
		store: store,
		log:   log.With("component", "flux"),
		now:   time.Now,
	}
}

// payload is the subset of a flux notification we index on. The full body is
// stored verbatim.
type payload struct {
	Metadata struct {
		Revision string `json:"revision"`
	} `json:"metadata"`
}

// Record stores one webhook notification. The commit is taken from
// metadata.revision so Latest can group without re-parsing every body;
// notifications without a revision are stored but never surfaced.
func (s *Service) Record(ctx context.Context, body []byte) error {
	if !json.Valid(body) {
		return fmt.Errorf("flux: notification is not valid JSON")
	}
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("flux: decode notification: %w", err)
	}
	n := storage.FluxNotification{
		RowKey:    ingest.NewRowKey(),
		CommitID:  commitFromRevision(p.Metadata.Revision),
		Message:   string(body),
		Timestamp: s.now(),
	}
	if err := s.store.InsertFlux(ctx, n); err != nil {
		return fmt.Errorf("flux: store notification: %w", err)
	}
	s.log.Info("stored flux notification", "rowKey", n.RowKey, "commitId", n.CommitID)
	return nil
}

// Latest returns the newest notification per commit from the last two days,
// keyed by short commit id.
func (s *Service) Latest(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.store.ListFlux(ctx, s.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("flux: list notifications: %w", err)
	}
	out := make(map[string]json.RawMessage)
	newest := make(map[string]time.Time)
	for _, n := range rows {
		if n.CommitID == "" {
			continue
		}
		if seen, ok := newest[n.CommitID]; ok && n.Timestamp.Before(seen) {
			continue
		}
		newest[n.CommitID] = n.Timestamp
		out[n.CommitID] = json.RawMessage(n.Message)
	}
	return out, nil
}

// commitFromRevision maps a flux revision like "master/ab13fde8971c" to its
// short commit id.
func commitFromRevision(revision string) string {
	if revision == "" {
		return ""
	}
	parts := strings.Split(revision, "/")
	sha := parts[len(parts)-1]
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return sha
}
