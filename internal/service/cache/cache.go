// Package cache keeps the last fully enriched deployment set in memory
// and refreshes it incrementally, re-fetching expensive metadata only for
// records that actually need it.
package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/microsoft/spektate/internal/domain"
	"github.com/microsoft/spektate/internal/service/enrich"
	"github.com/microsoft/spektate/internal/storage"
)

// Lister produces the fresh correlated deployment list each tick.
type Lister interface {
	List(ctx context.Context, q storage.Query) ([]*domain.Deployment, error)
}

// Enricher is the selective-enrichment surface the cache drives.
type Enricher interface {
	Author(ctx context.Context, d *domain.Deployment) enrich.Outcome
	PullRequest(ctx context.Context, d *domain.Deployment) enrich.Outcome
	ClusterSync(ctx context.Context) (*domain.ClusterSync, enrich.Outcome)
}

// Snapshot is the published cache state. Readers get it by reference and
// must not mutate it.
type Snapshot struct {
	Deployments []*domain.Deployment `json:"deployments"`
	ClusterSync *domain.ClusterSync  `json:"clusterSync,omitempty"`
}

// Cache is the single writer of the published snapshot. Update builds a
// working copy, reconciles it against the fresh list and swaps it in
// whole, so Fetch never observes a half-applied tick.
type Cache struct {
	lister   Lister
	enricher Enricher
	log      *slog.Logger
	metrics  *Metrics

	updateMu sync.Mutex // serializes ticks

	snapMu   sync.RWMutex
	snapshot Snapshot
}

// New constructs an empty cache.
func New(lister Lister, enricher Enricher, metrics *Metrics, log *slog.Logger) *Cache {
	return &Cache{
		lister:   lister,
		enricher: enricher,
		metrics:  metrics,
		log:      log.With("component", "cache"),
	}
}

// Fetch returns the current snapshot.
func (c *Cache) Fetch() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapshot
}

// Purge resets the cache to empty.
func (c *Cache) Purge() {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()
	c.snapMu.Lock()
	c.snapshot = Snapshot{}
	c.snapMu.Unlock()
}

// Update runs one refresh tick. Any failure leaves the previous snapshot
// in place, stale data beats no data.
func (c *Cache) Update(ctx context.Context) {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	fresh, err := c.lister.List(ctx, storage.Query{})
	if err != nil {
		c.metrics.RefreshFailed()
		c.log.Error("refresh aborted, serving previous snapshot", "error", err)
		return
	}

	current := c.Fetch()
	working := make([]*domain.Deployment, len(current.Deployments))
	index := make(map[string]int, len(current.Deployments))
	for i, d := range current.Deployments {
		working[i] = d.Clone()
		index[d.DeploymentID] = i
	}

	changed := c.reconcileChanged(ctx, fresh, working, index)
	inserted, working := c.insertNew(ctx, fresh, working, index)
	working = evictStale(fresh, working)

	clusterSync := current.ClusterSync
	if changed > 0 || inserted > 0 {
		if cs, out := c.enricher.ClusterSync(ctx); out.Reason == enrich.Fetched {
			clusterSync = cs
		}
	}

	c.snapMu.Lock()
	c.snapshot = Snapshot{Deployments: working, ClusterSync: clusterSync}
	c.snapMu.Unlock()

	c.metrics.RefreshDone(len(working), changed, inserted)
	c.log.Info("snapshot refreshed",
		"deployments", len(working), "changed", changed, "new", inserted)
}

// reconcileChanged splice-replaces records whose row moved, or which are
// still in flight, at their existing positions. Enrichment carried on the
// cached copy is kept unless new data may now be obtainable.
func (c *Cache) reconcileChanged(ctx context.Context, fresh, working []*domain.Deployment, index map[string]int) int {
	var wg sync.WaitGroup
	changed := 0
	for _, next := range fresh {
		i, ok := index[next.DeploymentID]
		if !ok {
			continue
		}
		cached := working[i]
		if !deploymentChanged(cached, next) {
			continue
		}
		changed++
		working[i] = next

		// Author never changes once known; a pull request is re-read only
		// until its merge closes the approval gate.
		needAuthor := cached.Author == nil
		needPR := cached.PullRequest == nil || cached.PullRequest.MergedBy == nil
		if !needAuthor {
			next.Author = cached.Author
		}
		if !needPR {
			next.PullRequest = cached.PullRequest
		}
		if !needAuthor && !needPR {
			continue
		}

		wg.Add(1)
		go func(d *domain.Deployment, fetchAuthor, fetchPR bool) {
			defer wg.Done()
			if fetchAuthor {
				c.enrichAuthor(ctx, d)
			}
			if fetchPR {
				c.enrichPullRequest(ctx, d)
			}
		}(next, needAuthor, needPR)
	}
	wg.Wait()
	return changed
}

// insertNew prepends records whose id is not cached yet, newest first, and
// fetches author and pull request once for each.
func (c *Cache) insertNew(ctx context.Context, fresh, working []*domain.Deployment, index map[string]int) (int, []*domain.Deployment) {
	var incoming []*domain.Deployment
	for _, next := range fresh {
		if _, ok := index[next.DeploymentID]; !ok {
			incoming = append(incoming, next)
		}
	}
	if len(incoming) == 0 {
		return 0, working
	}

	var wg sync.WaitGroup
	for _, d := range incoming {
		wg.Add(1)
		go func(d *domain.Deployment) {
			defer wg.Done()
			c.enrichAuthor(ctx, d)
			c.enrichPullRequest(ctx, d)
		}(d)
	}
	wg.Wait()

	return len(incoming), append(incoming, working...)
}

// evictStale drops cached records whose rows disappeared upstream. Pure
// filter, no network calls.
func evictStale(fresh, working []*domain.Deployment) []*domain.Deployment {
	live := make(map[string]bool, len(fresh))
	for _, d := range fresh {
		live[d.DeploymentID] = true
	}
	kept := working[:0]
	for _, d := range working {
		if live[d.DeploymentID] {
			kept = append(kept, d)
		}
	}
	return kept
}

// deploymentChanged reports whether a cached record must be re-examined: a
// moved row timestamp, or a record still in flight, whose providers may
// have progressed without the row changing.
func deploymentChanged(cached, next *domain.Deployment) bool {
	if cached.Timestamp != next.Timestamp {
		return true
	}
	return !strings.EqualFold(cached.Status, domain.StatusComplete)
}

func (c *Cache) enrichAuthor(ctx context.Context, d *domain.Deployment) {
	out := c.enricher.Author(ctx, d)
	c.metrics.Enrichment("author", out.Reason)
}

func (c *Cache) enrichPullRequest(ctx context.Context, d *domain.Deployment) {
	out := c.enricher.PullRequest(ctx, d)
	c.metrics.Enrichment("pull_request", out.Reason)
}
