package flux

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/microsoft/spektate/internal/storage"
)

type fakeStore struct {
	mu    sync.Mutex
	notes []storage.FluxNotification
	since time.Time
}

func (f *fakeStore) List(_ context.Context, _ storage.Query) ([]storage.RawRecord, error) {
	return nil, nil
}
func (f *fakeStore) Upsert(_ context.Context, _ storage.RawRecord) error { return nil }
func (f *fakeStore) Find(_ context.Context, _, _ string) (storage.RawRecord, error) {
	return storage.RawRecord{}, storage.ErrNotFound
}
func (f *fakeStore) Delete(_ context.Context, _ string, _ []string) error { return nil }

func (f *fakeStore) InsertFlux(_ context.Context, n storage.FluxNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
	return nil
}

func (f *fakeStore) ListFlux(_ context.Context, since time.Time) ([]storage.FluxNotification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = since
	return append([]storage.FluxNotification(nil), f.notes...), nil
}

func (f *fakeStore) Close() error { return nil }

func newService(store *fakeStore) *Service {
	svc := New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = func() time.Time { return time.Date(2019, 10, 31, 18, 0, 0, 0, time.UTC) }
	return svc
}

func TestRecordExtractsCommit(t *testing.T) {
	store := &fakeStore{}
	svc := newService(store)

	body := []byte(`{"kind":"Sync","metadata":{"revision":"master/ab13fde8971c2f10"}}`)
	if err := svc.Record(context.Background(), body); err != nil {
		t.Fatal(err)
	}
	if len(store.notes) != 1 {
		t.Fatalf("stored %d notifications, want 1", len(store.notes))
	}
	n := store.notes[0]
	if n.CommitID != "ab13fde" {
		t.Fatalf("commit = %q, want ab13fde", n.CommitID)
	}
	if len(n.RowKey) != 12 {
		t.Fatalf("row key %q, want 12 chars", n.RowKey)
	}
	if n.Message != string(body) {
		t.Fatal("body not stored verbatim")
	}
}

func TestRecordRejectsInvalidJSON(t *testing.T) {
	svc := newService(&fakeStore{})
	if err := svc.Record(context.Background(), []byte("not json")); err == nil {
		t.Fatal("expected error for invalid body")
	}
}

func TestLatestKeepsNewestPerCommit(t *testing.T) {
	base := time.Date(2019, 10, 31, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{notes: []storage.FluxNotification{
		{RowKey: "a", CommitID: "ab13fde", Message: `{"n":1}`, Timestamp: base},
		{RowKey: "b", CommitID: "ab13fde", Message: `{"n":2}`, Timestamp: base.Add(time.Hour)},
		{RowKey: "c", CommitID: "f8a4c2e", Message: `{"n":3}`, Timestamp: base},
		{RowKey: "d", CommitID: "", Message: `{"n":4}`, Timestamp: base},
	}}
	svc := newService(store)

	got, err := svc.Latest(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("commits = %d, want 2", len(got))
	}
	if string(got["ab13fde"]) != `{"n":2}` {
		t.Fatalf("ab13fde = %s, want the newer notification", got["ab13fde"])
	}
	if string(got["f8a4c2e"]) != `{"n":3}` {
		t.Fatalf("f8a4c2e = %s", got["f8a4c2e"])
	}
	want := time.Date(2019, 10, 29, 18, 0, 0, 0, time.UTC)
	if !store.since.Equal(want) {
		t.Fatalf("window since = %v, want %v", store.since, want)
	}
}
