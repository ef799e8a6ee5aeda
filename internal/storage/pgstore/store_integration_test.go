//go:build integration

package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/kartikbazzad/reactivedoc/internal/apperrors"
)

// openTestStore requires TEST_DATABASE_URL to point at a disposable
// Postgres instance with the reactivedoc_capture_change() trigger
// installed by the migrations under this package.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping pgstore integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Open(ctx, dsn, 4, "migrations", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPgstoreInsertGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	payload := json.RawMessage(`{"k":1}`)
	doc, err := s.Insert(ctx, "it_docs", payload)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Get(ctx, "it_docs", doc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Data) != string(payload) {
		t.Fatalf("data mismatch: got %s want %s", got.Data, payload)
	}
}

func TestPgstoreDeleteNotFound(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Delete(ctx, "it_docs", "does-not-exist")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPgstoreTriggerCapturesChangeLog(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	before, err := s.HighestSequence(ctx)
	if err != nil {
		t.Fatalf("HighestSequence: %v", err)
	}

	doc, err := s.Insert(ctx, "it_docs", json.RawMessage(`{"k":2}`))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	recs, err := s.FetchChangesSince(ctx, before, 10)
	if err != nil {
		t.Fatalf("FetchChangesSince: %v", err)
	}
	found := false
	for _, rec := range recs {
		if rec.DocumentID == doc.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the insert trigger to have written a change_log row")
	}
}

func TestPgstoreListenLoopDeliversNotification(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	signal, err := s.OpenChangeStream(ctx)
	if err != nil {
		t.Fatalf("OpenChangeStream: %v", err)
	}

	if _, err := s.Insert(ctx, "it_docs", json.RawMessage(`{"k":3}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	select {
	case <-signal:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a LISTEN/NOTIFY signal after commit")
	}
}

func TestPgstoreGetMissingCollectionIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Get(ctx, "nonexistent_collection_xyz", "nope")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
