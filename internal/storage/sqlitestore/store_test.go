package sqlitestore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/kartikbazzad/reactivedoc/internal/apperrors"
	"github.com/kartikbazzad/reactivedoc/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	payload := json.RawMessage(`{"k":1}`)
	doc, err := s.Insert(ctx, "t", payload)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if doc.ID == "" {
		t.Fatal("expected a generated id")
	}
	if doc.CreatedAt.After(doc.UpdatedAt) {
		t.Fatal("created_at must not be after updated_at")
	}

	got, err := s.Get(ctx, "t", doc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Data) != string(payload) {
		t.Fatalf("data mismatch: got %s want %s", got.Data, payload)
	}
}

func TestUpdateAdvancesTimestamp(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	doc, err := s.Insert(ctx, "t", json.RawMessage(`{"k":1}`))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	updated, err := s.Update(ctx, "t", doc.ID, json.RawMessage(`{"k":2}`))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.UpdatedAt.Before(doc.CreatedAt) {
		t.Fatalf("updated_at went backwards: %v -> %v", doc.CreatedAt, updated.UpdatedAt)
	}
	if string(updated.Data) != `{"k":2}` {
		t.Fatalf("unexpected data after update: %s", updated.Data)
	}
}

func TestDeleteThenDeleteIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	doc, err := s.Insert(ctx, "t", json.RawMessage(`{"k":1}`))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := s.Delete(ctx, "t", doc.ID); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	_, err = s.Delete(ctx, "t", doc.ID)
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("second Delete: expected ErrNotFound, got %v", err)
	}
}

func TestChangeLogOrdering(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	doc, err := s.Insert(ctx, "t", json.RawMessage(`{"k":1}`))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := s.Update(ctx, "t", doc.ID, json.RawMessage(`{"k":2}`)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := s.Delete(ctx, "t", doc.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	recs, err := s.FetchChangesSince(ctx, 0, 10)
	if err != nil {
		t.Fatalf("FetchChangesSince: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 change records, got %d", len(recs))
	}
	wantOps := []types.OperationKind{types.OpInsert, types.OpUpdate, types.OpDelete}
	for i, rec := range recs {
		if rec.Op != wantOps[i] {
			t.Fatalf("record %d: got op %s want %s", i, rec.Op, wantOps[i])
		}
		if i > 0 && recs[i-1].Seq >= rec.Seq {
			t.Fatalf("sequence not strictly increasing at record %d", i)
		}
	}
	// new_payload of insert must equal old_payload of update (invariant 3).
	if string(recs[0].NewPayload) != string(recs[1].OldPayload) {
		t.Fatalf("insert.new_payload %s != update.old_payload %s", recs[0].NewPayload, recs[1].OldPayload)
	}
}

func TestListCollectionsCounts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		if _, err := s.Insert(ctx, "a", json.RawMessage(`{}`)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if _, err := s.Insert(ctx, "b", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	stats, err := s.ListCollections(ctx)
	if err != nil {
		t.Fatalf("ListCollections: %v", err)
	}
	counts := map[string]int64{}
	for _, cs := range stats {
		counts[cs.Name] = cs.Count
	}
	if counts["a"] != 3 || counts["b"] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}
