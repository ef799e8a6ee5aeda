package changefeed

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kartikbazzad/reactivedoc/internal/sqlcompile"
	"github.com/kartikbazzad/reactivedoc/internal/types"
)

// fakeAdapter is a minimal storage.Adapter stand-in backed by an
// in-memory change log, exercising only the subset Feed actually calls.
type fakeAdapter struct {
	mu     sync.Mutex
	log    []types.ChangeRecord
	signal chan struct{}
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{signal: make(chan struct{}, 1)}
}

func (f *fakeAdapter) append(rec types.ChangeRecord) {
	f.mu.Lock()
	rec.Seq = int64(len(f.log) + 1)
	f.log = append(f.log, rec)
	f.mu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *fakeAdapter) Insert(ctx context.Context, collection string, payload json.RawMessage) (types.Document, error) {
	return types.Document{}, nil
}
func (f *fakeAdapter) Get(ctx context.Context, collection, id string) (*types.Document, error) {
	return nil, nil
}
func (f *fakeAdapter) Update(ctx context.Context, collection, id string, payload json.RawMessage) (*types.Document, error) {
	return nil, nil
}
func (f *fakeAdapter) Delete(ctx context.Context, collection, id string) (*types.Document, error) {
	return nil, nil
}
func (f *fakeAdapter) List(ctx context.Context, sql string, params []any) ([]types.Document, error) {
	return nil, nil
}
func (f *fakeAdapter) ListCollections(ctx context.Context) ([]types.CollectionStats, error) {
	return nil, nil
}
func (f *fakeAdapter) OpenChangeStream(ctx context.Context) (<-chan struct{}, error) {
	return f.signal, nil
}
func (f *fakeAdapter) FetchChangesSince(ctx context.Context, after int64, limit int) ([]types.ChangeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.ChangeRecord
	for _, rec := range f.log {
		if rec.Seq > after {
			out = append(out, rec)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
func (f *fakeAdapter) HighestSequence(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.log) == 0 {
		return 0, nil
	}
	return f.log[len(f.log)-1].Seq, nil
}
func (f *fakeAdapter) Dialect() sqlcompile.Dialect { return sqlcompile.SQLiteDialect{} }
func (f *fakeAdapter) Close() error                { return nil }

type recordingSubscriber struct {
	mu   sync.Mutex
	recs []types.ChangeRecord
}

func (r *recordingSubscriber) Deliver(rec types.ChangeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recordingSubscriber) snapshot() []types.ChangeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ChangeRecord, len(r.recs))
	copy(out, r.recs)
	return out
}

func TestFeedPublishesInOrderPerCollection(t *testing.T) {
	adapter := newFakeAdapter()
	feed := New(adapter, nil)
	sub := &recordingSubscriber{}
	feed.Subscribe("todos", sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	adapter.append(types.ChangeRecord{Collection: "todos", Op: types.OpInsert, DocumentID: "1"})
	adapter.append(types.ChangeRecord{Collection: "todos", Op: types.OpUpdate, DocumentID: "1"})
	adapter.append(types.ChangeRecord{Collection: "other", Op: types.OpInsert, DocumentID: "2"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sub.snapshot()) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	recs := sub.snapshot()
	if len(recs) != 2 {
		t.Fatalf("expected 2 delivered records for collection todos, got %d", len(recs))
	}
	if recs[0].Op != types.OpInsert || recs[1].Op != types.OpUpdate {
		t.Fatalf("expected insert-then-update order, got %v then %v", recs[0].Op, recs[1].Op)
	}
	if recs[0].Seq >= recs[1].Seq {
		t.Fatalf("expected strictly increasing sequence, got %d then %d", recs[0].Seq, recs[1].Seq)
	}
}

func TestFeedDoesNotDeliverToUnsubscribedCollection(t *testing.T) {
	adapter := newFakeAdapter()
	feed := New(adapter, nil)
	sub := &recordingSubscriber{}
	feed.Subscribe("todos", sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	adapter.append(types.ChangeRecord{Collection: "unrelated", Op: types.OpInsert, DocumentID: "x"})
	time.Sleep(100 * time.Millisecond)

	if len(sub.snapshot()) != 0 {
		t.Fatalf("expected no deliveries for an unrelated collection, got %d", len(sub.snapshot()))
	}
}

func TestFeedUnsubscribeStopsDelivery(t *testing.T) {
	adapter := newFakeAdapter()
	feed := New(adapter, nil)
	sub := &recordingSubscriber{}
	feed.Subscribe("todos", sub)
	feed.Unsubscribe("todos", sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	adapter.append(types.ChangeRecord{Collection: "todos", Op: types.OpInsert, DocumentID: "1"})
	time.Sleep(100 * time.Millisecond)

	if len(sub.snapshot()) != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", len(sub.snapshot()))
	}
}

func TestFeedSubscribeReturnsCurrentWatermark(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.append(types.ChangeRecord{Collection: "todos", Op: types.OpInsert, DocumentID: "1"})

	feed := New(adapter, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && feed.Watermark() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	watermark := feed.Subscribe("todos", &recordingSubscriber{})
	if watermark < 1 {
		t.Fatalf("expected Subscribe to observe the seeded watermark, got %d", watermark)
	}
}
