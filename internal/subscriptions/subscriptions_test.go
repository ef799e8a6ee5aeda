package subscriptions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kartikbazzad/reactivedoc/internal/changefeed"
	"github.com/kartikbazzad/reactivedoc/internal/planner"
	"github.com/kartikbazzad/reactivedoc/internal/sqlcompile"
	"github.com/kartikbazzad/reactivedoc/internal/types"
)

type fakeAdapter struct {
	mu   sync.Mutex
	docs []types.Document
	log  []types.ChangeRecord
	sig  chan struct{}
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{sig: make(chan struct{}, 1)}
}

func (f *fakeAdapter) seed(docs ...types.Document) {
	f.docs = append(f.docs, docs...)
}

func (f *fakeAdapter) appendChange(rec types.ChangeRecord) {
	f.mu.Lock()
	rec.Seq = int64(len(f.log) + 1)
	f.log = append(f.log, rec)
	f.mu.Unlock()
	select {
	case f.sig <- struct{}{}:
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

// List ignores sql/params and just returns the seeded documents, since
// these tests exercise the subscription lifecycle, not the compiler.
func (f *fakeAdapter) List(ctx context.Context, sql string, params []any) ([]types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Document, len(f.docs))
	copy(out, f.docs)
	return out, nil
}
func (f *fakeAdapter) ListCollections(ctx context.Context) ([]types.CollectionStats, error) {
	return nil, nil
}
func (f *fakeAdapter) OpenChangeStream(ctx context.Context) (<-chan struct{}, error) {
	return f.sig, nil
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

func drain(t *testing.T, sub *Subscription, n int, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-sub.Events():
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(out))
		}
	}
	return out
}

func TestOpenYieldsSnapshotThenDone(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.seed(
		types.Document{ID: "1", Collection: "todos", Data: json.RawMessage(`{"k":1}`)},
		types.Document{ID: "2", Collection: "todos", Data: json.RawMessage(`{"k":2}`)},
	)
	feed := changefeed.New(adapter, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	mgr := NewManager(adapter, feed, 16, nil)
	plan := &planner.Plan{Collection: "todos", Terminal: planner.TermChanges}

	sub, err := mgr.Open(ctx, "sess-1", plan, sqlcompile.SQLiteDialect{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	events := drain(t, sub, 3, 2*time.Second)
	if events[0].Kind != EventSnapshotRow || events[1].Kind != EventSnapshotRow {
		t.Fatalf("expected two snapshot rows first, got %+v", events[:2])
	}
	if events[2].Kind != EventSnapshotDone {
		t.Fatalf("expected EventSnapshotDone third, got %+v", events[2])
	}
}

func TestStreamedChangeArrivesAfterSnapshot(t *testing.T) {
	adapter := newFakeAdapter()
	feed := changefeed.New(adapter, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	mgr := NewManager(adapter, feed, 16, nil)
	plan := &planner.Plan{Collection: "todos", Terminal: planner.TermChanges}

	sub, err := mgr.Open(ctx, "sess-1", plan, sqlcompile.SQLiteDialect{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Consume the (empty) snapshot-done marker first.
	drain(t, sub, 1, 2*time.Second)

	adapter.appendChange(types.ChangeRecord{Collection: "todos", Op: types.OpInsert, DocumentID: "1", NewPayload: json.RawMessage(`{"k":1}`)})

	events := drain(t, sub, 1, 2*time.Second)
	if events[0].Kind != EventChange {
		t.Fatalf("expected EventChange, got %+v", events[0])
	}
	if events[0].Change.DocumentID != "1" {
		t.Fatalf("unexpected document id: %+v", events[0].Change)
	}
}

func TestSubscriptionFiltersByPlanPredicate(t *testing.T) {
	adapter := newFakeAdapter()
	feed := changefeed.New(adapter, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	mgr := NewManager(adapter, feed, 16, nil)
	plan := &planner.Plan{
		Collection: "todos",
		Terminal:   planner.TermChanges,
		Filter: &planner.Expr{
			Kind: planner.ExprCompare, CompareOp: planner.OpEq,
			Left:  &planner.Expr{Kind: planner.ExprField, Path: []string{"status"}},
			Right: &planner.Expr{Kind: planner.ExprLiteral, Literal: "open"},
		},
	}

	sub, err := mgr.Open(ctx, "sess-1", plan, sqlcompile.SQLiteDialect{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	drain(t, sub, 1, 2*time.Second) // snapshot-done

	adapter.appendChange(types.ChangeRecord{Collection: "todos", Op: types.OpInsert, DocumentID: "closed-doc", NewPayload: json.RawMessage(`{"status":"closed"}`)})
	adapter.appendChange(types.ChangeRecord{Collection: "todos", Op: types.OpInsert, DocumentID: "open-doc", NewPayload: json.RawMessage(`{"status":"open"}`)})

	events := drain(t, sub, 1, 2*time.Second)
	if events[0].Change.DocumentID != "open-doc" {
		t.Fatalf("expected only the matching document to be delivered, got %+v", events[0].Change)
	}
}

func TestEnqueueOverrunClosesSubscription(t *testing.T) {
	// A one-slot queue: the first send fills it, the second finds no
	// room and must trip the overrun path rather than block.
	sub := &Subscription{
		ID:    "sub-test",
		state: StateStreaming,
		queue: make(chan Event, 1),
	}
	sub.enqueue(Event{Kind: EventChange})
	sub.enqueue(Event{Kind: EventChange})

	sub.mu.Lock()
	state := sub.state
	sub.mu.Unlock()
	if state != StateClosed {
		t.Fatalf("expected subscription state to be closed after overrun, got %v", state)
	}

	first := <-sub.Events()
	if first.Kind != EventChange {
		t.Fatalf("expected the originally queued event to still be readable, got %+v", first)
	}
}

func TestEnqueueAfterClosedIsNoop(t *testing.T) {
	sub := &Subscription{
		ID:    "sub-test",
		state: StateClosed,
		queue: make(chan Event, 1),
	}
	sub.enqueue(Event{Kind: EventChange})

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no enqueue once closed, got %+v", ev)
	default:
	}
}

func TestCloseDeliversTerminalEventAndDrainsCleanly(t *testing.T) {
	adapter := newFakeAdapter()
	feed := changefeed.New(adapter, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	mgr := NewManager(adapter, feed, 16, nil)
	plan := &planner.Plan{Collection: "todos", Terminal: planner.TermChanges}

	sub, err := mgr.Open(ctx, "sess-1", plan, sqlcompile.SQLiteDialect{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	drain(t, sub, 1, 2*time.Second) // snapshot-done

	done := make(chan struct{})
	var lastEvents []Event
	go func() {
		for ev := range sub.Events() {
			lastEvents = append(lastEvents, ev)
		}
		close(done)
	}()

	mgr.Close(sub.ID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Events() to drain after Close; the pump would block forever on this")
	}

	if len(lastEvents) == 0 || lastEvents[len(lastEvents)-1].Kind != EventClosed {
		t.Fatalf("expected a terminal EventClosed, got %+v", lastEvents)
	}
	if lastEvents[len(lastEvents)-1].Err != nil {
		t.Fatalf("expected a normal close to carry no error, got %v", lastEvents[len(lastEvents)-1].Err)
	}

	// A second Close must not panic (double-close) and must be a no-op.
	mgr.Close(sub.ID)
}

func TestCloseSessionTearsDownOwnedSubscriptions(t *testing.T) {
	adapter := newFakeAdapter()
	feed := changefeed.New(adapter, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	mgr := NewManager(adapter, feed, 16, nil)
	plan := &planner.Plan{Collection: "todos", Terminal: planner.TermChanges}

	sub, err := mgr.Open(ctx, "sess-1", plan, sqlcompile.SQLiteDialect{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	drain(t, sub, 1, 2*time.Second)

	mgr.CloseSession("sess-1")

	sub.mu.Lock()
	state := sub.state
	sub.mu.Unlock()
	if state != StateClosed {
		t.Fatalf("expected subscription to be closed, got %v", state)
	}

	mgr.mu.Lock()
	_, stillTracked := mgr.subs[sub.ID]
	mgr.mu.Unlock()
	if stillTracked {
		t.Fatal("expected manager to stop tracking the closed subscription")
	}
}
