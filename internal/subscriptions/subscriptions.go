// Package subscriptions implements the subscription manager (C6): the
// snapshot-then-stream lifecycle, per-subscription bounded outbound
// queue, and the collection index backing db.table(...).changes().
//
// A subscription starts initializing (registered with the change feed
// so no commit is missed), runs its snapshot query, then flips to
// streaming and replays anything the feed delivered in the meantime
// that the snapshot didn't already cover. This ordering — register,
// then snapshot, then stream — is what guarantees no gap and no
// duplicate-free ordering boundary (spec §4.6).
package subscriptions

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kartikbazzad/reactivedoc/internal/apperrors"
	"github.com/kartikbazzad/reactivedoc/internal/changefeed"
	"github.com/kartikbazzad/reactivedoc/internal/evalexpr"
	"github.com/kartikbazzad/reactivedoc/internal/logger"
	"github.com/kartikbazzad/reactivedoc/internal/planner"
	"github.com/kartikbazzad/reactivedoc/internal/sqlcompile"
	"github.com/kartikbazzad/reactivedoc/internal/storage"
	"github.com/kartikbazzad/reactivedoc/internal/types"
)

// State is a subscription's lifecycle stage.
type State int

const (
	StateInitializing State = iota
	StateStreaming
	StateClosed
)

// EventKind distinguishes a snapshot row from a streamed change.
type EventKind int

const (
	EventSnapshotRow EventKind = iota
	EventSnapshotDone
	EventChange
	EventClosed
)

// Event is one item handed to the gateway for framing onto the wire.
type Event struct {
	Kind   EventKind
	Doc    *types.Document
	Change *types.ChangeRecord
	Err    error // set when Kind == EventClosed
}

var subscriptionSeq int64

func nextID() string {
	return fmt.Sprintf("sub-%d", atomic.AddInt64(&subscriptionSeq, 1))
}

// Subscription is one live db.table(...).changes() stream.
type Subscription struct {
	ID         string
	SessionID  string
	Collection string
	Plan       *planner.Plan

	mu      sync.Mutex
	state   State
	pending []types.ChangeRecord
	queue   chan Event
}

// Deliver implements changefeed.Subscriber. While initializing it
// buffers; once streaming it filters by the subscription's predicate
// and enqueues, dropping (and closing) on overrun.
func (s *Subscription) Deliver(rec types.ChangeRecord) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.state == StateInitializing {
		s.pending = append(s.pending, rec)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.deliverFiltered(rec)
}

func (s *Subscription) matches(rec types.ChangeRecord) bool {
	payload := rec.NewPayload
	if rec.Op == types.OpDelete {
		payload = rec.OldPayload
	}
	return evalexpr.Eval(s.Plan.Filter, payload)
}

func (s *Subscription) deliverFiltered(rec types.ChangeRecord) {
	if !s.matches(rec) {
		return
	}
	s.enqueue(Event{Kind: EventChange, Change: &rec})
}

// enqueue is a non-blocking send; a full queue means the consumer is
// too slow and the subscription is torn down rather than stalling the
// producer (spec §4.6's backpressure policy).
func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	select {
	case s.queue <- ev:
		s.mu.Unlock()
	default:
		s.state = StateClosed
		s.mu.Unlock()
		// Best effort: try to notify the consumer why it was closed;
		// drop silently if even that can't fit.
		select {
		case s.queue <- Event{Kind: EventClosed, Err: apperrors.ErrSubscriptionOverrun}:
		default:
		}
		close(s.queue)
	}
}

// Events returns the channel the gateway reads frames from.
func (s *Subscription) Events() <-chan Event { return s.queue }

// closeWithEvent transitions the subscription to closed and, unless an
// overrun already did so, delivers ev to the consumer and closes the
// queue so a range over Events() terminates. Safe to call more than
// once: a second call finds state already closed and does nothing.
func (s *Subscription) closeWithEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	select {
	case s.queue <- ev:
	default:
	}
	close(s.queue)
}

// Manager owns the subscription registry for one storage adapter /
// change feed pair.
type Manager struct {
	adapter storage.Adapter
	feed    *changefeed.Feed
	log     *logger.Logger
	queueCap int

	mu   sync.Mutex
	subs map[string]*Subscription
}

func NewManager(adapter storage.Adapter, feed *changefeed.Feed, queueCap int, log *logger.Logger) *Manager {
	return &Manager{adapter: adapter, feed: feed, log: log, queueCap: queueCap, subs: make(map[string]*Subscription)}
}

// Open creates and starts a subscription for plan (whose Terminal must
// be planner.TermChanges). The returned Subscription is already
// streaming internally; Events() yields snapshot rows first, an
// EventSnapshotDone marker, then an ordered change stream.
func (m *Manager) Open(ctx context.Context, sessionID string, plan *planner.Plan, dialect sqlcompile.Dialect) (*Subscription, error) {
	sub := &Subscription{
		ID:         nextID(),
		SessionID:  sessionID,
		Collection: plan.Collection,
		Plan:       plan,
		state:      StateInitializing,
		queue:      make(chan Event, m.queueCap),
	}

	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.mu.Unlock()

	watermark := m.feed.Subscribe(plan.Collection, sub)

	compiled, err := sqlcompile.CompileList(plan, dialect)
	if err != nil {
		m.Close(sub.ID)
		return nil, err
	}
	rows, err := m.adapter.List(ctx, compiled.SQL, compiled.Params)
	if err != nil {
		m.Close(sub.ID)
		return nil, err
	}

	for i := range rows {
		if plan.HasResidual() && !evalexpr.Eval(plan.Filter, rows[i].Data) {
			continue
		}
		sub.enqueue(Event{Kind: EventSnapshotRow, Doc: &rows[i]})
	}
	sub.enqueue(Event{Kind: EventSnapshotDone})

	sub.mu.Lock()
	pending := sub.pending
	sub.pending = nil
	if sub.state == StateInitializing {
		sub.state = StateStreaming
	}
	sub.mu.Unlock()

	for _, rec := range pending {
		if rec.Seq <= watermark {
			continue
		}
		sub.deliverFiltered(rec)
	}

	if m.log != nil {
		m.log.Debug("subscriptions: opened %s on %s for session %s", sub.ID, plan.Collection, sessionID)
	}
	return sub, nil
}

// Close tears down a subscription by id, unregistering it from the feed
// and delivering a terminal EventClosed so the gateway's pump goroutine
// observes the end of the stream and can emit an unsubscribed frame
// instead of blocking on Events() forever. Safe to call more than once.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.feed.Unsubscribe(sub.Collection, sub)
	sub.closeWithEvent(Event{Kind: EventClosed})
}

// CloseSession tears down every subscription owned by sessionID, used
// when a gateway connection closes (spec §6's cascade-cancel rule).
func (m *Manager) CloseSession(sessionID string) {
	m.mu.Lock()
	var ids []string
	for id, sub := range m.subs {
		if sub.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id)
	}
}
