package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/kartikbazzad/reactivedoc/internal/apperrors"
	"github.com/kartikbazzad/reactivedoc/internal/config"
	"github.com/kartikbazzad/reactivedoc/internal/evalexpr"
	"github.com/kartikbazzad/reactivedoc/internal/logger"
	"github.com/kartikbazzad/reactivedoc/internal/metrics"
	"github.com/kartikbazzad/reactivedoc/internal/planner"
	"github.com/kartikbazzad/reactivedoc/internal/queryparser"
	"github.com/kartikbazzad/reactivedoc/internal/sqlcompile"
	"github.com/kartikbazzad/reactivedoc/internal/storage"
	"github.com/kartikbazzad/reactivedoc/internal/subscriptions"
	"github.com/kartikbazzad/reactivedoc/internal/types"
)

// session owns one client connection: the decode/dispatch/correlate/
// write loop of C7, plus the subscriptions it opened.
type session struct {
	id      string
	conn    net.Conn
	cfg     *config.Config
	adapter storage.Adapter
	subs    *subscriptions.Manager
	log     *logger.Logger
	metrics *metrics.Registry
	limiter *rate.Limiter

	writeMu sync.Mutex

	mu       sync.Mutex
	inflight map[string]bool
	owned    map[string]*subscriptions.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSession(id string, conn net.Conn, cfg *config.Config, adapter storage.Adapter, subs *subscriptions.Manager, log *logger.Logger, reg *metrics.Registry) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:       id,
		conn:     conn,
		cfg:      cfg,
		adapter:  adapter,
		subs:     subs,
		log:      log,
		metrics:  reg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
		inflight: make(map[string]bool),
		owned:    make(map[string]*subscriptions.Subscription),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// run drives the read loop until the connection closes or a protocol
// violation / fatal error tears the session down.
func (s *session) run() {
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
	}
	defer s.shutdown()
	for {
		frame, err := readFrame(s.conn, s.cfg.MaxFrameBytes)
		if err != nil {
			return
		}
		if !s.limiter.Allow() {
			s.writeError(frame.ID, apperrors.ErrRateLimited)
			return
		}
		if err := s.claim(frame.ID, frame.Type); err != nil {
			s.writeError(frame.ID, err)
			return
		}

		s.wg.Add(1)
		go func(f InFrame) {
			defer s.wg.Done()
			s.dispatch(f)
		}(frame)
	}
}

// claim marks a correlation id in-flight, rejecting reuse of an id still
// awaiting its terminal frame (spec §4.7).
func (s *session) claim(id, frameType string) error {
	if frameType == TypeUnsubscribe {
		// The id names an open subscription, which is itself in flight.
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] {
		return fmt.Errorf("%w: id %q already in flight", apperrors.ErrProtocolViolation, id)
	}
	// subscribe/unsubscribe clear inflight themselves on terminal frames;
	// everything else is single-shot and cleared right after dispatch.
	s.inflight[id] = true
	return nil
}

func (s *session) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *session) dispatch(f InFrame) {
	if s.metrics != nil {
		s.metrics.OperationsTotal.WithLabelValues(f.Type).Inc()
		timer := prometheus.NewTimer(s.metrics.OperationLatency.WithLabelValues(f.Type))
		defer timer.ObserveDuration()
	}
	switch f.Type {
	case TypeQuery:
		defer s.release(f.ID)
		s.handleQuery(f)
	case TypeSubscribe:
		s.handleSubscribe(f) // releases inflight on close, not here
	case TypeUnsubscribe:
		defer s.release(f.ID)
		s.handleUnsubscribe(f)
	case TypeInsert:
		defer s.release(f.ID)
		s.handleInsert(f)
	case TypeUpdate:
		defer s.release(f.ID)
		s.handleUpdate(f)
	case TypeDelete:
		defer s.release(f.ID)
		s.handleDelete(f)
	case TypeListCollections:
		defer s.release(f.ID)
		s.handleListCollections(f)
	case TypePing:
		defer s.release(f.ID)
		s.write(OutFrame{Type: TypePong, ID: f.ID})
	default:
		defer s.release(f.ID)
		s.writeError(f.ID, fmt.Errorf("%w: unknown frame type %q", apperrors.ErrProtocolViolation, f.Type))
	}
}

func (s *session) write(frame OutFrame) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := writeFrame(s.conn, frame); err != nil && s.log != nil {
		s.log.Debug("gateway: write failed for session %s: %v", s.id, err)
	}
}

func (s *session) writeError(id string, err error) {
	kind := apperrors.WireType(err)
	if s.metrics != nil {
		s.metrics.OperationErrors.WithLabelValues(kind).Inc()
	}
	s.write(OutFrame{Type: TypeError, ID: id, Error: kind})
}

func (s *session) queryDeadlineCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.cfg.QueryDeadline())
}

func (s *session) handleQuery(f InFrame) {
	plan, err := queryparser.Parse(f.Query)
	if err != nil {
		s.writeError(f.ID, err)
		return
	}
	ctx, cancel := s.queryDeadlineCtx()
	defer cancel()

	switch plan.Terminal {
	case planner.TermList:
		docs, err := s.runList(ctx, plan)
		if err != nil {
			s.writeError(f.ID, err)
			return
		}
		s.write(OutFrame{Type: TypeResult, ID: f.ID, Data: docsToWire(docs)})
	case planner.TermGet:
		doc, err := s.adapter.Get(ctx, plan.Collection, plan.DocumentID)
		if err != nil {
			s.writeError(f.ID, err)
			return
		}
		s.write(OutFrame{Type: TypeResult, ID: f.ID, Data: doc.MarshalWire()})
	case planner.TermInsert:
		doc, err := s.adapter.Insert(ctx, plan.Collection, plan.Payload)
		if err != nil {
			s.writeError(f.ID, err)
			return
		}
		s.write(OutFrame{Type: TypeResult, ID: f.ID, Data: doc.MarshalWire()})
	case planner.TermUpdate:
		doc, err := s.adapter.Update(ctx, plan.Collection, plan.DocumentID, plan.Payload)
		if err != nil {
			s.writeError(f.ID, err)
			return
		}
		s.write(OutFrame{Type: TypeResult, ID: f.ID, Data: doc.MarshalWire()})
	case planner.TermDelete:
		doc, err := s.adapter.Delete(ctx, plan.Collection, plan.DocumentID)
		if err != nil {
			s.writeError(f.ID, err)
			return
		}
		s.write(OutFrame{Type: TypeResult, ID: f.ID, Data: doc.MarshalWire()})
	case planner.TermChanges:
		s.writeError(f.ID, fmt.Errorf("%w: use a subscribe frame for changes()", apperrors.ErrBadTerminal))
	default:
		s.writeError(f.ID, fmt.Errorf("%w: unhandled terminal", apperrors.ErrBadTerminal))
	}
}

func (s *session) runList(ctx context.Context, plan *planner.Plan) ([]types.Document, error) {
	compiled, err := sqlcompile.CompileList(plan, s.adapter.Dialect())
	if err != nil {
		return nil, err
	}
	docs, err := s.adapter.List(ctx, compiled.SQL, compiled.Params)
	if err != nil {
		return nil, err
	}
	if !plan.HasResidual() {
		return docs, nil
	}
	out := make([]types.Document, 0, len(docs))
	for _, d := range docs {
		if evalexpr.Eval(plan.Filter, d.Data) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *session) handleInsert(f InFrame) {
	ctx, cancel := s.queryDeadlineCtx()
	defer cancel()
	doc, err := s.adapter.Insert(ctx, f.Collection, f.Data)
	if err != nil {
		s.writeError(f.ID, err)
		return
	}
	s.write(OutFrame{Type: TypeResult, ID: f.ID, Data: doc.MarshalWire()})
}

func (s *session) handleUpdate(f InFrame) {
	ctx, cancel := s.queryDeadlineCtx()
	defer cancel()
	doc, err := s.adapter.Update(ctx, f.Collection, f.DocumentID, f.Data)
	if err != nil {
		s.writeError(f.ID, err)
		return
	}
	s.write(OutFrame{Type: TypeResult, ID: f.ID, Data: doc.MarshalWire()})
}

func (s *session) handleDelete(f InFrame) {
	ctx, cancel := s.queryDeadlineCtx()
	defer cancel()
	doc, err := s.adapter.Delete(ctx, f.Collection, f.DocumentID)
	if err != nil {
		s.writeError(f.ID, err)
		return
	}
	s.write(OutFrame{Type: TypeResult, ID: f.ID, Data: doc.MarshalWire()})
}

func (s *session) handleListCollections(f InFrame) {
	ctx, cancel := s.queryDeadlineCtx()
	defer cancel()
	stats, err := s.adapter.ListCollections(ctx)
	if err != nil {
		s.writeError(f.ID, err)
		return
	}
	s.write(OutFrame{Type: TypeResult, ID: f.ID, Data: stats})
}

func (s *session) handleSubscribe(f InFrame) {
	plan, err := queryparser.Parse(f.Query)
	if err != nil {
		s.writeError(f.ID, err)
		s.release(f.ID)
		return
	}
	if plan.Terminal != planner.TermChanges {
		s.writeError(f.ID, fmt.Errorf("%w: subscribe requires changes()", apperrors.ErrBadTerminal))
		s.release(f.ID)
		return
	}

	ctx, cancel := s.queryDeadlineCtx()
	defer cancel()
	sub, err := s.subs.Open(ctx, s.id, plan, s.adapter.Dialect())
	if err != nil {
		s.writeError(f.ID, err)
		s.release(f.ID)
		return
	}

	s.mu.Lock()
	s.owned[f.ID] = sub
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveSubscriptions.Inc()
	}

	s.write(OutFrame{Type: TypeSubscribed, ID: f.ID})

	s.wg.Add(1)
	go s.pumpSubscription(f.ID, sub)
}

// pumpSubscription is the per-subscription outbound loop: it reads
// Events off the subscription's queue and writes change frames, in the
// order the manager already guarantees (snapshot rows, then streaming).
func (s *session) pumpSubscription(frameID string, sub *subscriptions.Subscription) {
	defer s.wg.Done()
	defer s.release(frameID)
	for ev := range sub.Events() {
		switch ev.Kind {
		case subscriptions.EventSnapshotRow:
			s.write(OutFrame{Type: TypeChange, ID: frameID, Change: &ChangePayload{Type: ChangeInitial, New: ev.Doc.MarshalWire()}})
		case subscriptions.EventChange:
			s.write(OutFrame{Type: TypeChange, ID: frameID, Change: changePayloadFor(ev.Change)})
		case subscriptions.EventClosed:
			if s.metrics != nil {
				s.metrics.ActiveSubscriptions.Dec()
			}
			if ev.Err != nil {
				if s.metrics != nil {
					s.metrics.SubscriptionOverruns.Inc()
				}
				s.writeError(frameID, ev.Err)
				s.removeOwned(frameID)
				s.cancel() // overrun closes the whole session per spec §4.6
				s.conn.Close()
				return
			}
			s.write(OutFrame{Type: TypeUnsubscribed, ID: frameID})
			s.removeOwned(frameID)
			return
		case subscriptions.EventSnapshotDone:
			// no wire frame; it only flips internal lifecycle state.
		}
	}
}

func changePayloadFor(rec *types.ChangeRecord) *ChangePayload {
	cp := &ChangePayload{}
	switch rec.Op {
	case types.OpInsert:
		cp.Type = ChangeInsert
		cp.New = json.RawMessage(rec.NewPayload)
	case types.OpUpdate:
		cp.Type = ChangeUpdate
		cp.New = json.RawMessage(rec.NewPayload)
		cp.Old = json.RawMessage(rec.OldPayload)
	case types.OpDelete:
		cp.Type = ChangeDelete
		cp.Old = json.RawMessage(rec.OldPayload)
	}
	return cp
}

func (s *session) handleUnsubscribe(f InFrame) {
	s.mu.Lock()
	sub, ok := s.owned[f.ID]
	s.mu.Unlock()
	if !ok {
		s.writeError(f.ID, fmt.Errorf("%w: no such subscription", apperrors.ErrProtocolViolation))
		return
	}
	s.subs.Close(sub.ID)
}

func (s *session) removeOwned(frameID string) {
	s.mu.Lock()
	delete(s.owned, frameID)
	s.mu.Unlock()
}

func (s *session) shutdown() {
	s.cancel()
	s.subs.CloseSession(s.id)
	s.conn.Close()
	s.wg.Wait()
	if s.metrics != nil {
		s.metrics.ActiveSessions.Dec()
	}
}

func docsToWire(docs []types.Document) []map[string]any {
	out := make([]map[string]any, len(docs))
	for i, d := range docs {
		out[i] = d.MarshalWire()
	}
	return out
}
