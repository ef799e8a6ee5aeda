// Package changefeed implements the change-capture producer (C2): a
// single task per store that turns OpenChangeStream's coalesced signal
// into an ordered, gap-free stream of types.ChangeRecord fan-out to
// per-collection subscribers. The change_log table is the source of
// truth; the signal channel only tells the producer "go re-read it"
// (spec §9) — this makes the feed restart-safe and exactly-once.
//
// Fan-out is adapted from bunbase's broker package: a topic (here, a
// collection name) maps to a set of subscribers. Unlike that broker,
// delivery is synchronous and in strict sequence order, since the
// ordering guarantee (spec §4.6) must hold per collection.
package changefeed

import (
	"context"
	"sync"
	"time"

	"github.com/kartikbazzad/reactivedoc/internal/logger"
	"github.com/kartikbazzad/reactivedoc/internal/storage"
	"github.com/kartikbazzad/reactivedoc/internal/types"
)

// Subscriber receives change records for a collection in ascending
// sequence order. Deliver must not block for long; a slow consumer is
// expected to apply its own bounded queue and backpressure policy.
type Subscriber interface {
	Deliver(rec types.ChangeRecord)
}

const fetchBatch = 500

// Feed is the single producer for one storage adapter.
type Feed struct {
	adapter storage.Adapter
	log     *logger.Logger

	mu   sync.RWMutex
	subs map[string]map[Subscriber]struct{}

	watermark int64
}

// New creates a feed over adapter. Call Run to start the producer loop.
func New(adapter storage.Adapter, log *logger.Logger) *Feed {
	return &Feed{
		adapter: adapter,
		log:     log,
		subs:    make(map[string]map[Subscriber]struct{}),
	}
}

// Subscribe registers sub to receive changes for collection. Returns the
// watermark in effect at registration time, for callers that need to
// establish a snapshot-then-stream boundary (spec §4.6).
func (f *Feed) Subscribe(collection string, sub Subscriber) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[collection] == nil {
		f.subs[collection] = make(map[Subscriber]struct{})
	}
	f.subs[collection][sub] = struct{}{}
	return f.watermark
}

func (f *Feed) Unsubscribe(collection string, sub Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if set := f.subs[collection]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(f.subs, collection)
		}
	}
}

// Watermark returns the highest sequence number published so far.
func (f *Feed) Watermark() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.watermark
}

// Run drives the producer loop until ctx is cancelled. It restarts with
// backoff on fetch errors rather than giving up, since the backend may
// be transiently unavailable (spec §4.2).
func (f *Feed) Run(ctx context.Context) {
	signal, err := f.adapter.OpenChangeStream(ctx)
	if err != nil {
		if f.log != nil {
			f.log.Error("changefeed: open change stream failed: %v", err)
		}
		return
	}

	if seq, err := f.adapter.HighestSequence(ctx); err == nil {
		f.mu.Lock()
		// Skip the existing log only while nobody is registered: an
		// earlier subscriber is owed every change past the watermark
		// Subscribe returned to it.
		if len(f.subs) == 0 {
			f.watermark = seq
		}
		f.mu.Unlock()
	}

	backoff := 200 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signal:
			if !ok {
				return
			}
		}

		for {
			drained, err := f.drainOnce(ctx)
			if err != nil {
				if f.log != nil {
					f.log.Warn("changefeed: drain failed: %v", err)
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = 200 * time.Millisecond
			if !drained {
				break
			}
		}
	}
}

// drainOnce fetches and publishes one batch past the current watermark.
// It returns drained=true when a full batch was read (more may remain).
func (f *Feed) drainOnce(ctx context.Context) (drained bool, err error) {
	f.mu.RLock()
	after := f.watermark
	f.mu.RUnlock()

	recs, err := f.adapter.FetchChangesSince(ctx, after, fetchBatch)
	if err != nil {
		return false, err
	}
	if len(recs) == 0 {
		return false, nil
	}

	for _, rec := range recs {
		f.publish(rec)
		f.mu.Lock()
		f.watermark = rec.Seq
		f.mu.Unlock()
	}
	return len(recs) == fetchBatch, nil
}

func (f *Feed) publish(rec types.ChangeRecord) {
	f.mu.RLock()
	set := f.subs[rec.Collection]
	subList := make([]Subscriber, 0, len(set))
	for sub := range set {
		subList = append(subList, sub)
	}
	f.mu.RUnlock()

	for _, sub := range subList {
		sub.Deliver(rec)
	}
}
