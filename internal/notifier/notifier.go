// Package notifier publishes record inserts to subscribers and sinks.
//
// One tailer per record kind follows the store's commit sequence and
// broadcasts every insert in seq order. A new subscriber gets a full snapshot
// followed by live events; the two may overlap, so consumers deduplicate by
// record id (see View). A subscriber that cannot keep up is dropped with
// ErrLagged and must resubscribe for a fresh snapshot.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
)

// ErrLagged is reported by Subscription.Err when the subscriber's buffer
// overflowed and it was dropped.
var ErrLagged = errors.New("subscriber fell behind the change feed")

// ErrStopped is reported by Subscription.Err when the notifier shut down.
var ErrStopped = errors.New("notifier stopped")

// EventType names what happened to a record. Records are never updated or
// deleted, so inserts are the only events.
type EventType string

const EventInserted EventType = "inserted"

// Event is one committed insert.
type Event struct {
	Kind   model.Kind `json:"kind"`
	Type   EventType  `json:"type"`
	Seq    int64      `json:"seq"`
	ID     uuid.UUID  `json:"id"`
	Record any        `json:"record"`
}

// Source is the read side of the record store the notifier tails.
// *repository.PostgresStore and *repository.MemoryStore satisfy it.
type Source interface {
	EvidenceSince(ctx context.Context, after int64, limit int) ([]*model.EvidenceRecord, error)
	CasesSince(ctx context.Context, after int64, limit int) ([]*model.CaseRecord, error)
	LatestSeq(ctx context.Context, kind model.Kind) (int64, error)
}

// Metrics receives notifier events.
type Metrics interface {
	EventPublished(kind model.Kind)
	SubscriberLagged(kind model.Kind)
	SubscribersChanged(kind model.Kind, n int)
	SinkDelivered(sink string, err error)
}

type nopMetrics struct{}

func (nopMetrics) EventPublished(model.Kind)          {}
func (nopMetrics) SubscriberLagged(model.Kind)        {}
func (nopMetrics) SubscribersChanged(model.Kind, int) {}
func (nopMetrics) SinkDelivered(string, error)        {}

// Config tunes the notifier.
type Config struct {
	// PollInterval bounds how stale the feed can get when a wakeup is missed.
	PollInterval time.Duration
	// Buffer is each subscriber's channel capacity.
	Buffer int
	// BatchSize caps the rows fetched per query.
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	return c
}

var kinds = []model.Kind{model.KindEvidence, model.KindCase}

// Notifier tails the record store and fans inserts out.
type Notifier struct {
	src     Source
	cfg     Config
	metrics Metrics
	logger  *zap.Logger

	wake  map[model.Kind]chan struct{}
	ready chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	subs    map[model.Kind]map[*Subscription]struct{}
	sinks   []*sinkWorker
	stopped bool
}

// New creates a Notifier. Call Run to start it.
func New(src Source, cfg Config, logger *zap.Logger) *Notifier {
	n := &Notifier{
		src:     src,
		cfg:     cfg.withDefaults(),
		metrics: nopMetrics{},
		logger:  logger,
		wake:    make(map[model.Kind]chan struct{}, len(kinds)),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		subs:    make(map[model.Kind]map[*Subscription]struct{}, len(kinds)),
	}
	for _, k := range kinds {
		n.wake[k] = make(chan struct{}, 1)
		n.subs[k] = make(map[*Subscription]struct{})
	}
	return n
}

// SetMetrics attaches a metrics sink.
func (n *Notifier) SetMetrics(m Metrics) {
	if m != nil {
		n.metrics = m
	}
}

// AddSink registers a sink. Sinks added after Run has started are ignored.
func (n *Notifier) AddSink(s Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinks = append(n.sinks, newSinkWorker(s))
}

// Wake tells the tailer for kind that new rows may be committed. It never
// blocks and is safe to use as a store commit hook or LISTEN callback.
func (n *Notifier) Wake(kind model.Kind) {
	if ch, ok := n.wake[kind]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	n.mu.Lock()
	sinks := n.sinks
	n.mu.Unlock()
	for _, w := range sinks {
		w.poke()
	}
}

// Run tails every kind and drives the sinks until ctx is done. Subscribe
// blocks until Run has read the starting cursors.
func (n *Notifier) Run(ctx context.Context) error {
	cursors := make(map[model.Kind]int64, len(kinds))
	for _, k := range kinds {
		seq, err := n.src.LatestSeq(ctx, k)
		if err != nil {
			return fmt.Errorf("notifier: read %s cursor: %w", k, err)
		}
		cursors[k] = seq
	}

	n.mu.Lock()
	sinks := n.sinks
	n.mu.Unlock()

	var wg sync.WaitGroup
	for _, k := range kinds {
		wg.Add(1)
		go func(kind model.Kind, cursor int64) {
			defer wg.Done()
			n.tail(ctx, kind, cursor)
		}(k, cursors[k])
	}
	for _, w := range sinks {
		wg.Add(1)
		go func(w *sinkWorker) {
			defer wg.Done()
			w.run(ctx, n, cursors)
		}(w)
	}
	close(n.ready)
	n.logger.Info("change notifier started",
		zap.Int64("evidence_seq", cursors[model.KindEvidence]),
		zap.Int64("case_seq", cursors[model.KindCase]),
		zap.Int("sinks", len(sinks)),
	)

	wg.Wait()
	n.stop()
	return nil
}

func (n *Notifier) tail(ctx context.Context, kind model.Kind, cursor int64) {
	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.wake[kind]:
		case <-ticker.C:
		}
		cursor = n.drain(ctx, kind, cursor, n.broadcast)
	}
}

// drain fetches everything after cursor in batches, hands each event to fn in
// seq order and returns the new cursor. Fetch errors leave the cursor where it
// stopped; the next wakeup retries.
func (n *Notifier) drain(ctx context.Context, kind model.Kind, cursor int64, fn func(Event)) int64 {
	for {
		events, err := n.fetch(ctx, kind, cursor, n.cfg.BatchSize)
		if err != nil {
			if ctx.Err() == nil {
				n.logger.Warn("change feed fetch failed", zap.String("kind", string(kind)), zap.Error(err))
			}
			return cursor
		}
		for _, e := range events {
			fn(e)
			cursor = e.Seq
		}
		if len(events) < n.cfg.BatchSize {
			return cursor
		}
	}
}

func (n *Notifier) fetch(ctx context.Context, kind model.Kind, after int64, limit int) ([]Event, error) {
	switch kind {
	case model.KindEvidence:
		recs, err := n.src.EvidenceSince(ctx, after, limit)
		if err != nil {
			return nil, err
		}
		out := make([]Event, 0, len(recs))
		for _, r := range recs {
			out = append(out, Event{Kind: kind, Type: EventInserted, Seq: r.Seq, ID: r.ID, Record: r})
		}
		return out, nil
	case model.KindCase:
		recs, err := n.src.CasesSince(ctx, after, limit)
		if err != nil {
			return nil, err
		}
		out := make([]Event, 0, len(recs))
		for _, r := range recs {
			out = append(out, Event{Kind: kind, Type: EventInserted, Seq: r.Seq, ID: r.ID, Record: r})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
}

func (n *Notifier) broadcast(e Event) {
	n.metrics.EventPublished(e.Kind)
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.subs[e.Kind] {
		select {
		case sub.events <- e:
		default:
			n.logger.Warn("dropping lagging subscriber", zap.String("kind", string(e.Kind)), zap.Int64("seq", e.Seq))
			n.metrics.SubscriberLagged(e.Kind)
			n.removeLocked(sub, ErrLagged)
		}
	}
}

// Subscribe registers for inserts of kind. The returned Subscription carries
// a snapshot of every record committed so far (seq order) and a channel of
// live inserts. Live delivery starts before the snapshot is read, so an
// insert racing the subscription can appear in both.
//
// The subscription ends when ctx is done, Close is called, the subscriber
// lags, or the notifier stops.
func (n *Notifier) Subscribe(ctx context.Context, kind model.Kind) (*Subscription, error) {
	if _, ok := n.wake[kind]; !ok {
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
	select {
	case <-n.ready:
	case <-n.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sub := &Subscription{Kind: kind, events: make(chan Event, n.cfg.Buffer), n: n}
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil, ErrStopped
	}
	n.subs[kind][sub] = struct{}{}
	count := len(n.subs[kind])
	n.mu.Unlock()
	n.metrics.SubscribersChanged(kind, count)

	snapshot, err := n.snapshot(ctx, kind)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("load %s snapshot: %w", kind, err)
	}
	sub.Snapshot = snapshot
	sub.stopWatch = context.AfterFunc(ctx, func() { n.remove(sub, ctx.Err()) })
	return sub, nil
}

func (n *Notifier) snapshot(ctx context.Context, kind model.Kind) ([]Event, error) {
	out := make([]Event, 0)
	var cursor int64
	for {
		batch, err := n.fetch(ctx, kind, cursor, n.cfg.BatchSize)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < n.cfg.BatchSize {
			return out, nil
		}
		cursor = batch[len(batch)-1].Seq
	}
}

// Subscribers returns the number of live subscriptions for kind.
func (n *Notifier) Subscribers(kind model.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[kind])
}

func (n *Notifier) remove(sub *Subscription, reason error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removeLocked(sub, reason)
}

func (n *Notifier) removeLocked(sub *Subscription, reason error) {
	if _, ok := n.subs[sub.Kind][sub]; !ok {
		return
	}
	delete(n.subs[sub.Kind], sub)
	sub.err = reason
	close(sub.events)
	n.metrics.SubscribersChanged(sub.Kind, len(n.subs[sub.Kind]))
}

func (n *Notifier) stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.stopped = true
	close(n.done)
	for _, k := range kinds {
		for sub := range n.subs[k] {
			n.removeLocked(sub, ErrStopped)
		}
	}
}
