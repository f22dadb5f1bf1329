package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
	"github.com/jmerrifield20/evidencechain/internal/evidence/repository"
)

// ── Helpers ───────────────────────────────────────────────────────────────

func startNotifier(t *testing.T, store *repository.MemoryStore, cfg Config) *Notifier {
	t.Helper()
	n := New(store, cfg, zap.NewNop())
	store.OnCommit(n.Wake)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := n.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return n
}

var receiptSeq int

func insertEvidence(t *testing.T, store *repository.MemoryStore, name string) *model.EvidenceRecord {
	t.Helper()
	receiptSeq++
	rec, err := store.InsertEvidence(context.Background(), model.NewEvidence{
		ContentHash:       "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG",
		Metadata:          model.Metadata{model.MetaName: name},
		SubmitterIdentity: "0xAbCd000000000000000000000000000000000001",
		LedgerReceipt:     fmt.Sprintf("0xtx-%d", receiptSeq),
	})
	if err != nil {
		t.Fatalf("InsertEvidence: %v", err)
	}
	return rec
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription closed: %v", sub.Err())
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

// ── Tests ─────────────────────────────────────────────────────────────────

func TestSubscribe_snapshotThenLive(t *testing.T) {
	store := repository.NewMemoryStore()
	for i := 0; i < 3; i++ {
		insertEvidence(t, store, fmt.Sprintf("before-%d", i))
	}
	n := startNotifier(t, store, Config{PollInterval: time.Hour})

	sub, err := n.Subscribe(context.Background(), model.KindEvidence)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	if len(sub.Snapshot) != 3 {
		t.Fatalf("snapshot = %d events, want 3", len(sub.Snapshot))
	}
	for i := 1; i < len(sub.Snapshot); i++ {
		if sub.Snapshot[i].Seq <= sub.Snapshot[i-1].Seq {
			t.Errorf("snapshot not in seq order at %d", i)
		}
	}

	live := insertEvidence(t, store, "after")
	e := next(t, sub)
	if e.ID != live.ID || e.Type != EventInserted || e.Kind != model.KindEvidence {
		t.Errorf("live event = %+v, want insert of %s", e, live.ID)
	}

	view := NewView(sub.Snapshot)
	view.Apply(e)
	if view.Len() != 4 {
		t.Errorf("view has %d records, want 4", view.Len())
	}
}

func TestSubscribe_liveEventsInCommitOrder(t *testing.T) {
	store := repository.NewMemoryStore()
	n := startNotifier(t, store, Config{PollInterval: time.Hour, BatchSize: 2})

	sub, err := n.Subscribe(context.Background(), model.KindEvidence)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	var want []string
	for i := 0; i < 7; i++ {
		want = append(want, insertEvidence(t, store, fmt.Sprint(i)).ID.String())
	}
	for i, id := range want {
		e := next(t, sub)
		if e.ID.String() != id {
			t.Fatalf("event %d = %s, want %s", i, e.ID, id)
		}
	}
}

func TestSubscribe_kindsAreSeparate(t *testing.T) {
	store := repository.NewMemoryStore()
	n := startNotifier(t, store, Config{PollInterval: time.Hour})

	cases, err := n.Subscribe(context.Background(), model.KindCase)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cases.Close()

	insertEvidence(t, store, "ignored")
	c, err := store.InsertCase(context.Background(), model.CreateCaseRequest{CaseNumber: "CASE-1", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	e := next(t, cases)
	if e.ID != c.ID || e.Kind != model.KindCase {
		t.Errorf("event = %+v, want case %s", e, c.ID)
	}
}

func TestSubscribe_pollPicksUpMissedWakeups(t *testing.T) {
	store := repository.NewMemoryStore()
	n := New(store, Config{PollInterval: 10 * time.Millisecond}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx) //nolint:errcheck

	sub, err := n.Subscribe(ctx, model.KindEvidence)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// No commit hook registered: only the poll ticker can find this.
	rec := insertEvidence(t, store, "polled")
	if e := next(t, sub); e.ID != rec.ID {
		t.Errorf("event = %s, want %s", e.ID, rec.ID)
	}
}

func TestSubscribe_lagDropsSubscriber(t *testing.T) {
	store := repository.NewMemoryStore()
	n := startNotifier(t, store, Config{PollInterval: time.Hour, Buffer: 2})

	sub, err := n.Subscribe(context.Background(), model.KindEvidence)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for i := 0; i < 5; i++ {
		insertEvidence(t, store, fmt.Sprint(i))
	}

	deadline := time.Now().Add(2 * time.Second)
	for n.Subscribers(model.KindEvidence) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("lagging subscriber was not dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for range sub.Events() {
	}
	if !errors.Is(sub.Err(), ErrLagged) {
		t.Fatalf("Err = %v, want ErrLagged", sub.Err())
	}

	// Resubscribing yields a fresh, complete snapshot.
	again, err := n.Subscribe(context.Background(), model.KindEvidence)
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	defer again.Close()
	if len(again.Snapshot) != 5 {
		t.Errorf("fresh snapshot = %d, want 5", len(again.Snapshot))
	}
}

func TestSubscribe_contextCancelEndsSubscription(t *testing.T) {
	store := repository.NewMemoryStore()
	n := startNotifier(t, store, Config{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := n.Subscribe(ctx, model.KindEvidence)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	if !errors.Is(sub.Err(), context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", sub.Err())
	}
	sub.Close()
}

func TestSubscribe_unknownKind(t *testing.T) {
	n := New(repository.NewMemoryStore(), Config{}, zap.NewNop())
	if _, err := n.Subscribe(context.Background(), model.Kind("contact")); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestRun_stopClosesSubscribers(t *testing.T) {
	store := repository.NewMemoryStore()
	n := New(store, Config{PollInterval: time.Hour}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = n.Run(ctx) }()

	sub, err := n.Subscribe(context.Background(), model.KindEvidence)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()
	<-done

	if _, ok := <-sub.Events(); ok {
		t.Fatal("unexpected event")
	}
	if !errors.Is(sub.Err(), ErrStopped) {
		t.Errorf("Err = %v, want ErrStopped", sub.Err())
	}
	if _, err := n.Subscribe(context.Background(), model.KindEvidence); !errors.Is(err, ErrStopped) {
		t.Errorf("Subscribe after stop = %v, want ErrStopped", err)
	}
}

// recordingSink collects delivered events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestSink_receivesInsertsAfterStart(t *testing.T) {
	store := repository.NewMemoryStore()
	insertEvidence(t, store, "before start")

	n := New(store, Config{PollInterval: time.Hour}, zap.NewNop())
	sink := &recordingSink{}
	n.AddSink(sink)
	store.OnCommit(n.Wake)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx) //nolint:errcheck
	<-n.ready

	rec := insertEvidence(t, store, "after start")
	c, err := store.InsertCase(context.Background(), model.CreateCaseRequest{CaseNumber: "CASE-2", Title: "t"})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := sink.snapshot()
	if len(got) != 2 {
		t.Fatalf("sink got %d events, want 2", len(got))
	}
	ids := map[string]bool{got[0].ID.String(): true, got[1].ID.String(): true}
	if !ids[rec.ID.String()] || !ids[c.ID.String()] {
		t.Errorf("sink events = %+v", got)
	}
}

func TestView_deduplicatesByID(t *testing.T) {
	store := repository.NewMemoryStore()
	a := insertEvidence(t, store, "a")
	b := insertEvidence(t, store, "b")
	ea := Event{Kind: model.KindEvidence, Type: EventInserted, Seq: a.Seq, ID: a.ID, Record: a}
	eb := Event{Kind: model.KindEvidence, Type: EventInserted, Seq: b.Seq, ID: b.ID, Record: b}

	v := NewView([]Event{ea})
	if !v.Apply(eb) {
		t.Error("Apply(new) = false")
	}
	if v.Apply(ea) {
		t.Error("Apply(duplicate) = true")
	}
	events := v.Events()
	if len(events) != 2 || events[0].ID != a.ID || events[1].ID != b.ID {
		t.Errorf("Events = %+v", events)
	}
}
