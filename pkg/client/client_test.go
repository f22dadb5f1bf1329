package client_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencechain/internal/evidence/handler"
	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
	"github.com/jmerrifield20/evidencechain/internal/evidence/repository"
	"github.com/jmerrifield20/evidencechain/internal/evidence/service"
	"github.com/jmerrifield20/evidencechain/internal/identity"
	"github.com/jmerrifield20/evidencechain/internal/ledger"
	"github.com/jmerrifield20/evidencechain/internal/ledger/chain"
	"github.com/jmerrifield20/evidencechain/internal/notifier"
	"github.com/jmerrifield20/evidencechain/pkg/client"
)

// ── Server ───────────────────────────────────────────────────────────────

type server struct {
	url   string
	store *repository.MemoryStore
}

// startServer runs the full evidence API over an in-memory ledger and store.
func startServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryStore()
	orphans := service.NewMemoryOrphanStore()
	lc := ledger.NewLocalClient(chain.NewMemory(), time.Second, zap.NewNop())
	policy := service.DefaultRetryPolicy()
	policy.InitialBackoff = time.Millisecond
	coord := service.NewCoordinator(identity.NewVerifier(), lc, store, orphans, policy, zap.NewNop())

	n := notifier.New(store, notifier.Config{PollInterval: time.Hour}, zap.NewNop())
	store.OnCommit(n.Wake)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go n.Run(ctx) //nolint:errcheck

	r := gin.New()
	v1 := r.Group("/api/v1")
	handler.NewEvidenceHandler(coord, service.NewQueryService(store), zap.NewNop()).Register(v1)
	handler.NewCaseHandler(service.NewCaseService(store, zap.NewNop()), zap.NewNop()).Register(v1)
	handler.NewReconciliationHandler(service.NewReconciler(orphans, lc, store, 0, zap.NewNop()), zap.NewNop()).Register(v1)
	handler.NewFeedHandler(n, zap.NewNop()).Register(v1)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &server{url: srv.URL, store: store}
}

func newSigner(t *testing.T) *client.Signer {
	t.Helper()
	s, err := client.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func submission(t *testing.T, s *client.Signer, content, caseNumber string) client.SubmitRequest {
	t.Helper()
	hash, err := model.ContentHashOf([]byte(content))
	if err != nil {
		t.Fatal(err)
	}
	req, err := s.NewSubmission(hash, client.Metadata{"name": content, "case_number": caseNumber})
	if err != nil {
		t.Fatal(err)
	}
	return req
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestNew_rejectsRelativeURL(t *testing.T) {
	if _, err := client.New("localhost:8080/api"); err == nil {
		t.Error("expected error for URL without scheme")
	}
	if _, err := client.New("http://localhost:8080", client.WithReconnectDelay(-1)); err == nil {
		t.Error("expected error for negative reconnect delay")
	}
}

func TestSubmitEvidence_success(t *testing.T) {
	srv := startServer(t)
	c := client.MustNew(srv.url)
	s := newSigner(t)

	res, err := c.SubmitEvidence(context.Background(), submission(t, s, "photo.jpg", "CASE-1"))
	if err != nil {
		t.Fatalf("SubmitEvidence: %v", err)
	}
	if !strings.HasPrefix(res.LedgerReceipt, "0x") {
		t.Errorf("receipt = %q", res.LedgerReceipt)
	}
	if res.Record.SubmitterIdentity != s.Address() {
		t.Errorf("submitter = %s, want %s", res.Record.SubmitterIdentity, s.Address())
	}

	got, err := c.GetEvidence(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("GetEvidence: %v", err)
	}
	if got.ContentHash != res.Record.ContentHash {
		t.Errorf("content hash = %s", got.ContentHash)
	}
}

func TestSubmitEvidence_retryWithSameRequestIsIdempotent(t *testing.T) {
	srv := startServer(t)
	c := client.MustNew(srv.url)
	req := submission(t, newSigner(t), "doc.pdf", "")

	first, err := c.SubmitEvidence(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.SubmitEvidence(context.Background(), req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if first.ID != second.ID || first.LedgerReceipt != second.LedgerReceipt {
		t.Errorf("retry created a new record: %+v vs %+v", first, second)
	}

	all, err := c.ListEvidence(context.Background(), "", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("records = %d, want 1", len(all))
	}
}

func TestSubmitEvidence_identityMismatch(t *testing.T) {
	srv := startServer(t)
	c := client.MustNew(srv.url)
	req := submission(t, newSigner(t), "audio.wav", "")
	req.Submitter = newSigner(t).Address()

	_, err := c.SubmitEvidence(context.Background(), req)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", apiErr.StatusCode)
	}
	if apiErr.State != string(service.StateRejected) || apiErr.RequestID == "" {
		t.Errorf("state = %q, request id = %q", apiErr.State, apiErr.RequestID)
	}
	if apiErr.Retryable() {
		t.Error("a rejected submission must not be retryable")
	}
}

func TestGetEvidence_notFound(t *testing.T) {
	srv := startServer(t)
	c := client.MustNew(srv.url)

	_, err := c.GetEvidence(context.Background(), uuid.NewString())
	if !errors.Is(err, client.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListEvidence_bySubmitter(t *testing.T) {
	srv := startServer(t)
	c := client.MustNew(srv.url)
	alice, bob := newSigner(t), newSigner(t)
	ctx := context.Background()

	for _, req := range []client.SubmitRequest{
		submission(t, alice, "a1", ""),
		submission(t, alice, "a2", ""),
		submission(t, bob, "b1", ""),
	} {
		if _, err := c.SubmitEvidence(ctx, req); err != nil {
			t.Fatal(err)
		}
	}

	got, err := c.ListEvidence(ctx, strings.ToLower(alice.Address()), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("alice records = %d, want 2", len(got))
	}
	if got[0].Metadata.Name() != "a2" {
		t.Errorf("first = %q, want newest (a2)", got[0].Metadata.Name())
	}

	_, err = c.ListEvidence(ctx, "not-an-address", 10, 0)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("err = %v, want 400", err)
	}
}

func TestCases_createAndVerify(t *testing.T) {
	srv := startServer(t)
	c := client.MustNew(srv.url)
	s := newSigner(t)
	ctx := context.Background()

	created, err := c.CreateCase(ctx, model.CreateCaseRequest{CaseNumber: "CASE-7", Title: "Burglary"})
	if err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	_, err = c.CreateCase(ctx, model.CreateCaseRequest{CaseNumber: "CASE-7", Title: "again"})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Errorf("duplicate err = %v, want 409", err)
	}

	if _, err := c.SubmitEvidence(ctx, submission(t, s, "frame.png", "CASE-7")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SubmitEvidence(ctx, submission(t, s, "other.png", "CASE-8")); err != nil {
		t.Fatal(err)
	}

	got, err := c.GetCaseByNumber(ctx, "CASE-7")
	if err != nil || got.ID != created.ID {
		t.Fatalf("GetCaseByNumber = %+v, %v", got, err)
	}
	v, err := c.VerifyCase(ctx, "CASE-7")
	if err != nil {
		t.Fatalf("VerifyCase: %v", err)
	}
	if len(v.Evidence) != 1 || v.Evidence[0].Metadata.Name() != "frame.png" {
		t.Errorf("evidence = %+v", v.Evidence)
	}

	cases, err := c.ListCases(ctx, 0, 0)
	if err != nil || len(cases) != 1 {
		t.Errorf("ListCases = %d, %v", len(cases), err)
	}
}

func TestReconcile_emptyQueue(t *testing.T) {
	srv := startServer(t)
	c := client.MustNew(srv.url)

	orphans, err := c.ListOrphans(context.Background())
	if err != nil || len(orphans) != 0 {
		t.Fatalf("ListOrphans = %v, %v", orphans, err)
	}
	report, err := c.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Resolved != 0 || report.Pending != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestAPIError_plainTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := client.MustNew(srv.URL).ListCases(context.Background(), 0, 0)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "upstream down" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

// ── Watch ────────────────────────────────────────────────────────────────

var errDone = errors.New("done")

func TestWatch_snapshotThenLive(t *testing.T) {
	srv := startServer(t)
	c := client.MustNew(srv.url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.CreateCase(ctx, model.CreateCaseRequest{CaseNumber: "CASE-1", Title: "first"}); err != nil {
		t.Fatal(err)
	}

	var seen []string
	err := c.Watch(ctx, "case", func(e client.FeedEvent) error {
		rec, err := client.DecodeCase(e)
		if err != nil {
			return err
		}
		seen = append(seen, rec.CaseNumber)
		if len(seen) == 1 {
			go func() {
				_, _ = srv.store.InsertCase(context.Background(), model.CreateCaseRequest{CaseNumber: "CASE-2", Title: "second"})
			}()
			return nil
		}
		return errDone
	})
	if !errors.Is(err, errDone) {
		t.Fatalf("Watch = %v, want errDone", err)
	}
	if len(seen) != 2 || seen[0] != "CASE-1" || seen[1] != "CASE-2" {
		t.Errorf("seen = %v", seen)
	}
}

func TestWatch_unknownKindIsPermanent(t *testing.T) {
	srv := startServer(t)
	c := client.MustNew(srv.url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Watch(ctx, "agents", func(client.FeedEvent) error { return nil })
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("Watch = %v, want 400", err)
	}
}

// feedEvent renders one SSE event carrying an evidence record.
func feedEvent(seq int64, id uuid.UUID) string {
	return fmt.Sprintf(`{"kind":"evidence","type":"inserted","seq":%d,"id":%q,"record":{"id":%q,"seq":%d}}`, seq, id, id, seq)
}

func TestWatch_reconnectsAfterLagWithoutDuplicates(t *testing.T) {
	id1, id2, id3 := uuid.New(), uuid.New(), uuid.New()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		switch conns.Add(1) {
		case 1:
			fmt.Fprintf(w, "event:snapshot\ndata:%s\n\n", feedEvent(1, id1))
			fmt.Fprintf(w, "event:snapshot-end\ndata:{\"count\":1}\n\n")
			fmt.Fprintf(w, "event:ping\ndata:1\n\n")
			fmt.Fprintf(w, "event:lagged\ndata:{\"error\":\"lagged\"}\n\n")
		default:
			fmt.Fprintf(w, "event:snapshot\ndata:%s\n\n", feedEvent(1, id1))
			fmt.Fprintf(w, "event:snapshot\ndata:%s\n\n", feedEvent(2, id2))
			fmt.Fprintf(w, "event:snapshot-end\ndata:{\"count\":2}\n\n")
			fmt.Fprintf(w, "event:inserted\ndata:%s\n\n", feedEvent(3, id3))
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		}
	}))
	defer srv.Close()

	c := client.MustNew(srv.URL, client.WithReconnectDelay(0))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []int64
	err := c.Watch(ctx, "evidence", func(e client.FeedEvent) error {
		rec, err := client.DecodeEvidence(e)
		if err != nil {
			return err
		}
		seen = append(seen, rec.Seq)
		if len(seen) == 3 {
			return errDone
		}
		return nil
	})
	if !errors.Is(err, errDone) {
		t.Fatalf("Watch = %v, want errDone", err)
	}
	if fmt.Sprint(seen) != "[1 2 3]" {
		t.Errorf("seen = %v, want [1 2 3]", seen)
	}
	if conns.Load() != 2 {
		t.Errorf("connections = %d, want 2", conns.Load())
	}
}

func TestWatchOnce_snapshotLargerThanOneLine(t *testing.T) {
	// 180 records of ~100 KiB: the whole snapshot is over the 16 MiB line
	// bound, each event is well under it.
	const records = 180
	name := strings.Repeat("x", 100<<10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 1; i <= records; i++ {
			id := uuid.New()
			fmt.Fprintf(w, "event:snapshot\ndata:{\"kind\":\"evidence\",\"type\":\"inserted\",\"seq\":%d,\"id\":%q,\"record\":{\"id\":%q,\"seq\":%d,\"metadata\":{\"name\":%q}}}\n\n",
				i, id, id, i, name)
		}
		fmt.Fprintf(w, "event:snapshot-end\ndata:{\"count\":%d}\n\n", records)
	}))
	defer srv.Close()

	var got int
	err := client.MustNew(srv.URL).WatchOnce(context.Background(), "evidence", func(e client.FeedEvent) error {
		rec, err := client.DecodeEvidence(e)
		if err != nil {
			return err
		}
		if rec.Metadata.Name() != name {
			t.Errorf("record %d lost its metadata", rec.Seq)
		}
		got++
		return nil
	})
	if err != nil {
		t.Fatalf("WatchOnce: %v", err)
	}
	if got != records {
		t.Errorf("delivered %d records, want %d", got, records)
	}
}

func TestWatchOnce_returnsLagged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event:snapshot-end\ndata:{\"count\":0}\n\nevent:lagged\ndata:{}\n\n")
	}))
	defer srv.Close()

	err := client.MustNew(srv.URL).WatchOnce(context.Background(), "evidence", func(client.FeedEvent) error { return nil })
	if !errors.Is(err, client.ErrLagged) {
		t.Errorf("WatchOnce = %v, want ErrLagged", err)
	}
}

// ── Signer ───────────────────────────────────────────────────────────────

func TestSigner_saveAndLoad(t *testing.T) {
	s := newSigner(t)
	path := t.TempDir() + "/keys/key.hex"
	if err := s.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := client.LoadSigner(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Address() != s.Address() {
		t.Errorf("address = %s, want %s", loaded.Address(), s.Address())
	}

	sig, err := loaded.Sign("QmHash")
	if err != nil {
		t.Fatal(err)
	}
	raw, err := identity.ParseSignature(sig)
	if err != nil {
		t.Fatal(err)
	}
	addr, err := identity.NewVerifier().RecoverSubmitter("QmHash", raw)
	if err != nil || addr.Hex() != s.Address() {
		t.Errorf("recovered %s, %v; want %s", addr.Hex(), err, s.Address())
	}
}
