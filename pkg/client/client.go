package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
	"github.com/jmerrifield20/evidencechain/internal/evidence/service"
	"github.com/jmerrifield20/evidencechain/internal/notifier"
)

// ErrNotFound is matched by errors.Is when the server answers 404.
var ErrNotFound = errors.New("not found")

// Record and feed types shared with the server.
type (
	EvidenceRecord = model.EvidenceRecord
	CaseRecord     = model.CaseRecord
	Metadata       = model.Metadata
	FeedEvent      = notifier.Event
	Orphan         = service.Orphan
)

// SubmitRequest is the body of a submission. Build one with NewSubmission to
// get the signature and submitter fields right.
type SubmitRequest struct {
	ContentHash string   `json:"content_hash"`
	Metadata    Metadata `json:"metadata,omitempty"`
	Signature   string   `json:"signature"`
	Submitter   string   `json:"submitter,omitempty"`
	RequestID   string   `json:"request_id,omitempty"`
}

// SubmitResult is returned by a successful SubmitEvidence.
type SubmitResult struct {
	ID            string          `json:"id"`
	LedgerReceipt string          `json:"ledger_receipt"`
	RequestID     string          `json:"request_id"`
	Record        *EvidenceRecord `json:"record"`
}

// CaseEvidence is a case with every evidence record associated with it.
type CaseEvidence struct {
	Case     *CaseRecord       `json:"case"`
	Evidence []*EvidenceRecord `json:"evidence"`
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
	// State is the pipeline state a failed submission stopped in.
	State string
	// RequestID identifies a failed submission for a retry.
	RequestID string
	// ReconciliationRequired is set when the ledger accepted the submission
	// but the record was not stored yet.
	ReconciliationRequired bool
	LedgerReceipt          string
}

func (e *APIError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("server error %d (%s): %s", e.StatusCode, e.State, e.Message)
	}
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// Is reports 404 answers as ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Retryable reports whether resubmitting with the same request id is safe
// and may succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusServiceUnavailable || e.ReconciliationRequired
}

// Client talks to an evidenced server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// streamClient has no overall timeout; feed streams stay open.
	streamClient *http.Client
	reconnect    time.Duration
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client, overriding any TLS options.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		stream := *hc
		stream.Timeout = 0
		c.streamClient = &stream
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a self-signed certificate.
func WithInsecureSkipVerify() Option {
	return WithHTTPClient(&http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		},
		Timeout: 30 * time.Second,
	})
}

// WithReconnectDelay sets the initial pause before Watch reopens a feed
// the server closed. Zero reconnects immediately.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) error {
		if d < 0 {
			return fmt.Errorf("reconnect delay must not be negative")
		}
		c.reconnect = d
		return nil
	}
}

// New creates a Client for the server at baseURL.
//
//	c, err := client.New("http://localhost:8080")
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	c := &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
		reconnect:    500 * time.Millisecond,
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// SubmitEvidence runs one submission through the server's pipeline. On
// failure the error is an *APIError carrying the request id to retry with.
func (c *Client) SubmitEvidence(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	var out SubmitResult
	if err := c.call(ctx, http.MethodPost, "/evidence", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListEvidence returns evidence newest first. A non-empty submitter filters
// by submitter address.
func (c *Client) ListEvidence(ctx context.Context, submitter string, limit, offset int) ([]*EvidenceRecord, error) {
	q := pageQuery(limit, offset)
	if submitter != "" {
		q.Set("submitter", submitter)
	}
	var out struct {
		Evidence []*EvidenceRecord `json:"evidence"`
	}
	if err := c.call(ctx, http.MethodGet, "/evidence", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Evidence, nil
}

// GetEvidence fetches one evidence record by ID.
func (c *Client) GetEvidence(ctx context.Context, id string) (*EvidenceRecord, error) {
	var out struct {
		Evidence *EvidenceRecord `json:"evidence"`
	}
	if err := c.call(ctx, http.MethodGet, "/evidence/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Evidence, nil
}

// CreateCase creates a case. A taken case number fails with a 409 APIError.
func (c *Client) CreateCase(ctx context.Context, req model.CreateCaseRequest) (*CaseRecord, error) {
	var out struct {
		Case *CaseRecord `json:"case"`
	}
	if err := c.call(ctx, http.MethodPost, "/cases", nil, req, &out); err != nil {
		return nil, err
	}
	return out.Case, nil
}

// ListCases returns cases newest first.
func (c *Client) ListCases(ctx context.Context, limit, offset int) ([]*CaseRecord, error) {
	var out struct {
		Cases []*CaseRecord `json:"cases"`
	}
	if err := c.call(ctx, http.MethodGet, "/cases", pageQuery(limit, offset), nil, &out); err != nil {
		return nil, err
	}
	return out.Cases, nil
}

// GetCaseByNumber fetches a case by its case number.
func (c *Client) GetCaseByNumber(ctx context.Context, number string) (*CaseRecord, error) {
	var out struct {
		Case *CaseRecord `json:"case"`
	}
	if err := c.call(ctx, http.MethodGet, "/cases/by-number/"+url.PathEscape(number), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Case, nil
}

// VerifyCase fetches a case and the evidence associated with it.
func (c *Client) VerifyCase(ctx context.Context, number string) (*CaseEvidence, error) {
	var out CaseEvidence
	path := "/cases/by-number/" + url.PathEscape(number) + "/evidence"
	if err := c.call(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOrphans returns ledger-accepted submissions still waiting to be stored.
func (c *Client) ListOrphans(ctx context.Context) ([]Orphan, error) {
	var out struct {
		Orphans []Orphan `json:"orphans"`
	}
	if err := c.call(ctx, http.MethodGet, "/reconciliation/orphans", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Orphans, nil
}

// Reconcile asks the server for one reconciliation pass now.
func (c *Client) Reconcile(ctx context.Context) (*service.ReconcileReport, error) {
	var out service.ReconcileReport
	if err := c.call(ctx, http.MethodPost, "/reconciliation/run", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func pageQuery(limit, offset int) url.Values {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	return q
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := c.baseURL + "/api/v1" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// call sends reqBody as JSON (when non-nil) and decodes a 2xx answer into
// respBody.
func (c *Client) call(ctx context.Context, method, path string, q url.Values, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	raw, err := c.do(req)
	if err != nil {
		return err
	}
	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(raw, respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do executes an HTTP request and turns non-2xx answers into *APIError.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, apiError(resp.StatusCode, body)
	}
	return body, nil
}

func apiError(status int, body []byte) *APIError {
	var payload struct {
		Error                  string `json:"error"`
		State                  string `json:"state"`
		RequestID              string `json:"request_id"`
		ReconciliationRequired bool   `json:"reconciliation_required"`
		LedgerReceipt          string `json:"ledger_receipt"`
	}
	e := &APIError{StatusCode: status}
	if json.Unmarshal(body, &payload) != nil || payload.Error == "" {
		e.Message = string(bytes.TrimSpace(body))
		return e
	}
	e.Message = payload.Error
	e.State = payload.State
	e.RequestID = payload.RequestID
	e.ReconciliationRequired = payload.ReconciliationRequired
	e.LedgerReceipt = payload.LedgerReceipt
	return e
}
