package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// HTTPClient is a Client that talks to a remote ledgerd node.
type HTTPClient struct {
	base           string
	httpClient     *http.Client
	confirmTimeout time.Duration
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// NewHTTPClient returns an HTTPClient for the node at baseURL. Submit waits at
// most confirmTimeout for the node to answer.
func NewHTTPClient(baseURL string, confirmTimeout time.Duration, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		base:           strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{},
		confirmTimeout: confirmTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit implements Client.
func (c *HTTPClient) Submit(ctx context.Context, op Operation, authorizer common.Address) (*Receipt, error) {
	if err := Validate(op, authorizer); err != nil {
		return nil, err
	}

	body, err := json.Marshal(submitOperationRequest{Operation: op, Authorizer: authorizer.Hex()})
	if err != nil {
		return nil, fmt.Errorf("marshal operation: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.base+"/api/v1/ledger/operations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build ledger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	status, respBody, err := c.do(req)
	if err != nil {
		// Once the request left this process the node may have accepted it.
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{RequestID: op.RequestID, Waited: c.confirmTimeout}
		}
		return nil, &UnavailableError{Err: err}
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		return decodeReceipt(respBody)
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		return nil, &RejectedError{Reason: errorMessage(respBody, status)}
	case status == http.StatusGatewayTimeout:
		return nil, &TimeoutError{RequestID: op.RequestID, Waited: c.confirmTimeout}
	default:
		return nil, &UnavailableError{Err: fmt.Errorf("ledger node returned HTTP %d: %s", status, errorMessage(respBody, status))}
	}
}

// Lookup implements Client.
func (c *HTTPClient) Lookup(ctx context.Context, requestID string) (*Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/api/v1/ledger/operations/"+url.PathEscape(requestID), nil)
	if err != nil {
		return nil, fmt.Errorf("build ledger request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	status, body, err := c.do(req)
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	switch status {
	case http.StatusOK:
		return decodeReceipt(body)
	case http.StatusNotFound:
		return nil, ErrReceiptNotFound
	default:
		return nil, &UnavailableError{Err: fmt.Errorf("ledger node returned HTTP %d: %s", status, errorMessage(body, status))}
	}
}

func (c *HTTPClient) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read ledger response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func decodeReceipt(body []byte) (*Receipt, error) {
	var r Receipt
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, &UnavailableError{Err: fmt.Errorf("decode receipt: %w", err)}
	}
	if !r.Accepted() {
		return nil, &UnavailableError{Err: fmt.Errorf("ledger node returned an incomplete receipt")}
	}
	return &r, nil
}

func errorMessage(body []byte, status int) string {
	var e errorResponse
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return http.StatusText(status)
}
