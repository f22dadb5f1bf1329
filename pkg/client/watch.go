package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/jmerrifield20/evidencechain/internal/notifier"
)

// ErrLagged is returned by WatchOnce when the server dropped the stream
// because the client fell behind.
var ErrLagged = notifier.ErrLagged

// Watch follows the change feed for kind ("evidence" or "case") until ctx is
// done, calling fn once per distinct record: the snapshot first, then live
// inserts. When the server drops a lagging stream Watch reconnects, and
// records replayed by the fresh snapshot are not delivered again.
//
// fn returning an error stops Watch with that error.
func (c *Client) Watch(ctx context.Context, kind string, fn func(FeedEvent) error) error {
	view := notifier.NewView(nil)
	deliver := func(e FeedEvent) error {
		if !view.Apply(e) {
			return nil
		}
		return fn(e)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.reconnect
	bo.MaxElapsedTime = 0

	op := func() error {
		err := c.WatchOnce(ctx, kind, deliver)
		var cbErr *callbackError
		var apiErr *APIError
		switch {
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.As(err, &cbErr):
			return backoff.Permanent(cbErr.err)
		case err == nil, errors.Is(err, ErrLagged):
			// The server closed the stream; reopen it.
			bo.Reset()
			return errReconnect
		case errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError:
			return backoff.Permanent(err)
		}
		return err
	}

	var b backoff.BackOff = bo
	if c.reconnect == 0 {
		b = &backoff.ZeroBackOff{}
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

var errReconnect = errors.New("feed closed by server")

type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

// WatchOnce opens one feed stream and calls fn for each snapshot record and
// each live insert, without deduplication. Snapshot records arrive one per
// event, so the snapshot size is not limited by the line bound. It returns
// ErrLagged when the server drops the stream, nil when the server ends it, or
// ctx.Err().
func (c *Client) WatchOnce(ctx context.Context, kind string, fn func(FeedEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/feed/"+kind, nil), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("open feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return apiError(resp.StatusCode, body)
	}

	err = readEvents(resp.Body, func(name string, data []byte) error {
		switch name {
		case "snapshot", string(notifier.EventInserted):
			var e FeedEvent
			if err := json.Unmarshal(data, &e); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			if err := fn(e); err != nil {
				return &callbackError{err}
			}
		case "lagged":
			return ErrLagged
		}
		return nil
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// maxEventLine bounds one SSE line. Every event carries at most one record.
const maxEventLine = 16 << 20

// readEvents parses a text/event-stream body, calling fn once per event.
func readEvents(r io.Reader, fn func(name string, data []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxEventLine)

	var (
		name string
		data bytes.Buffer
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name != "" || data.Len() > 0 {
				if err := fn(name, data.Bytes()); err != nil {
					return err
				}
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read feed: %w", err)
	}
	return nil
}

// DecodeEvidence converts the record carried by an evidence feed event.
func DecodeEvidence(e FeedEvent) (*EvidenceRecord, error) {
	var rec EvidenceRecord
	if err := remarshal(e.Record, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DecodeCase converts the record carried by a case feed event.
func DecodeCase(e FeedEvent) (*CaseRecord, error) {
	var rec CaseRecord
	if err := remarshal(e.Record, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func remarshal(in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}
