package dav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nhle/mailsync/internal/mailerr"
)

// maxErrorBody caps how much of an error response is kept for messages.
const maxErrorBody = 512

// StatusError is a non-success HTTP reply that is not mapped to a more
// specific failure type.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d on %s %s", e.Code, e.Method, e.Path)
	}
	return fmt.Sprintf("unexpected status %d on %s %s: %s", e.Code, e.Method, e.Path, e.Body)
}

// Retryable reports whether the status is a transient server failure.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500
}

// request describes one logical call; the body is replayed on retries.
type request struct {
	method  string
	path    string
	body    []byte
	headers map[string]string
}

type response struct {
	code   int
	header http.Header
	body   []byte
}

// do executes req with exponential backoff. 5xx replies and transport
// failures are retried up to maxAttempts, waiting
// initialBackoff * 2^attempt between attempts. 2xx returns at once, and
// any 4xx short-circuits with a typed error.
func (s *Session) do(ctx context.Context, req request) (*response, error) {
	var lastErr error

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := s.initialBackoff * time.Duration(1<<uint(attempt-1))
			s.log.WithField("attempt", attempt+1).
				WithField("wait", wait).
				WithError(lastErr).
				Debug("retrying request")
			if err := s.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		resp, err := s.roundTrip(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.code >= 200 && resp.code < 300 {
			return resp, nil
		}

		body := string(resp.body)
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}

		switch {
		case resp.code == http.StatusUnauthorized || resp.code == http.StatusForbidden:
			return nil, &mailerr.AuthenticationError{
				AccountID: s.accountID,
				Status:    resp.code,
				Message:   fmt.Sprintf("%s %s rejected the session credentials", req.method, req.path),
			}
		case resp.code == http.StatusNotFound:
			return nil, &mailerr.NotFoundError{Resource: "remote resource", ID: req.path}
		}

		statusErr := &StatusError{Method: req.method, Path: req.path, Code: resp.code, Body: body}
		if !statusErr.Retryable() {
			return nil, statusErr
		}
		lastErr = statusErr
	}

	s.log.WithField("attempts", s.maxAttempts).
		WithError(lastErr).
		Warn(fmt.Sprintf("%s %s failed after retries", req.method, req.path))

	return nil, &mailerr.NetworkError{
		Op:  req.method + " " + req.path,
		Err: fmt.Errorf("max attempts (%d) exceeded: %w", s.maxAttempts, lastErr),
	}
}

// roundTrip sends a single attempt and reads the whole body.
func (s *Session) roundTrip(ctx context.Context, req request) (*response, error) {
	var bodyReader io.Reader
	if req.body != nil {
		bodyReader = bytes.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, s.url(req.path), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Authorization", s.auth)
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing request %s %s: %w", req.method, req.path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return &response{code: resp.StatusCode, header: resp.Header, body: data}, nil
}

// IsRetryable reports whether err is a transient failure worth replaying
// in a later sync pass.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if mailerr.IsNetwork(err) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}
