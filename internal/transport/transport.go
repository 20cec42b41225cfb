// Package transport adapts net/http into the single operation the
// resilient request pipeline needs: perform one HTTP exchange, honoring an
// external cancellation signal, and normalize the result.
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dskow/resilientclient/internal/apierror"
)

// Method is one of the enumerated HTTP methods the request descriptor may
// carry.
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodPatch   Method = "PATCH"
	MethodDelete  Method = "DELETE"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
)

// Request is the opaque descriptor the pipeline hands to the adapter.
type Request struct {
	Method  Method
	URL     string
	Headers http.Header // case-insensitive per http.Header semantics
	Body    []byte
}

// Response is the normalized result of one HTTP exchange.
type Response struct {
	Status  int
	Headers map[string]string // lower-cased keys, multi-values joined with ", "
	Body    []byte
}

// Adapter performs one HTTP exchange per call using the given *http.Client
// for its connection pool, TLS, and DNS behavior — all external-collaborator
// concerns this package does not reimplement.
type Adapter struct {
	client *http.Client
}

// New wraps client. A nil client is replaced with http.DefaultClient's
// equivalent (a fresh *http.Client with no timeout of its own — the
// request deadline governs cancellation instead).
func New(client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{client: client}
}

// Do performs one HTTP exchange, arming a cancellation source with
// deadline. On cancellation it surfaces RequestTimeoutError; other
// transport errors are surfaced unmodified. The cancellation source is
// cleaned up on every exit path.
func (a *Adapter) Do(ctx context.Context, req Request, deadline time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &apierror.RequestTimeoutError{Deadline: deadline}
		}
		if errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled {
			return nil, err
		}
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &apierror.RequestTimeoutError{Deadline: deadline}
		}
		return nil, err
	}

	return &Response{
		Status:  resp.StatusCode,
		Headers: normalizeHeaders(resp.Header),
		Body:    respBody,
	}, nil
}

// normalizeHeaders lower-cases header keys and joins multi-value headers
// with ", ", per spec.md §3's response descriptor.
func normalizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	return out
}
