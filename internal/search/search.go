// Package search defines the optional full-text index mirror. The relay
// core only forwards stored events to it; ranking and query semantics live
// with the external index.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/reef/internal/event"
)

// Mirror receives every durably stored event. Implementations talk to the
// external search service; failures are logged by the caller and never fail
// a publish.
type Mirror interface {
	Index(ctx context.Context, ev *event.Event) error
}

// Disabled is the mirror used when no search host is configured. The
// feature flag being absent is normal operation, never an error.
type Disabled struct{}

// Index discards the event.
func (Disabled) Index(context.Context, *event.Event) error { return nil }

// HTTPMirror forwards stored events to the external index over HTTP.
// The index's schema and ranking are its own business; this is only the
// relay's side of the feed.
type HTTPMirror struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPMirror creates a mirror posting to host's /events endpoint.
func NewHTTPMirror(host, apiKey string) *HTTPMirror {
	return &HTTPMirror{
		endpoint: strings.TrimRight(host, "/") + "/events",
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Index posts the event as JSON. Any non-2xx response is an error for the
// caller to log; the publish it mirrors has already succeeded.
func (m *HTTPMirror) Index(ctx context.Context, ev *event.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("index returned %s", resp.Status)
	}
	return nil
}
