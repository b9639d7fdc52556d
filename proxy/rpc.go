// Package proxy relays JSON-RPC bodies to the upstream EVM node.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Response is what upstream answered. The gateway relays status, content type
// and body verbatim; it never interprets JSON-RPC.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Forwarder posts raw request bodies to a single upstream RPC node. Each
// relay builds a fresh request, so client auth and payment headers can never
// leak upstream.
type Forwarder struct {
	upstream string
	client   *http.Client
}

// NewForwarder validates upstreamURL and returns a Forwarder whose calls are
// bounded by timeout.
func NewForwarder(upstreamURL string, timeout time.Duration) (*Forwarder, error) {
	u, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream url must be http(s): %s", upstreamURL)
	}
	return &Forwarder{
		upstream: upstreamURL,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Forward relays body to the upstream node. A non-nil error means transport
// failure: nothing reached upstream, or no HTTP response came back. Any HTTP
// response, whatever its status, is returned as-is.
func (f *Forwarder) Forward(ctx context.Context, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.upstream, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream transport: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}

	return &Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}, nil
}
