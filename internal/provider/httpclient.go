package provider

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
)

const maxResponseBytes = 4 << 20

// Classifier maps a failed response to ErrNotFound, ErrConnectionClosed or nil.
type Classifier func(statusCode int, body []byte) error

// ClientOptions configures a JSON HTTP client for one provider.
type ClientOptions struct {
	BaseURL     string
	HTTPClient  *http.Client
	Timeout     time.Duration
	SendTimeout time.Duration
	Classify    Classifier
}

// Client performs bounded JSON requests against a provider API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	timeout     time.Duration
	sendTimeout time.Duration
	classify    Classifier
}

// NewClient creates a client, filling unset options with defaults.
func NewClient(opts ClientOptions) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.Classify == nil {
		opts.Classify = DefaultClassifier
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		httpClient:  opts.HTTPClient,
		timeout:     opts.Timeout,
		sendTimeout: opts.SendTimeout,
		classify:    opts.Classify,
	}
}

// Configured reports whether a base URL is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// Request describes one call.
type Request struct {
	Op     string
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   any
	// Send selects the longer message-send timeout.
	Send bool
}

// Do executes req and decodes a JSON response into out when out is non-nil.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	if !c.Configured() {
		return fmt.Errorf("%s: base url: %w", req.Op, ErrNotConfigured)
	}
	raw, err := c.DoRaw(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", req.Op, err)
	}
	return nil
}

// DoRaw executes req and returns the response body.
func (c *Client) DoRaw(ctx context.Context, req Request) ([]byte, error) {
	timeout := c.timeout
	if req.Send {
		timeout = c.sendTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := req.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	}
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", req.Op, err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", req.Op, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Op: req.Op, Timeout: timeout}
		}
		return nil, fmt.Errorf("%s: %w", req.Op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Op: req.Op, Timeout: timeout}
		}
		return nil, fmt.Errorf("%s: read response: %w", req.Op, err)
	}

	if resp.StatusCode >= 400 {
		return nil, &Error{
			Op:         req.Op,
			StatusCode: resp.StatusCode,
			Body:       string(raw),
			Kind:       c.classify(resp.StatusCode, raw),
		}
	}
	return raw, nil
}

// Download fetches a URL and returns the open body and its content type. The
// caller closes the body; the timeout covers the whole read.
func (c *Client) Download(ctx context.Context, op, rawURL string, header http.Header) (io.ReadCloser, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, "", fmt.Errorf("%s: build request: %w", op, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, "", &TimeoutError{Op: op, Timeout: c.sendTimeout}
		}
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, "", &Error{Op: op, StatusCode: resp.StatusCode, Body: string(raw), Kind: c.classify(resp.StatusCode, raw)}
	}
	return &cancelBody{ReadCloser: resp.Body, cancel: cancel}, resp.Header.Get("Content-Type"), nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// connectionClosedMarkers are matched against the lower-cased error body.
// Evolution reports a dropped Baileys socket as "Connection Closed".
var connectionClosedMarkers = []string{
	"connection closed",
}

// DefaultClassifier treats 404 as a missing instance and recognises the
// closed-session messages gateways return.
func DefaultClassifier(statusCode int, body []byte) error {
	lower := strings.ToLower(string(body))
	for _, marker := range connectionClosedMarkers {
		if strings.Contains(lower, marker) {
			return ErrConnectionClosed
		}
	}
	if statusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}
