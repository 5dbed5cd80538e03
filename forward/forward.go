// Package forward relays client requests to the loan backend.
//
// A Forwarder builds the backend URL from a base URL, a versioned API prefix and a
// backend-relative path, propagates the cookie, authorization and content type of
// the inbound request, and returns the backend's status, headers and body bytes
// untouched. Backend error statuses are relayed, never reinterpreted.
package forward

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultPrefix      = "/api/v1"
	DefaultTimeout     = 30 * time.Second
	DefaultContentType = "application/json"

	// BackendURLKey names the setting reported by ConfigError.
	BackendURLKey = "URL_BACKEND"
)

// Config configures a Forwarder.
type Config struct {
	// BaseURL is the backend origin, e.g. https://backend.example.com. A single
	// trailing slash is trimmed. An empty BaseURL makes every Forward fail with
	// a *ConfigError.
	BaseURL string

	// Prefix is the versioned API segment placed before every path.
	Prefix string

	// Timeout bounds a whole outbound round-trip.
	Timeout time.Duration

	// Transport overrides the outbound transport (tests).
	Transport http.RoundTripper
}

// Options describes one forwarded call.
type Options struct {
	// Method defaults to GET.
	Method string

	// Header holds extra outbound headers chosen by the caller.
	Header http.Header

	// IncludeBody forwards a request body. Without it no body is sent, whatever the method.
	IncludeBody bool

	// Body is a body the caller already captured with CaptureBody. When nil and
	// IncludeBody is set, the inbound body is read once by Forward.
	Body []byte

	// ContentType overrides the inbound content type of a forwarded body.
	ContentType string
}

// Response is the backend's answer, kept byte for byte.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Forwarder proxies requests to the backend. It holds no per-request state and is
// safe for concurrent use.
type Forwarder struct {
	baseURL string
	prefix  string
	client  *http.Client
}

// New creates a Forwarder.
func New(cfg Config) *Forwarder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := cfg.Transport
	if transport == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		// Relay Content-Encoding and bytes exactly as the backend sent them.
		base.DisableCompression = true
		transport = otelhttp.NewTransport(base)
	}

	return &Forwarder{
		baseURL: trimBase(cfg.BaseURL),
		prefix:  normalizePrefix(cfg.Prefix),
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			// Redirects go back to the client, whose session may differ from ours.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// URL returns the full backend URL for a backend-relative path.
func (f *Forwarder) URL(path string) (string, error) {
	if f.baseURL == "" {
		return "", &ConfigError{Key: BackendURLKey}
	}
	return f.baseURL + f.prefix + ensureLeadingSlash(path), nil
}

// Forward sends r to the backend path and returns the backend response.
//
// The outbound request is bound to r's context, so an aborted client request
// aborts the backend call. There are no retries.
func (f *Forwarder) Forward(r *http.Request, path string, opts Options) (*Response, error) {
	target, err := f.URL(path)
	if err != nil {
		return nil, err
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	header := make(http.Header, len(opts.Header)+3)
	for k, vs := range opts.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}

	// Always set, even when empty, so a caller-supplied cookie never leaks through.
	header.Set("Cookie", strings.Join(r.Header.Values("Cookie"), "; "))
	if auth := r.Header.Get("Authorization"); auth != "" {
		header.Set("Authorization", auth)
	}

	var body io.Reader
	if opts.IncludeBody {
		payload := opts.Body
		if payload == nil {
			payload, err = CaptureBody(r)
			if err != nil {
				return nil, err
			}
		}
		body = bytes.NewReader(payload)
		header.Set("Content-Type", contentType(r, opts))
	}

	req, err := http.NewRequestWithContext(r.Context(), method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header = header

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{URL: target, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   data,
	}, nil
}

// Relay writes a backend response to the client with the same status, every
// backend header and the exact body bytes.
func Relay(w http.ResponseWriter, resp *Response) error {
	dst := w.Header()
	for k, vs := range resp.Header {
		dst[k] = append([]string(nil), vs...)
	}
	w.WriteHeader(resp.Status)
	_, err := w.Write(resp.Body)
	return err
}

// PublicURL builds a client-visible backend URL with the same rules as Forwarder.URL.
func PublicURL(base, prefix, path string) (string, error) {
	b := trimBase(base)
	if b == "" {
		return "", &ConfigError{Key: "PUBLIC_URL_BACKEND"}
	}
	return b + normalizePrefix(prefix) + ensureLeadingSlash(path), nil
}

func contentType(r *http.Request, opts Options) string {
	if opts.ContentType != "" {
		return opts.ContentType
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return DefaultContentType
}

func trimBase(base string) string {
	return strings.TrimSuffix(strings.TrimSpace(base), "/")
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return strings.TrimSuffix(ensureLeadingSlash(prefix), "/")
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}
