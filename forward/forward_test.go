package forward

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// captureTransport records the outbound request instead of sending it.
type captureTransport struct {
	calls atomic.Int32
	req   *http.Request
	body  []byte
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	c.req = req
	if req.Body != nil {
		c.body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(`{}`)),
		Request:    req,
	}, nil
}

func TestURL(t *testing.T) {
	tests := []struct {
		base, prefix, path, want string
	}{
		{"http://backend:4000", "", "/loans", "http://backend:4000/api/v1/loans"},
		{"http://backend:4000/", "", "loans", "http://backend:4000/api/v1/loans"},
		{" http://backend:4000/ ", "/api/v2/", "/users/7", "http://backend:4000/api/v2/users/7"},
		{"http://backend:4000", "api/v1", "/transactions/history?limit=10", "http://backend:4000/api/v1/transactions/history?limit=10"},
	}

	for _, tt := range tests {
		f := New(Config{BaseURL: tt.base, Prefix: tt.prefix})
		got, err := f.URL(tt.path)
		if err != nil {
			t.Fatalf("URL(%q) failed: %v", tt.path, err)
		}
		if got != tt.want {
			t.Errorf("URL(%q) with base %q = %q, want %q", tt.path, tt.base, got, tt.want)
		}
	}
}

// TestForward_MissingBaseURL verifies a configuration error is returned without any network call
func TestForward_MissingBaseURL(t *testing.T) {
	tr := &captureTransport{}
	f := New(Config{BaseURL: "", Transport: tr})

	req := httptest.NewRequest(http.MethodGet, "/api/loans", nil)
	_, err := f.Forward(req, "/loans", Options{})
	if err == nil {
		t.Fatal("Forward() expected configuration error")
	}
	if !IsConfigError(err) {
		t.Errorf("Forward() error = %v, want *ConfigError", err)
	}
	if StatusFor(err) != http.StatusInternalServerError {
		t.Errorf("StatusFor() = %d, want 500", StatusFor(err))
	}
	if tr.calls.Load() != 0 {
		t.Errorf("transport called %d times, want 0", tr.calls.Load())
	}

	if _, err := f.URL("/loans"); !IsConfigError(err) {
		t.Errorf("URL() error = %v, want *ConfigError", err)
	}
}

// TestForward_CookiePropagation verifies the inbound cookie is forwarded exactly
func TestForward_CookiePropagation(t *testing.T) {
	tr := &captureTransport{}
	f := New(Config{BaseURL: "http://backend", Transport: tr})

	req := httptest.NewRequest(http.MethodGet, "/api/auth/profile", nil)
	req.Header.Set("Cookie", "session=abc123; theme=dark")

	if _, err := f.Forward(req, "/auth/profile", Options{}); err != nil {
		t.Fatalf("Forward() failed: %v", err)
	}

	if got := tr.req.Header.Get("Cookie"); got != "session=abc123; theme=dark" {
		t.Errorf("outbound Cookie = %q, want inbound value", got)
	}
	if _, ok := tr.req.Header["Authorization"]; ok {
		t.Error("outbound request has Authorization header without inbound one")
	}
}

func TestForward_EmptyCookieAlwaysSet(t *testing.T) {
	tr := &captureTransport{}
	f := New(Config{BaseURL: "http://backend", Transport: tr})

	req := httptest.NewRequest(http.MethodGet, "/api/my-loans", nil)
	opts := Options{Header: http.Header{"Cookie": []string{"stale=1"}}}

	if _, err := f.Forward(req, "/loans/my-loans", opts); err != nil {
		t.Fatalf("Forward() failed: %v", err)
	}

	values, ok := tr.req.Header["Cookie"]
	if !ok {
		t.Fatal("outbound Cookie header missing")
	}
	if len(values) != 1 || values[0] != "" {
		t.Errorf("outbound Cookie = %q, want single empty value", values)
	}
}

func TestForward_AuthorizationPropagation(t *testing.T) {
	tr := &captureTransport{}
	f := New(Config{BaseURL: "http://backend", Transport: tr})

	req := httptest.NewRequest(http.MethodGet, "/api/loans/42", nil)
	req.Header.Set("Authorization", "Bearer token-1")

	if _, err := f.Forward(req, "/loans/42", Options{}); err != nil {
		t.Fatalf("Forward() failed: %v", err)
	}
	if got := tr.req.Header.Get("Authorization"); got != "Bearer token-1" {
		t.Errorf("outbound Authorization = %q, want %q", got, "Bearer token-1")
	}
	if tr.req.Method != http.MethodGet {
		t.Errorf("outbound method = %s, want GET", tr.req.Method)
	}
	if tr.req.URL.String() != "http://backend/api/v1/loans/42" {
		t.Errorf("outbound URL = %s", tr.req.URL)
	}
}

// TestForward_NoBodyUnlessIncluded verifies bodies are only sent when explicitly requested
func TestForward_NoBodyUnlessIncluded(t *testing.T) {
	tr := &captureTransport{}
	f := New(Config{BaseURL: "http://backend", Transport: tr})

	req := httptest.NewRequest(http.MethodPatch, "/api/loans/1/approved", strings.NewReader(`{"x":1}`))
	req.Header.Set("Content-Type", "application/json")

	if _, err := f.Forward(req, "/loans/1/approve", Options{Method: http.MethodPatch}); err != nil {
		t.Fatalf("Forward() failed: %v", err)
	}
	if len(tr.body) != 0 {
		t.Errorf("outbound body = %q, want empty", tr.body)
	}
	if ct := tr.req.Header.Get("Content-Type"); ct != "" {
		t.Errorf("outbound Content-Type = %q, want none", ct)
	}
}

func TestForward_IncludeBody(t *testing.T) {
	tests := []struct {
		name     string
		inbound  string
		override string
		want     string
	}{
		{"inbound content type", "text/plain", "", "text/plain"},
		{"default content type", "", "", DefaultContentType},
		{"override", "text/plain", "application/json", "application/json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &captureTransport{}
			f := New(Config{BaseURL: "http://backend", Transport: tr})

			req := httptest.NewRequest(http.MethodPost, "/api/loans", strings.NewReader(`{"amount":5}`))
			if tt.inbound != "" {
				req.Header.Set("Content-Type", tt.inbound)
			}

			opts := Options{Method: http.MethodPost, IncludeBody: true, ContentType: tt.override}
			if _, err := f.Forward(req, "/loans", opts); err != nil {
				t.Fatalf("Forward() failed: %v", err)
			}
			if string(tr.body) != `{"amount":5}` {
				t.Errorf("outbound body = %q", tr.body)
			}
			if got := tr.req.Header.Get("Content-Type"); got != tt.want {
				t.Errorf("outbound Content-Type = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestForward_UsesCapturedBody(t *testing.T) {
	tr := &captureTransport{}
	f := New(Config{BaseURL: "http://backend", Transport: tr})

	req := httptest.NewRequest(http.MethodPost, "/api/transactions/withdraw", strings.NewReader(`{"amount":"10"}`))
	captured, err := CaptureBody(req)
	if err != nil {
		t.Fatalf("CaptureBody() failed: %v", err)
	}

	_, err = f.Forward(req, "/transactions/withdraw", Options{Method: http.MethodPost, IncludeBody: true, Body: captured})
	if err != nil {
		t.Fatalf("Forward() failed: %v", err)
	}
	if string(tr.body) != `{"amount":"10"}` {
		t.Errorf("outbound body = %q", tr.body)
	}

	// Forgetting to pass the captured body is a caller bug and must surface.
	_, err = f.Forward(req, "/transactions/withdraw", Options{Method: http.MethodPost, IncludeBody: true})
	if !errors.Is(err, ErrBodyConsumed) {
		t.Errorf("Forward() error = %v, want ErrBodyConsumed", err)
	}
}

// TestForward_PassThrough verifies status, headers and binary body are relayed untouched
func TestForward_PassThrough(t *testing.T) {
	binary := make([]byte, 256)
	for i := range binary {
		binary[i] = byte(i)
	}

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-custom", "1")
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Add("Set-Cookie", "a=1; Path=/")
		w.Header().Add("Set-Cookie", "b=2; Path=/")
		w.WriteHeader(http.StatusMultiStatus)
		w.Write(binary)
	}))
	defer backend.Close()

	f := New(Config{BaseURL: backend.URL})
	req := httptest.NewRequest(http.MethodGet, "/api/signature", nil)

	resp, err := f.Forward(req, "/cloudinary/signature", Options{})
	if err != nil {
		t.Fatalf("Forward() failed: %v", err)
	}
	if resp.Status != http.StatusMultiStatus {
		t.Errorf("Status = %d, want 207", resp.Status)
	}
	if resp.Header.Get("X-Custom") != "1" {
		t.Errorf("x-custom = %q, want 1", resp.Header.Get("X-Custom"))
	}
	if !bytes.Equal(resp.Body, binary) {
		t.Error("body bytes differ from backend bytes")
	}

	rec := httptest.NewRecorder()
	if err := Relay(rec, resp); err != nil {
		t.Fatalf("Relay() failed: %v", err)
	}
	if rec.Code != http.StatusMultiStatus {
		t.Errorf("relayed status = %d, want 207", rec.Code)
	}
	if rec.Header().Get("X-Custom") != "1" {
		t.Errorf("relayed x-custom = %q, want 1", rec.Header().Get("X-Custom"))
	}
	if got := rec.Header().Values("Set-Cookie"); len(got) != 2 {
		t.Errorf("relayed Set-Cookie = %v, want both cookies", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), binary) {
		t.Error("relayed body bytes differ from backend bytes")
	}
}

func TestForward_CompressedBodyNotDecoded(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write([]byte(`{"transactions":[1,2,3]}`))
	zw.Close()
	compressed := gz.Bytes()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "application/json")
		w.Write(compressed)
	}))
	defer backend.Close()

	f := New(Config{BaseURL: backend.URL})
	resp, err := f.Forward(httptest.NewRequest(http.MethodGet, "/", nil), "/transactions/history", Options{})
	if err != nil {
		t.Fatalf("Forward() failed: %v", err)
	}
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", resp.Header.Get("Content-Encoding"))
	}
	if !bytes.Equal(resp.Body, compressed) {
		t.Error("compressed body was altered")
	}
}

func TestForward_RedirectNotFollowed(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	defer backend.Close()

	f := New(Config{BaseURL: backend.URL})
	resp, err := f.Forward(httptest.NewRequest(http.MethodGet, "/", nil), "/auth/profile", Options{})
	if err != nil {
		t.Fatalf("Forward() failed: %v", err)
	}
	if resp.Status != http.StatusFound {
		t.Errorf("Status = %d, want 302", resp.Status)
	}
	if resp.Header.Get("Location") != "/login" {
		t.Errorf("Location = %q, want /login", resp.Header.Get("Location"))
	}
	if hits.Load() != 1 {
		t.Errorf("backend hit %d times, want 1", hits.Load())
	}
}

func TestForward_UpstreamErrorRelayed(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"insufficient balance"}`))
	}))
	defer backend.Close()

	f := New(Config{BaseURL: backend.URL})
	resp, err := f.Forward(httptest.NewRequest(http.MethodPost, "/", nil), "/transactions/withdraw", Options{Method: http.MethodPost})
	if err != nil {
		t.Fatalf("Forward() failed: %v", err)
	}
	if resp.Status != http.StatusUnprocessableEntity {
		t.Errorf("Status = %d, want 422", resp.Status)
	}
	if string(resp.Body) != `{"message":"insufficient balance"}` {
		t.Errorf("Body = %q", resp.Body)
	}
}

func TestForward_QueryStringPassedThrough(t *testing.T) {
	var gotQuery string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f := New(Config{BaseURL: backend.URL})
	_, err := f.Forward(httptest.NewRequest(http.MethodGet, "/", nil), "/transactions/history?limit=20&offset=40", Options{})
	if err != nil {
		t.Fatalf("Forward() failed: %v", err)
	}
	if gotQuery != "limit=20&offset=40" {
		t.Errorf("backend query = %q, want limit=20&offset=40", gotQuery)
	}
}

// TestForward_TransportFailure verifies network errors surface as upstream errors
func TestForward_TransportFailure(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := backend.URL
	backend.Close()

	f := New(Config{BaseURL: url})
	_, err := f.Forward(httptest.NewRequest(http.MethodGet, "/", nil), "/loans", Options{})
	if err == nil {
		t.Fatal("Forward() expected error for closed backend")
	}

	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("Forward() error = %T, want *UpstreamError", err)
	}
	if StatusFor(err) != http.StatusBadGateway {
		t.Errorf("StatusFor() = %d, want 502", StatusFor(err))
	}
}

func TestForward_CanceledInboundContext(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	f := New(Config{BaseURL: backend.URL})
	if _, err := f.Forward(req, "/loans", Options{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Forward() error = %v, want context.Canceled", err)
	}
}

func TestPublicURL(t *testing.T) {
	got, err := PublicURL("https://api.example.com/", "", "auth/login")
	if err != nil {
		t.Fatalf("PublicURL() failed: %v", err)
	}
	if got != "https://api.example.com/api/v1/auth/login" {
		t.Errorf("PublicURL() = %q", got)
	}

	if _, err := PublicURL("", "", "/auth/login"); !IsConfigError(err) {
		t.Errorf("PublicURL() error = %v, want *ConfigError", err)
	}
}
