package forward

import (
	"fmt"
	"io"
	"net/http"
)

// MaxBodyBytes caps how much of an inbound body is buffered for forwarding.
const MaxBodyBytes = 10 << 20

// consumedBody replaces a request body once it has been captured.
type consumedBody struct{}

func (consumedBody) Read([]byte) (int, error) { return 0, ErrBodyConsumed }
func (consumedBody) Close() error             { return nil }

// CaptureBody reads the inbound body exactly once and returns the raw bytes.
//
// The request body is replaced so that any later read fails with ErrBodyConsumed.
// Handlers that both inspect and forward a body call CaptureBody at the top and
// pass the returned bytes through Options.Body.
func CaptureBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		r.Body = consumedBody{}
		return []byte{}, nil
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	_ = r.Body.Close()
	r.Body = consumedBody{}
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(data) > MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}

	return data, nil
}
