package intent

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// sharedTransport provides connection pooling across all outbound HTTP
// clients (embedding service, LLM fallback). Reusing TCP connections
// keeps tail latency down on the escalation path.
var sharedTransport = &http.Transport{
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
}

// NewHTTPClient creates an HTTP client with the shared transport and
// the specified timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: sharedTransport,
	}
}

// APIError represents an HTTP API error with status code and response
// body. Use errors.As() to extract the status code.
type APIError struct {
	StatusCode int
	Body       string
	Service    string // which upstream returned the error
}

func (e *APIError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Service, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// CheckResponse returns an APIError if the response status is not 2xx.
// The body is read (bounded) and included for debugging. Call this
// before decoding the response body.
func CheckResponse(resp *http.Response, service string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	// Bound the read so a misbehaving upstream cannot exhaust memory.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Service:    service,
	}
}
