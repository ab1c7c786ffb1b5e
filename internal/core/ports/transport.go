package ports

import "context"

// HTTPResponse is the part of a response the relay cares about.
type HTTPResponse struct {
	StatusCode int
	Body       []byte
}

// HTTPTransport sends bytes and receives status + body. Implementations own
// per-attempt timeouts; callers own retries.
type HTTPTransport interface {
	Do(ctx context.Context, method, url string, body []byte) (*HTTPResponse, error)
}
