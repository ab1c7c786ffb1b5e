package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tjfontaine/eventrelay/internal/core/domain"
	"github.com/tjfontaine/eventrelay/internal/core/ports"
)

// RetryPolicy is a fixed-delay, attempt-bounded retry loop. It does not
// distinguish retryable from non-retryable statuses: anything but a 200 is
// retried until the attempts run out.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Attempt is called before each try with the 1-based attempt number.
type Attempt func(n int)

// Send calls t.Do until it returns a 200 or the attempts are exhausted. On
// exhaustion the returned error is a *domain.NetworkError carrying the final
// attempt's status (0 if it got no response).
func (p RetryPolicy) Send(ctx context.Context, t ports.HTTPTransport, method, url string, body []byte, onAttempt Attempt) (*ports.HTTPResponse, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		n          int
		lastStatus int
		lastErr    error
	)
	op := func() (*ports.HTTPResponse, error) {
		n++
		if onAttempt != nil {
			onAttempt(n)
		}
		resp, err := t.Do(ctx, method, url, body)
		if err != nil {
			lastStatus = 0
			lastErr = err
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			lastStatus = resp.StatusCode
			lastErr = nil
			return nil, domain.NewStatusError(resp.StatusCode, n)
		}
		return resp, nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(attempts-1)),
		ctx,
	)

	resp, err := backoff.RetryWithData[*ports.HTTPResponse](op, b)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, &domain.NetworkError{StatusCode: lastStatus, Attempts: n, Err: ctx.Err()}
	}
	return nil, &domain.NetworkError{StatusCode: lastStatus, Attempts: n, Err: lastErr}
}
