// Package retry implements the per-attempt loop used underneath a single
// provider call: exponential backoff with jitter, and classification of
// which failures are worth retrying at all.
//
// This sits below the fallback chain in internal/proxy/failover.go. Retry
// exhausts attempts against one provider before failover moves on to the
// next candidate; it never itself picks a different provider.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/ScriptSmith/hadrian-sub010/internal/providers"
)

// Policy is pure data describing how an operation should be retried. The
// retry loop treats no status as special on its own: which upstream
// statuses are retried comes entirely from RetriableStatusSet, which callers
// normally fill from configuration. DefaultPolicy carries one fixed set for
// callers that supply no policy.
type Policy struct {
	Enabled        bool
	MaxRetries     int           // attempts beyond the first; 0 means "try once"
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64 // 0..1, symmetric jitter around the computed delay

	// RetriableStatusSet is the set of upstream HTTP status codes that are
	// worth retrying against the same provider. Statuses outside this set
	// are surfaced immediately.
	RetriableStatusSet map[int]bool
}

// DefaultPolicy mirrors what most deployments want: 2 extra attempts,
// 250ms/4s backoff bounds, 20% jitter, and the conventional "safe to retry"
// status codes (408, 429 and the usual 5xx set minus 501, which means
// "never will work").
func DefaultPolicy() Policy {
	return Policy{
		Enabled:        true,
		MaxRetries:     2,
		BaseDelay:      250 * time.Millisecond,
		MaxDelay:       4 * time.Second,
		JitterFraction: 0.2,
		RetriableStatusSet: map[int]bool{
			408: true, 429: true,
			500: true, 502: true, 503: true, 504: true,
		},
	}
}

// DelayForAttempt returns the backoff delay before attempt n (0-indexed,
// n=0 is the delay before the first retry). Computed as
// min(BaseDelay * 2^n * (1±JitterFraction), MaxDelay).
func (p Policy) DelayForAttempt(n int) time.Duration {
	backoff := float64(p.BaseDelay) * math.Pow(2, float64(n))
	if p.JitterFraction > 0 {
		jitter := backoff * p.JitterFraction
		backoff += (rand.Float64()*2 - 1) * jitter
		if backoff < 0 {
			backoff = 0
		}
	}
	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	return time.Duration(backoff)
}

// retriableStatus reports whether err carries an HTTP status this policy
// treats as retriable.
func (p Policy) retriableStatus(err error) bool {
	sc, ok := err.(providers.StatusCoder)
	if !ok {
		return false
	}
	return p.RetriableStatusSet[sc.HTTPStatus()]
}

// IsRetriableTransport reports whether err is a transport-level failure
// worth retrying: connect/read timeouts, DNS failures, connection resets,
// and generic I/O errors. TLS verification failures, URL parse errors, and
// body-serialization errors are not transport errors and are never
// retriable — retrying them returns the identical failure.
func IsRetriableTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// shouldRetry decides whether attempt err is worth another try under p.
func (p Policy) shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	return IsRetriableTransport(err) || p.retriableStatus(err)
}

// Result carries the outcome of Run alongside how many attempts it took,
// for logging/metrics at the call site.
type Result[T any] struct {
	Value    T
	Attempts int
}

// Run executes attempt repeatedly under policy p until it succeeds, returns
// a non-retriable error, ctx is done, or MaxRetries is exhausted. attempt is
// called fresh on every try — for AWS-signed requests this is what makes
// every attempt carry its own signature rather than reusing a stale one.
func Run[T any](ctx context.Context, p Policy, attempt func(ctx context.Context) (T, error)) (Result[T], error) {
	if !p.Enabled {
		v, err := attempt(ctx)
		return Result[T]{Value: v, Attempts: 1}, err
	}

	var lastErr error
	for n := 0; n <= p.MaxRetries; n++ {
		v, err := attempt(ctx)
		if err == nil {
			return Result[T]{Value: v, Attempts: n + 1}, nil
		}
		lastErr = err

		if n == p.MaxRetries || !p.shouldRetry(err) {
			return Result[T]{Attempts: n + 1}, err
		}

		select {
		case <-ctx.Done():
			return Result[T]{Attempts: n + 1}, ctx.Err()
		case <-time.After(p.DelayForAttempt(n)):
		}
	}
	return Result[T]{}, lastErr
}
