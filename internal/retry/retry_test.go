package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

type fakeStatusErr struct{ status int }

func (e fakeStatusErr) Error() string { return "fake status error" }
func (e fakeStatusErr) HTTPStatus() int { return e.status }

func TestPolicy_DelayForAttempt_GrowsAndClamps(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterFraction: 0}

	if got := p.DelayForAttempt(0); got != 100*time.Millisecond {
		t.Errorf("attempt 0: expected 100ms, got %v", got)
	}
	if got := p.DelayForAttempt(1); got != 200*time.Millisecond {
		t.Errorf("attempt 1: expected 200ms, got %v", got)
	}
	if got := p.DelayForAttempt(10); got != time.Second {
		t.Errorf("attempt 10: expected clamp to 1s, got %v", got)
	}
}

func TestIsRetriableTransport(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"dns error", &net.DNSError{Err: "no such host", IsTimeout: false}, true},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("connection reset")}, true},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetriableTransport(tc.err); got != tc.want {
				t.Errorf("IsRetriableTransport(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRun_SucceedsWithoutRetry(t *testing.T) {
	p := DefaultPolicy()
	calls := 0
	res, err := Run(context.Background(), p, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value != "ok" || res.Attempts != 1 || calls != 1 {
		t.Errorf("unexpected result: %+v calls=%d", res, calls)
	}
}

func TestRun_RetriesRetriableStatusThenSucceeds(t *testing.T) {
	p := DefaultPolicy()
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond

	calls := 0
	res, err := Run(context.Background(), p, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", fakeStatusErr{status: 503}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value != "ok" || res.Attempts != 3 {
		t.Errorf("expected success on third attempt, got %+v", res)
	}
}

func TestRun_DoesNotRetryNonRetriableStatus(t *testing.T) {
	p := DefaultPolicy()
	calls := 0
	_, err := Run(context.Background(), p, func(ctx context.Context) (string, error) {
		calls++
		return "", fakeStatusErr{status: 400}
	})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if calls != 1 {
		t.Errorf("expected exactly one attempt for a non-retriable status, got %d", calls)
	}
}

func TestRun_StopsAfterMaxRetries(t *testing.T) {
	p := DefaultPolicy()
	p.MaxRetries = 2
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 2 * time.Millisecond

	calls := 0
	_, err := Run(context.Background(), p, func(ctx context.Context) (string, error) {
		calls++
		return "", fakeStatusErr{status: 500}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected 1 initial + 2 retries = 3 calls, got %d", calls)
	}
}

func TestRun_DisabledPolicyTriesOnce(t *testing.T) {
	p := Policy{Enabled: false}
	calls := 0
	_, err := Run(context.Background(), p, func(ctx context.Context) (string, error) {
		calls++
		return "", fakeStatusErr{status: 500}
	})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if calls != 1 {
		t.Errorf("expected exactly one call with retry disabled, got %d", calls)
	}
}

func TestRun_ContextCancelledDuringBackoffAborts(t *testing.T) {
	p := DefaultPolicy()
	p.BaseDelay = 50 * time.Millisecond
	p.MaxDelay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := Run(ctx, p, func(ctx context.Context) (string, error) {
		calls++
		return "", fakeStatusErr{status: 500}
	})
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
	if calls != 1 {
		t.Errorf("expected exactly one attempt before cancellation, got %d", calls)
	}
}
