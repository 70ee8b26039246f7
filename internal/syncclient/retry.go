package syncclient

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/roach88/eventvault/internal/syncerr"
	"github.com/roach88/eventvault/internal/wire"
)

const (
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 60 * time.Second

	// Rate limited reconnects start slower.
	rateLimitBaseBackoff = 5 * time.Second
)

// RetryPolicy controls reconnect delays.
type RetryPolicy struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// RateLimitBaseBackoff is the first delay after a 3550 close or an HTTP
	// 429 on connect. If 0, defaults to 5 seconds.
	RateLimitBaseBackoff time.Duration

	// Jitter is the +/- fraction applied to each delay. Zero disables it.
	Jitter float64
}

// DefaultRetryPolicy is used when Config.Retry is the zero value.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseBackoff:          defaultBaseBackoff,
		MaxBackoff:           defaultMaxBackoff,
		RateLimitBaseBackoff: rateLimitBaseBackoff,
		Jitter:               0.2,
	}
}

func normalizeRetryPolicy(in RetryPolicy) RetryPolicy {
	out := in
	if out.BaseBackoff <= 0 {
		out.BaseBackoff = defaultBaseBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = defaultMaxBackoff
	}
	if out.MaxBackoff < out.BaseBackoff {
		out.MaxBackoff = out.BaseBackoff
	}
	if out.RateLimitBaseBackoff <= 0 {
		out.RateLimitBaseBackoff = rateLimitBaseBackoff
	}
	if out.RateLimitBaseBackoff > out.MaxBackoff {
		out.RateLimitBaseBackoff = out.MaxBackoff
	}
	return out
}

// Backoff returns the delay before reconnect attempt n (1-based) after err.
func (p RetryPolicy) Backoff(n int, err error) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := p.BaseBackoff
	if isRateLimited(err) {
		delay = p.RateLimitBaseBackoff
	}
	for i := 1; i < n && delay < p.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	if p.Jitter > 0 {
		delay += time.Duration((rand.Float64()*2 - 1) * p.Jitter * float64(delay))
	}
	return delay
}

// Retryable reports whether the client should reconnect after err.
//
// Close codes follow the server's table: fatal codes stop the client, a
// normal close stops it without error. Quota, authorization and missing
// field errors are never retried; everything else is treated as a transient
// network failure.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *wire.CloseError
	if errors.As(err, &ce) {
		return ce.Code.Retryable()
	}
	switch syncerr.KindOf(err) {
	case syncerr.KindQuota, syncerr.KindUnauthorized, syncerr.KindMissingFields, syncerr.KindCrypto:
		return false
	}
	return true
}

// closedNormally reports whether err is a normal close from the server.
func closedNormally(err error) bool {
	var ce *wire.CloseError
	return errors.As(err, &ce) && ce.Code == syncerr.CloseNormal
}

func isRateLimited(err error) bool {
	var ce *wire.CloseError
	if errors.As(err, &ce) {
		return ce.Code == syncerr.CloseTooManyRequests
	}
	return syncerr.KindOf(err) == syncerr.KindRateLimited
}
