package syncclient

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/eventvault/internal/syncerr"
	"github.com/roach88/eventvault/internal/wire"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"normal close", &wire.CloseError{Code: syncerr.CloseNormal}, false},
		{"unknown close", &wire.CloseError{Code: syncerr.CloseUnknown}, true},
		{"unauthorized close", &wire.CloseError{Code: syncerr.CloseUnauthorized}, false},
		{"max devices", &wire.CloseError{Code: syncerr.CloseMaxDevicesReached}, false},
		{"storage quota", &wire.CloseError{Code: syncerr.CloseStorageQuotaExceeded}, false},
		{"storage check failed", &wire.CloseError{Code: syncerr.CloseStorageCheckFailed}, true},
		{"too many requests", &wire.CloseError{Code: syncerr.CloseTooManyRequests}, true},
		{"unlisted close code", &wire.CloseError{Code: 4999}, true},
		{"quota kind", syncerr.Quota(syncerr.CloseMaxVaultsReached, "too many vaults"), false},
		{"unauthorized kind", syncerr.Unauthorized("bad token"), false},
		{"missing fields", syncerr.MissingFields("device"), false},
		{"crypto", syncerr.Crypto("bad key", nil), false},
		{"rate limited", syncerr.RateLimited("connect"), true},
		{"transient", syncerr.Transient("dial", errors.New("refused")), true},
		{"foreign", errors.New("boom"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestBackoff(t *testing.T) {
	p := normalizeRetryPolicy(RetryPolicy{
		BaseBackoff:          100 * time.Millisecond,
		MaxBackoff:           time.Second,
		RateLimitBaseBackoff: 400 * time.Millisecond,
	})
	transient := syncerr.Transient("dial", nil)

	assert.Equal(t, 100*time.Millisecond, p.Backoff(0, transient))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1, transient))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2, transient))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(4, transient))
	assert.Equal(t, time.Second, p.Backoff(5, transient), "capped")
	assert.Equal(t, time.Second, p.Backoff(50, transient))

	assert.Equal(t, 400*time.Millisecond, p.Backoff(1, syncerr.RateLimited("connect")))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(2, &wire.CloseError{Code: syncerr.CloseTooManyRequests}))
}

func TestBackoff_Jitter(t *testing.T) {
	p := normalizeRetryPolicy(RetryPolicy{BaseBackoff: time.Second, MaxBackoff: time.Minute, Jitter: 0.2})
	for range 100 {
		d := p.Backoff(1, nil)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestNormalizeRetryPolicy(t *testing.T) {
	p := normalizeRetryPolicy(RetryPolicy{BaseBackoff: time.Minute, MaxBackoff: time.Second})
	assert.Equal(t, time.Minute, p.MaxBackoff, "max never below base")
	assert.Equal(t, rateLimitBaseBackoff, p.RateLimitBaseBackoff)

	d := normalizeRetryPolicy(RetryPolicy{})
	assert.Equal(t, defaultBaseBackoff, d.BaseBackoff)
	assert.Equal(t, defaultMaxBackoff, d.MaxBackoff)
}
