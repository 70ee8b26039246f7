package syncerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseCode_Retryable(t *testing.T) {
	tests := []struct {
		code  CloseCode
		retry bool
		fatal bool
	}{
		{CloseNormal, false, false},
		{CloseMissingFields, false, true},
		{CloseUnknown, true, false},
		{CloseUnauthorized, false, true},
		{CloseMaxVaultsReached, false, true},
		{CloseVaultRegistrationFailed, false, true},
		{CloseMaxDevicesReached, false, true},
		{CloseDeviceRegistrationFailed, false, true},
		{CloseStorageQuotaExceeded, false, true},
		{CloseStorageCheckFailed, true, false},
		{CloseTooManyRequests, true, false},
		{CloseCode(1006), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.retry, tt.code.Retryable())
			assert.Equal(t, tt.fatal, tt.code.Fatal())
		})
	}
}

func TestCloseCode_Table_Golden(t *testing.T) {
	var b strings.Builder
	for _, code := range KnownCloseCodes() {
		fmt.Fprintf(&b, "%d\t%s\tretry=%t\n", int(code), code, code.Retryable())
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "close_codes", []byte(b.String()))
}

func TestError_WrappedKindHelpers(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("append: %w", Storage("append entries", cause))

	assert.True(t, IsStorage(err))
	assert.False(t, IsQuota(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindStorage, KindOf(err))
	assert.Equal(t, CloseUnknown, CloseCodeOf(err))
}

func TestError_QuotaCarriesCloseCode(t *testing.T) {
	err := Quota(CloseMaxDevicesReached, "tenant has 2 of 2 devices")

	require.True(t, IsQuota(err))
	assert.Equal(t, CloseMaxDevicesReached, CloseCodeOf(err))
	assert.Contains(t, err.Error(), "QUOTA_EXCEEDED")
}

func TestError_WithCloseCopies(t *testing.T) {
	base := Storage("check storage", errors.New("timeout"))
	withCode := base.WithClose(CloseStorageCheckFailed)

	assert.Equal(t, CloseCode(0), base.Close)
	assert.Equal(t, CloseStorageCheckFailed, withCode.Close)
	assert.True(t, IsStorage(withCode))
}

func TestKindOf_ForeignError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.False(t, IsTransient(nil))
}

func TestMissingFields_Message(t *testing.T) {
	err := MissingFields("namespace", "publicKey")
	assert.Equal(t, CloseMissingFields, err.Close)
	assert.Contains(t, err.Message, "namespace")
	assert.Contains(t, err.Message, "publicKey")
}

func TestNotFound(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NotFound("vault"))
	assert.True(t, IsNotFound(err))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, CloseUnknown, CloseCodeOf(err), "not found never closes with its own code")
}
