package core

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePhone_ValidNumbers(t *testing.T) {
	cases := []struct {
		raw  string
		cc   string
		base string
	}{
		{"+14155552671", "1", "4155552671"},
		{"+971501234567", "971", "501234567"},
		{"+442071838750", "44", "2071838750"},
		{"+79161234567", "7", "9161234567"},
		{"+8613912345678", "86", "13912345678"},
		{"+1 (415) 555-2671", "1", "4155552671"},
	}
	for _, tc := range cases {
		p, err := ParsePhone(tc.raw)
		require.NoError(t, err, "raw=%s", tc.raw)
		assert.Equal(t, tc.cc, p.CountryCode, "raw=%s", tc.raw)
		assert.Equal(t, tc.base, p.BaseNumber, "raw=%s", tc.raw)
	}
}

func TestParsePhone_RejectsInvalid(t *testing.T) {
	for _, raw := range []string{
		"",
		"4155552671",        // no plus
		"+04155552671",      // leading zero
		"+1",                // country code only, no subscriber digits
		"+1234567890123456", // 16 digits
		"+1415555abcd",
		"++14155552671",
	} {
		_, err := ParsePhone(raw)
		require.Error(t, err, "raw=%q", raw)
		assert.True(t, IsCode(err, ErrValidation), "raw=%q should be a validation error", raw)
	}
}

func TestParsePhone_RoundTrips(t *testing.T) {
	p, err := ParsePhone("+971501234567")
	require.NoError(t, err)
	assert.Equal(t, "+971501234567", p.E164())
}

func TestCallTransitions_ForwardPath(t *testing.T) {
	assert.True(t, CanTransition(CallQueued, CallRinging))
	assert.True(t, CanTransition(CallRinging, CallInProgress))
	assert.True(t, CanTransition(CallInProgress, CallCompleted))
	assert.True(t, CanTransition(CallQueued, CallCompleted), "providers may connect faster than status callbacks arrive")
}

func TestCallTransitions_TerminalStatesArePermanent(t *testing.T) {
	terminals := []CallStatus{CallCompleted, CallFailed, CallBusy, CallNoAnswer, CallCanceled}
	targets := []CallStatus{CallQueued, CallRinging, CallInProgress, CallCompleted, CallFailed, CallCanceled}
	for _, from := range terminals {
		require.True(t, from.IsTerminal())
		for _, to := range targets {
			assert.False(t, CanTransition(from, to), "%s -> %s must be rejected", from, to)
		}
	}
}

func TestCallTransitions_AnyNonTerminalCanFail(t *testing.T) {
	for _, from := range []CallStatus{CallQueued, CallRinging, CallInProgress} {
		for _, to := range []CallStatus{CallFailed, CallBusy, CallNoAnswer, CallCanceled} {
			assert.True(t, CanTransition(from, to), "%s -> %s should be allowed", from, to)
		}
	}
}

func TestCallTransitions_NoBackwardMoves(t *testing.T) {
	assert.False(t, CanTransition(CallInProgress, CallRinging))
	assert.False(t, CanTransition(CallRinging, CallQueued))
	assert.False(t, CanTransition(CallInProgress, CallQueued))
}

func TestBatchTransitions(t *testing.T) {
	assert.Equal(t, []BatchStatus{BatchPending}, BatchAllowedFrom(BatchRunning))
	assert.Equal(t, []BatchStatus{BatchRunning}, BatchAllowedFrom(BatchFinished))
	assert.Contains(t, BatchAllowedFrom(BatchCanceled), BatchPending)
	assert.Contains(t, BatchAllowedFrom(BatchCanceled), BatchRunning)
	assert.True(t, BatchFinished.IsTerminal())
	assert.True(t, BatchCanceled.IsTerminal())
	assert.False(t, BatchRunning.IsTerminal())
}

func TestErrorHTTPStatusMapping(t *testing.T) {
	cases := map[ErrorCode]int{
		ErrValidation:           http.StatusBadRequest,
		ErrUnauthorized:         http.StatusUnauthorized,
		ErrForbidden:            http.StatusForbidden,
		ErrFeatureDisabled:      http.StatusForbidden,
		ErrOutsideBusinessHours: http.StatusForbidden,
		ErrInsufficientFunds:    http.StatusPaymentRequired,
		ErrRateLimited:          http.StatusTooManyRequests,
		ErrNoProvider:           http.StatusServiceUnavailable,
		ErrProviderFailed:       http.StatusBadGateway,
		ErrNotFound:             http.StatusNotFound,
		ErrConflict:             http.StatusConflict,
		ErrInternal:             http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, NewError(code, "x").HTTPStatus(), "code=%s", code)
	}
}

func TestAsError_WrapsUnknownAsInternal(t *testing.T) {
	de := AsError(assert.AnError)
	assert.Equal(t, ErrInternal, de.Code)
	assert.ErrorIs(t, de, assert.AnError)
}

func TestAsError_PreservesDomainErrors(t *testing.T) {
	orig := NewError(ErrRateLimited, "slow down").WithDetails(map[string]any{"retry_after": 60})
	de := AsError(orig)
	assert.Same(t, orig, de)
	assert.Equal(t, 60, de.Details["retry_after"])
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	p := &Principal{SubjectID: "user-1", TenantID: "tenant-1", Role: "admin", Capabilities: []string{"calls:start"}}
	ctx := WithPrincipal(context.Background(), p)

	got, err := PrincipalFrom(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", got.TenantID)
	assert.True(t, got.HasCapability("calls:start"))
	assert.False(t, got.HasCapability("admin:delete"))
}

func TestPrincipalFrom_MissingPrincipal(t *testing.T) {
	_, err := PrincipalFrom(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrUnauthorized))
}

func TestHasCapability_Wildcard(t *testing.T) {
	p := &Principal{Capabilities: []string{"*"}}
	assert.True(t, p.HasCapability("anything"))
}
