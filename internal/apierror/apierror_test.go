package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		err    *Error
		code   Code
		status int
	}{
		{NotFound("missing"), CodeEntityNotFound, http.StatusNotFound},
		{InvalidRequest("bad"), CodeInvalidRequest, http.StatusBadRequest},
		{InsufficientFunds("broke", nil), CodeInsufficientFunds, http.StatusPaymentRequired},
		{JobAlreadyStarted("started"), CodeJobAlreadyStarted, http.StatusBadRequest},
		{JobAlreadyCancelled("cancelled"), CodeJobAlreadyCancelled, http.StatusBadRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, tt.err.Code)
		assert.Equal(t, tt.status, tt.err.HTTPStatus)
	}
}

func TestInsufficientFundsDetails(t *testing.T) {
	err := InsufficientFunds("Insufficient funds", map[string]string{
		"requested_amount": "10.00000",
	})
	details, ok := err.Details.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "10.00000", details["requested_amount"])
}

func TestAsError(t *testing.T) {
	base := NotFound("gone")
	wrapped := fmt.Errorf("outer: %w", base)

	assert.Equal(t, base, AsError(wrapped))
	assert.Nil(t, AsError(errors.New("plain")))
	assert.Nil(t, AsError(nil))
}

func TestErrIntegrityWrapping(t *testing.T) {
	err := fmt.Errorf("%w: reservation for job x is negative", ErrIntegrity)
	assert.True(t, errors.Is(err, ErrIntegrity))
	assert.Nil(t, AsError(err), "integrity violations must not surface as client errors")
}

func TestEventError(t *testing.T) {
	err := Eventf("job %s doesn't exist", "abc")
	assert.EqualError(t, err, "job abc doesn't exist")
	assert.True(t, IsEventError(err))
	assert.True(t, IsEventError(fmt.Errorf("wrap: %w", err)))
	assert.False(t, IsEventError(errors.New("other")))
}
