package messenger

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpError(t *testing.T) {
	cause := errors.New("socket closed")
	err := NewError(ErrTransport, "publish", "orders", cause)

	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, `messenger: transport error: publish "orders": socket closed`, err.Error())

	wrapped := fmt.Errorf("sending: %w", err)
	var op *OpError
	assert.True(t, errors.As(wrapped, &op))
	assert.Equal(t, "publish", op.Op)
}

func TestIsRetryable(t *testing.T) {
	tt := []struct {
		Name     string
		Err      error
		Expected bool
	}{
		{"Nil", nil, false},
		{"Transport", NewError(ErrTransport, "publish", "", nil), true},
		{"Connection", NewError(ErrConnection, "connect", "", nil), false},
		{"Serialization", NewError(ErrSerialization, "encode", "", nil), false},
		{"Timeout", NewError(ErrTimeout, "request", "", nil), false},
		{"Cancelled", NewError(ErrCancelled, "request", "", nil), false},
		{"Unknown", errors.New("boom"), false},
	}

	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			assert.Equal(t, tc.Expected, IsRetryable(tc.Err))
		})
	}
}
