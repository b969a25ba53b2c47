package execerror_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/blnkfinance/rebalancer/internal/execerror"
	redlock "github.com/blnkfinance/rebalancer/internal/lock"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := execerror.New(execerror.KindRetryable, "exchange unavailable", errors.New("dial tcp: timeout"))
	assert.Equal(t, "RETRYABLE: exchange unavailable: dial tcp: timeout", err.Error())

	err = execerror.New(execerror.KindDeferred, "user lock busy", nil)
	assert.Equal(t, "DEFERRED: user lock busy", err.Error())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected execerror.Kind
	}{
		{name: "nil", err: nil, expected: ""},
		{name: "malformed", err: execerror.Malformed(errors.New("version: must be 1")), expected: execerror.KindMalformed},
		{name: "wrapped non retryable", err: fmt.Errorf("place order: %w", execerror.NonRetryable("insufficient funds", nil)), expected: execerror.KindNonRetryable},
		{name: "deferred", err: execerror.Deferred("ledger busy"), expected: execerror.KindDeferred},
		{name: "lock lost", err: fmt.Errorf("%w: lease expired", redlock.ErrLockLost), expected: execerror.KindLockLost},
		{name: "context", err: context.DeadlineExceeded, expected: execerror.KindRetryable},
		{name: "unknown", err: errors.New("boom"), expected: execerror.KindRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, execerror.Classify(tt.err))
		})
	}
}

func TestShouldAcknowledge(t *testing.T) {
	assert.True(t, execerror.ShouldAcknowledge(nil))
	assert.True(t, execerror.ShouldAcknowledge(execerror.Malformed(errors.New("bad json"))))
	assert.True(t, execerror.ShouldAcknowledge(execerror.NonRetryable("rejected", nil)))
	assert.False(t, execerror.ShouldAcknowledge(execerror.Retryable("timeout", nil)))
	assert.False(t, execerror.ShouldAcknowledge(execerror.Deferred("busy")))
	assert.False(t, execerror.ShouldAcknowledge(redlock.ErrLockLost))
	assert.True(t, execerror.IsDeferred(execerror.Deferred("busy")))
}
