package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("busy")

func TestDoStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxRetries: 3}, nil, func(attempt int) error {
		calls++
		if attempt < 2 {
			return errBusy
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoExhaustsAfterMaxRetriesPlusOne(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxRetries: 2}, nil, func(int) error {
		calls++
		return errBusy
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errBusy)
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	permanent := errors.New("closed")
	calls := 0
	err := Do(context.Background(), Policy{MaxRetries: 5}, func(err error) bool {
		return errors.Is(err, errBusy)
	}, func(int) error {
		calls++
		return permanent
	})
	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxRetries: 5, Backoff: time.Hour}, nil, func(int) error {
		calls++
		cancel()
		return errBusy
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestAttemptsNegativeRetries(t *testing.T) {
	assert.Equal(t, 1, Policy{MaxRetries: -1}.Attempts())
}
