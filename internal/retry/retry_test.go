package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/inboxhq/mailcore/internal/errors"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		MinDelay:    time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Factor:      2,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func(attempt int, prev apperrors.Class) error {
		calls++
		assert.Equal(t, 0, attempt)
		assert.Equal(t, apperrors.ClassFatal, prev)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientErrors(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func(attempt int, prev apperrors.Class) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_FatalErrorStopsImmediately(t *testing.T) {
	calls := 0
	cause := errors.New("invalid_grant: token revoked")
	err := fastPolicy().Do(context.Background(), func(attempt int, prev apperrors.Class) error {
		calls++
		return cause
	})
	require.Error(t, err)
	assert.Equal(t, cause, err)
	assert.Equal(t, 1, calls)
}

func TestDo_PassesPreviousClassToNextAttempt(t *testing.T) {
	var seen []apperrors.Class
	_ = fastPolicy().Do(context.Background(), func(attempt int, prev apperrors.Class) error {
		seen = append(seen, prev)
		return errors.New("authentication failed")
	})
	require.Len(t, seen, 3)
	assert.Equal(t, apperrors.ClassFatal, seen[0])
	assert.Equal(t, apperrors.ClassAuthRetryable, seen[1])
	assert.Equal(t, apperrors.ClassAuthRetryable, seen[2])
}

func TestDo_ExhaustedBudgetReturnsLastError(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func(attempt int, prev apperrors.Class) error {
		calls++
		return errors.Errorf("i/o timeout on attempt %d", attempt)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "attempt 2")
}

func TestDo_CancelledContextWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fastPolicy().Do(ctx, func(attempt int, prev apperrors.Class) error {
		t.Fatal("fn must not run on a cancelled context")
		return nil
	})
	assert.Equal(t, context.Canceled, err)
}
