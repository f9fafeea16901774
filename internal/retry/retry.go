package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	apperrors "github.com/inboxhq/mailcore/internal/errors"
)

// Policy is the single retry/backoff abstraction shared by every
// outbound call site (protocol sessions, OAuth exchange, watch renewal).
type Policy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Factor      float64
	// Classify buckets errors; defaults to the engine-wide taxonomy.
	Classify func(error) apperrors.Class
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		MinDelay:    500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Factor:      2,
	}
}

// Do runs fn until it succeeds, a fatal error occurs, the context is
// cancelled, or the attempt budget is exhausted. The attempt callback
// receives the class of the previous failure so callers can force a
// credential refresh before an auth-retryable attempt; the first call
// gets ClassFatal as a neutral value with attempt 0.
func (p Policy) Do(ctx context.Context, fn func(attempt int, prev apperrors.Class) error) error {
	classify := p.Classify
	if classify == nil {
		classify = apperrors.Classify
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	b := &backoff.Backoff{
		Min:    p.MinDelay,
		Max:    p.MaxDelay,
		Factor: p.Factor,
		Jitter: true,
	}

	var lastErr error
	prev := apperrors.ClassFatal

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt, prev)
		if err == nil {
			return nil
		}
		lastErr = err

		class := classify(err)
		if class == apperrors.ClassFatal {
			return err
		}
		prev = class

		if attempt == p.MaxAttempts-1 {
			break
		}

		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}
