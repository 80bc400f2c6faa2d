package llmclient

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xkilldash9x/scriptgym/internal/config"
)

const (
	defaultMaxAttempts = 3
	defaultAPITimeout  = 60 * time.Second
)

// backoffFactory builds a fresh retry policy for one Generate call.
type backoffFactory func() backoff.BackOff

// newBackoffFactory caps retries at the configured attempt budget.
func newBackoffFactory(cfg config.LLMModelConfig) backoffFactory {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = defaultMaxAttempts
	}
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 1 * time.Second
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = 3 * time.Minute
		return backoff.WithMaxRetries(b, uint64(attempts-1))
	}
}

// unwrapPermanent strips the backoff.Permanent wrapper so callers see the cause.
func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultAPITimeout
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
