package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// attemptTimeout bounds a single EnsureSchema round trip during Provision.
const attemptTimeout = 5 * time.Second

// Provision runs st.EnsureSchema, retrying with exponential backoff while the
// database comes up. It gives up once timeout has elapsed or ctx ends; the
// caller treats that as fatal.
func Provision(ctx context.Context, st Store, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = timeout
	return provision(ctx, st, b)
}

func provision(ctx context.Context, st Store, b backoff.BackOff) error {
	attempts := 0
	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()
		return st.EnsureSchema(attemptCtx)
	}
	notify := func(err error, next time.Duration) {
		slog.Warn("store: schema not ready, retrying", "attempt", attempts, "in", next, "err", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("store: provision schema after %d attempts: %w", attempts, err)
	}
	return nil
}
