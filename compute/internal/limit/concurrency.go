package limit

import (
	"context"
	"net/http"
	"time"
)

// Slots is a counting semaphore backed by a buffered channel.
type Slots struct {
	sem chan struct{}
}

// NewSlots returns a pool with capacity max.
func NewSlots(max int) *Slots {
	return &Slots{sem: make(chan struct{}, max)}
}

// Acquire blocks until a slot is free or ctx ends. On success it returns a
// release func that must be called exactly once.
func (s *Slots) Acquire(ctx context.Context) (release func(), ok bool) {
	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, true
	case <-ctx.Done():
		return nil, false
	}
}

// InUse returns the number of held slots.
func (s *Slots) InUse() int { return len(s.sem) }

// Concurrency returns middleware that serves at most max requests at once.
// A request that cannot get a slot within acquireTimeout (zero: only while the
// client waits) gets 503. max <= 0 disables the limit.
func Concurrency(max int, acquireTimeout time.Duration, onReject func()) func(http.Handler) http.Handler {
	if max <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	slots := NewSlots(max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if acquireTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, acquireTimeout)
				defer cancel()
			}

			release, ok := slots.Acquire(ctx)
			if !ok {
				if onReject != nil {
					onReject()
				}
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}
