package session

import (
	"context"
	"time"
)

// Clock is the session's only source of time and scheduling.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f once after d. The returned func cancels it and
	// reports whether it was still pending.
	AfterFunc(d time.Duration, f func()) (cancel func() bool)
	// Every runs f every d until ctx is done.
	Every(ctx context.Context, d time.Duration, f func())
}

type systemClock struct{}

// SystemClock returns the wall-clock implementation.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

func (systemClock) Every(ctx context.Context, d time.Duration, f func()) {
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f()
			}
		}
	}()
}
