package bili

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Common errors
var (
	// ErrNotFound indicates the video does not exist or is gone (permanent)
	ErrNotFound = errors.New("video not found")

	// ErrNoAudioStream indicates no audio-only stream is available (permanent)
	ErrNoAudioStream = errors.New("no audio stream available")

	// ErrRateLimited indicates the API rate limit was exceeded
	ErrRateLimited = errors.New("rate limited")

	// ErrTemporaryFailure indicates a transient upstream failure
	ErrTemporaryFailure = errors.New("temporary failure")
)

// IsPermanentError returns true when retrying cannot help.
func IsPermanentError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoAudioStream)
}

// rateLimiter implements a simple token bucket rate limiter
type rateLimiter struct {
	mu          sync.Mutex
	interval    time.Duration
	lastRequest time.Time
}

func newRateLimiter(requestsPerSecond int) *rateLimiter {
	interval := time.Second / time.Duration(requestsPerSecond)
	return &rateLimiter{
		interval: interval,
	}
}

// Wait blocks until a request can be made
func (r *rateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	nextAllowed := r.lastRequest.Add(r.interval)

	if now.Before(nextAllowed) {
		waitTime := nextAllowed.Sub(now)
		select {
		case <-time.After(waitTime):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.lastRequest = time.Now()
	return nil
}
