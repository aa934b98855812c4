package auth

import (
	"context"
	"sync"
	"time"
)

// RateLimiter checks whether a request from the given identity should
// be allowed.
type RateLimiter interface {
	Allow(ctx context.Context, identity *Identity) error
}

// InProcessLimiter is a sliding-window rate limiter that tracks request
// counts per subject in memory. Sandbox provisioning is expensive, so
// the limit guards every authenticated endpoint, not just runs.
type InProcessLimiter struct {
	perSubject map[string]int
	defaultRPM int
	mu         sync.Mutex
	counters   map[string]*counter
}

type counter struct {
	count    int
	windowAt time.Time
}

// NewInProcessLimiter creates a rate limiter. perSubject overrides the
// default requests-per-minute for specific subjects; a limit of 0 or
// less means unlimited for that subject.
func NewInProcessLimiter(perSubject map[string]int, defaultRPM int) *InProcessLimiter {
	return &InProcessLimiter{
		perSubject: perSubject,
		defaultRPM: defaultRPM,
		counters:   make(map[string]*counter),
	}
}

// Allow checks if the request is within the subject's rate limit.
// Fails open: any internal error allows the request.
func (l *InProcessLimiter) Allow(_ context.Context, identity *Identity) error {
	rpm := l.defaultRPM
	if v, ok := l.perSubject[identity.Subject]; ok {
		rpm = v
	}
	if rpm <= 0 {
		return nil // no limit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	c, ok := l.counters[identity.Subject]
	if !ok || now.Sub(c.windowAt) >= time.Minute {
		// New window.
		l.counters[identity.Subject] = &counter{count: 1, windowAt: now}
		return nil
	}

	c.count++
	if c.count > rpm {
		return ErrTooManyRequests
	}

	return nil
}
