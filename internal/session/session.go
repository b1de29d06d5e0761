// Package session keeps a lazily created client and recreates it once it is older than a fixed age.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const DefaultMaxAge = time.Hour

// expiredCredentialCodes are the AWS error codes after which retrying on the same client is pointless.
var expiredCredentialCodes = map[string]bool{
	"ExpiredToken":          true,
	"ExpiredTokenException": true,
	"InvalidAccessKeyId":    true,
	"InvalidClientTokenId":  true,
	"RequestExpired":        true,
}

// IsExpiredCredentials reports whether an API error code means the session's credentials are no longer valid.
func IsExpiredCredentials(code string) bool {
	return expiredCredentialCodes[code]
}

type State int

const (
	Unset State = iota
	Fresh
	Stale
)

func (s State) String() string {
	return [...]string{"unset", "fresh", "stale"}[s]
}

// Factory builds a new client, typically from freshly loaded credentials.
type Factory[T any] func(ctx context.Context) (T, error)

// Holder is shared by all callers of one component. A renewal never interrupts an in-flight call:
// callers keep the value they got from Get until they finish.
type Holder[T any] struct {
	name      string
	factory   Factory[T]
	maxAge    time.Duration
	now       func() time.Time
	mu        sync.Mutex
	value     T
	createdAt time.Time
	set       bool
	renewals  int
}

func NewHolder[T any](name string, factory Factory[T], maxAge time.Duration, now func() time.Time) *Holder[T] {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if now == nil {
		now = time.Now
	}
	return &Holder[T]{
		name:    name,
		factory: factory,
		maxAge:  maxAge,
		now:     now,
	}
}

func (h *Holder[T]) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateLocked()
}

func (h *Holder[T]) stateLocked() State {
	switch {
	case !h.set:
		return Unset
	case h.now().Sub(h.createdAt) >= h.maxAge:
		return Stale
	default:
		return Fresh
	}
}

// Get returns the current client, creating or renewing it first when it is unset or stale.
func (h *Holder[T]) Get(ctx context.Context) (T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state := h.stateLocked()
	if state == Fresh {
		return h.value, nil
	}
	v, err := h.factory(ctx)
	if err != nil {
		var zero T
		if state == Stale {
			// keep serving the old client; the next call retries the renewal.
			slog.Warn("failed to renew session. reusing the previous one.", slog.String("session", h.name),
				slog.String("err", err.Error()))
			return h.value, nil
		}
		return zero, fmt.Errorf("create %s session: %w", h.name, err)
	}
	if state == Stale {
		h.renewals++
		slog.Debug("session renewed.", slog.String("session", h.name), slog.Int("renewals", h.renewals))
	}
	h.value = v
	h.createdAt = h.now()
	h.set = true
	return v, nil
}

// Invalidate marks the client stale so the next Get recreates it.
func (h *Holder[T]) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.set {
		h.createdAt = h.now().Add(-h.maxAge)
	}
}
