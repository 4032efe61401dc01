// Package ratelimit gates batch dispatch per backend session.
//
// Counters live in the store, one row per session, and reset lazily at
// check time. Callers must hold the session lock (Acquire) across the
// whole check-dispatch-consume sequence so two concurrent experiments on
// one session cannot both pass the check before either records usage.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"splitsend/internal/store"
)

type Store interface {
	GetRateLimit(ctx context.Context, session string) (store.RateLimit, bool, error)
	InitRateLimit(ctx context.Context, session string, now time.Time) error
	ConsumeRateLimit(ctx context.Context, in store.RateLimitConsume) error
}

type Limits struct {
	PerHour  int
	PerDay   int
	Cooldown time.Duration
}

func DefaultLimits() Limits {
	return Limits{PerHour: 100, PerDay: 1000, Cooldown: 5 * time.Minute}
}

const (
	ReasonCooldown    = "cooldown"
	ReasonHourlyLimit = "hourly_limit"
	ReasonDailyLimit  = "daily_limit"
)

type Decision struct {
	Allowed       bool
	Reason        string
	CooldownUntil time.Time
	NextAllowed   time.Time
	HourCount     int
	DayCount      int
}

type Limiter struct {
	Store  Store
	Limits Limits

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Acquire locks the session and returns its release func.
func (l *Limiter) Acquire(session string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[session]
	if !ok {
		m = &sync.Mutex{}
		l.locks[session] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Check reports whether a batch may be sent on the session right now.
// It never mutates state.
func (l *Limiter) Check(ctx context.Context, session string, now time.Time) (Decision, error) {
	rl, found, err := l.Store.GetRateLimit(ctx, session)
	if err != nil {
		return Decision{}, err
	}
	if !found {
		return Decision{Allowed: true}, nil
	}

	if rl.CooldownUntil != nil && rl.CooldownUntil.After(now) {
		return Decision{
			Reason:        ReasonCooldown,
			CooldownUntil: *rl.CooldownUntil,
			NextAllowed:   *rl.CooldownUntil,
		}, nil
	}

	// Lazy window resets, evaluated at check time.
	hour, day := rl.MessagesSentHour, rl.MessagesSentDay
	if now.Sub(rl.LastSendAt) >= time.Hour {
		hour = 0
	}
	if now.Sub(rl.LastSendAt) >= 24*time.Hour {
		day = 0
	}

	if hour >= l.Limits.PerHour {
		return Decision{
			Reason:      ReasonHourlyLimit,
			NextAllowed: rl.LastSendAt.Add(time.Hour),
			HourCount:   hour,
			DayCount:    day,
		}, nil
	}
	if day >= l.Limits.PerDay {
		return Decision{
			Reason:      ReasonDailyLimit,
			NextAllowed: rl.LastSendAt.Add(24 * time.Hour),
			HourCount:   hour,
			DayCount:    day,
		}, nil
	}

	return Decision{Allowed: true, HourCount: hour, DayCount: day}, nil
}

// Consume records n sends and always arms a fresh cooldown, enforcing the
// minimum inter-batch gap even when plenty of quota remains.
func (l *Limiter) Consume(ctx context.Context, session string, n int, now time.Time) error {
	return l.Store.ConsumeRateLimit(ctx, store.RateLimitConsume{
		Session:       session,
		N:             n,
		Now:           now,
		CooldownUntil: now.Add(l.Limits.Cooldown),
		HourCutoff:    now.Add(-time.Hour),
		DayCutoff:     now.Add(-24 * time.Hour),
	})
}

// Initialize resets the session's counters and clears any cooldown,
// independent of other experiments sharing the session.
func (l *Limiter) Initialize(ctx context.Context, session string, now time.Time) error {
	return l.Store.InitRateLimit(ctx, session, now)
}
