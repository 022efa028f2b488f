// Package quota enforces the daily analysis quota.
//
// The counter is a single record {date, count, exhausted} held by a Store.
// Every Limiter operation is one Store.Update, so the read, the date rollover,
// the decision and the write happen inside one critical section. That section
// is exclusive across goroutines and, for the file and Redis stores, across
// processes.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const dateLayout = "2006-01-02"

// Denial reasons.
const (
	ReasonLimitReached = "daily_limit_reached"
	ReasonExhausted    = "provider_exhausted"
)

// State is the persisted daily counter.
type State struct {
	Date      string `json:"date"`
	Count     int    `json:"count"`
	Exhausted bool   `json:"exhausted"`
}

// Store holds State and runs updates on it atomically.
//
// Update reads the current state, calls fn on a copy, persists the copy if fn
// changed it and returns the resulting state. If fn returns an error nothing
// is written. fn may be called more than once by stores that retry on
// conflict, so it must not have side effects outside the State.
type Store interface {
	Update(ctx context.Context, fn func(*State) error) (State, error)
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Date      string `json:"date"`
	Count     int    `json:"count"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Exhausted bool   `json:"exhausted"`
	Reason    string `json:"reason,omitempty"`
}

// Limiter applies the daily limit to a Store.
type Limiter struct {
	store Store
	limit int
	now   func() time.Time
	log   logrus.FieldLogger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now. The date is taken in the clock's location.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used for rollover and exhaustion events.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Limiter) { l.log = log }
}

// NewLimiter returns a limiter allowing limit analysis calls per local day.
func NewLimiter(store Store, limit int, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("quota: nil store")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("quota: limit must be > 0 (got %d)", limit)
	}
	l := &Limiter{
		store: store,
		limit: limit,
		now:   time.Now,
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Limit is the configured daily limit.
func (l *Limiter) Limit() int { return l.limit }

func (l *Limiter) rollover(s *State) {
	today := l.now().Format(dateLayout)
	if s.Date == today {
		return
	}
	if s.Date != "" {
		l.log.WithFields(logrus.Fields{"previous_date": s.Date, "previous_count": s.Count, "date": today}).
			Info("daily quota rolled over")
	}
	*s = State{Date: today}
}

func (l *Limiter) decide(s State) Decision {
	d := Decision{
		Allowed:   true,
		Date:      s.Date,
		Count:     s.Count,
		Limit:     l.limit,
		Remaining: l.limit - s.Count,
		Exhausted: s.Exhausted,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	switch {
	case s.Exhausted:
		d.Allowed = false
		d.Reason = ReasonExhausted
	case s.Count >= l.limit:
		d.Allowed = false
		d.Reason = ReasonLimitReached
	}
	return d
}

// Check reports whether an analysis call would be allowed right now without
// consuming quota. A date rollover observed here is persisted.
func (l *Limiter) Check(ctx context.Context) (Decision, error) {
	var d Decision
	_, err := l.store.Update(ctx, func(s *State) error {
		l.rollover(s)
		d = l.decide(*s)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("quota check: %w", err)
	}
	return d, nil
}

// CheckAndReserve consumes one unit of quota if any is left. The returned
// decision reflects the state after the reservation. Denials never change the
// count.
func (l *Limiter) CheckAndReserve(ctx context.Context) (Decision, error) {
	var d Decision
	_, err := l.store.Update(ctx, func(s *State) error {
		l.rollover(s)
		d = l.decide(*s)
		if !d.Allowed {
			return nil
		}
		s.Count++
		d = l.decide(*s)
		d.Allowed = true
		d.Reason = ""
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("quota reserve: %w", err)
	}
	return d, nil
}

// CurrentCount returns today's count.
func (l *Limiter) CurrentCount(ctx context.Context) (int, error) {
	d, err := l.Check(ctx)
	if err != nil {
		return 0, err
	}
	return d.Count, nil
}

// MarkExhausted records that the provider reported its credits are used up.
// Every check for the rest of the day is denied.
func (l *Limiter) MarkExhausted(ctx context.Context) error {
	st, err := l.store.Update(ctx, func(s *State) error {
		l.rollover(s)
		s.Exhausted = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("quota mark exhausted: %w", err)
	}
	l.log.WithFields(logrus.Fields{"date": st.Date, "count": st.Count}).Warn("provider quota exhausted for today")
	return nil
}
