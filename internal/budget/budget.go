// Package budget gates new transcription work against per-owner daily
// spend ceilings. Usage is recomputed from the job ledger on every check,
// never from an in-memory counter, so the gate is correct across restarts
// and multiple server instances.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrBudgetExceeded is returned by Check when new work may not start.
// The wrapped message names the used and requested amounts.
var ErrBudgetExceeded = errors.New("daily budget exceeded")

// UsageStore is the ledger view the guard reads. It never locks: a race
// between two simultaneous submissions from the same owner can let both
// pass before either job's duration lands, and the system accepts that
// slight overrun rather than serializing submissions.
type UsageStore interface {
	SumAudioSecondsSince(ctx context.Context, owner string, since time.Time) (float64, error)
}

// Options configures a Guard.
type Options struct {
	DailyHourLimit float64
	DailyCostLimit float64
	CostPerHour    float64
	MBPerHour      float64
	Log            zerolog.Logger
}

// Guard decides whether an owner may start new transcription work.
type Guard struct {
	store UsageStore
	opts  Options
	log   zerolog.Logger
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed        bool
	Reason         string
	UsedHours      float64
	RequestedHours float64
}

// NewGuard creates a budget guard over the given ledger view.
func NewGuard(store UsageStore, opts Options) *Guard {
	return &Guard{
		store: store,
		opts:  opts,
		log:   opts.Log.With().Str("component", "budget").Logger(),
	}
}

// EstimateHours projects audio hours from a file size using the configured
// MB-per-hour figure. Callers use this before any staging work happens.
func (g *Guard) EstimateHours(fileSizeBytes int64) float64 {
	mb := float64(fileSizeBytes) / (1024 * 1024)
	return mb / g.opts.MBPerHour
}

// Check reports whether an owner may start estimatedHours of new work
// today. Rejection performs no side effects; the caller must not have
// created any ledger row yet.
func (g *Guard) Check(ctx context.Context, owner string, estimatedHours float64) (Decision, error) {
	usedSeconds, err := g.store.SumAudioSecondsSince(ctx, owner, startOfDayUTC(time.Now()))
	if err != nil {
		return Decision{}, fmt.Errorf("budget usage query: %w", err)
	}
	usedHours := usedSeconds / 3600

	d := Decision{
		Allowed:        true,
		UsedHours:      usedHours,
		RequestedHours: estimatedHours,
	}

	if usedHours+estimatedHours > g.opts.DailyHourLimit {
		d.Allowed = false
		d.Reason = fmt.Sprintf("daily hour limit exceeded: used %.1fh today, requested %.1fh, limit %.1fh",
			usedHours, estimatedHours, g.opts.DailyHourLimit)
	} else if (usedHours+estimatedHours)*g.opts.CostPerHour > g.opts.DailyCostLimit {
		d.Allowed = false
		d.Reason = fmt.Sprintf("daily cost limit exceeded: used $%.2f today, requested $%.2f, limit $%.2f",
			usedHours*g.opts.CostPerHour, estimatedHours*g.opts.CostPerHour, g.opts.DailyCostLimit)
	}

	if !d.Allowed {
		g.log.Warn().
			Str("owner", owner).
			Float64("used_hours", usedHours).
			Float64("requested_hours", estimatedHours).
			Msg("submission rejected by budget guard")
	}
	return d, nil
}

// startOfDayUTC returns UTC midnight of the given time's day.
func startOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
