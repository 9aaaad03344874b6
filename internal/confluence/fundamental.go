package confluence

import (
	"context"
	"time"

	"spot-trading-engine/internal/analysis"
	"spot-trading-engine/internal/database"
)

// Trading windows around economic releases.
const (
	preEventAvoid  = 30 * time.Minute
	postEventTrade = 60 * time.Minute

	deviationSignificance = 0.5
)

// EventStore is the slice of the repository the fundamental dimension needs.
type EventStore interface {
	GetUpcomingEvents(ctx context.Context, now time.Time) ([]*database.EconomicEvent, error)
	GetRecentEvents(ctx context.Context, now time.Time) ([]*database.EconomicEvent, error)
}

// FundamentalResult is the macro-event dimension.
type FundamentalResult struct {
	Upcoming        []*database.EconomicEvent `json:"upcoming,omitempty"`
	Recent          []*database.EconomicEvent `json:"recent,omitempty"`
	PostEventWindow bool                      `json:"post_event_window"`
	EventImpact     analysis.Direction        `json:"event_impact"`
	TimeToNextEvent *time.Duration            `json:"time_to_next_event,omitempty"`
}

// AnalyzeFundamental inspects the economic calendar around now. A calendar
// read failure degrades to a neutral dimension rather than blocking.
func AnalyzeFundamental(ctx context.Context, store EventStore, now time.Time) FundamentalResult {
	result := FundamentalResult{EventImpact: analysis.Neutral}
	if store == nil {
		return result
	}

	if upcoming, err := store.GetUpcomingEvents(ctx, now); err == nil {
		result.Upcoming = upcoming
		if len(upcoming) > 0 {
			ttl := upcoming[0].ReleaseTime.Sub(now)
			result.TimeToNextEvent = &ttl
		}
	}

	recent, err := store.GetRecentEvents(ctx, now)
	if err != nil || len(recent) == 0 {
		return result
	}
	result.Recent = recent

	last := recent[0]
	if now.Sub(last.ReleaseTime) < postEventTrade {
		result.PostEventWindow = true

		if dev := last.DeviationFromForecast; dev != nil {
			if *dev > deviationSignificance {
				result.EventImpact = analysis.Bullish
			} else if *dev < -deviationSignificance {
				result.EventImpact = analysis.Bearish
			}
		}
	}

	return result
}

// InPreEventGuard reports whether the next release is too close to trade.
func (f FundamentalResult) InPreEventGuard() bool {
	return f.TimeToNextEvent != nil && *f.TimeToNextEvent < preEventAvoid
}
