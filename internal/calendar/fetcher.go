package calendar

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"spot-trading-engine/internal/database"
)

// EventSink persists fetched calendar entries.
type EventSink interface {
	UpsertEconomicEvent(ctx context.Context, e *database.EconomicEvent) error
}

// feedEntry is one item in the calendar feed's JSON payload.
type feedEntry struct {
	Event       string   `json:"event"`
	Country     string   `json:"country"`
	ReleaseTime string   `json:"release_time"` // RFC 3339
	Forecast    *float64 `json:"forecast"`
	Actual      *float64 `json:"actual"`
	Previous    *float64 `json:"previous"`
	Impact      string   `json:"impact"`
}

// Config holds the calendar feed parameters.
type Config struct {
	FeedURL        string
	RefreshMinutes int
}

// Fetcher periodically pulls the macroeconomic calendar feed and upserts the
// entries, so re-fetching a release that gained its actual value updates the
// stored row.
type Fetcher struct {
	client   *resty.Client
	sink     EventSink
	config   *Config
	stopChan chan struct{}
}

// NewFetcher creates a calendar fetcher.
func NewFetcher(sink EventSink, config *Config) *Fetcher {
	if config.RefreshMinutes <= 0 {
		config.RefreshMinutes = 30
	}

	client := resty.New().
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(2 * time.Second)

	return &Fetcher{
		client:   client,
		sink:     sink,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Start launches the refresh loop. The first fetch runs immediately.
func (f *Fetcher) Start(ctx context.Context) {
	go func() {
		if err := f.FetchOnce(ctx); err != nil {
			log.Printf("[Calendar] Initial fetch failed: %v", err)
		}

		ticker := time.NewTicker(time.Duration(f.config.RefreshMinutes) * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-f.stopChan:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := f.FetchOnce(ctx); err != nil {
					log.Printf("[Calendar] Fetch failed: %v", err)
				}
			}
		}
	}()
	log.Printf("[Calendar] Fetcher started, refresh every %dm", f.config.RefreshMinutes)
}

// Stop halts the refresh loop.
func (f *Fetcher) Stop() {
	close(f.stopChan)
}

// FetchOnce pulls the feed and upserts every entry.
func (f *Fetcher) FetchOnce(ctx context.Context) error {
	var entries []feedEntry
	resp, err := f.client.R().
		SetContext(ctx).
		SetResult(&entries).
		Get(f.config.FeedURL)
	if err != nil {
		return fmt.Errorf("fetching calendar feed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("calendar feed returned %s", resp.Status())
	}

	stored := 0
	for i := range entries {
		event, err := toEconomicEvent(&entries[i])
		if err != nil {
			log.Printf("[Calendar] Skipping entry %q: %v", entries[i].Event, err)
			continue
		}
		if err := f.sink.UpsertEconomicEvent(ctx, event); err != nil {
			return fmt.Errorf("storing event %s: %w", event.EventType, err)
		}
		stored++
	}

	log.Printf("[Calendar] Stored %d/%d calendar entries", stored, len(entries))
	return nil
}

func toEconomicEvent(entry *feedEntry) (*database.EconomicEvent, error) {
	releaseTime, err := time.Parse(time.RFC3339, entry.ReleaseTime)
	if err != nil {
		return nil, fmt.Errorf("bad release time %q: %w", entry.ReleaseTime, err)
	}

	event := &database.EconomicEvent{
		EventType:   normalizeEventType(entry.Event),
		Country:     strings.ToUpper(entry.Country),
		ReleaseTime: releaseTime.UTC(),
		Forecast:    entry.Forecast,
		Actual:      entry.Actual,
		Previous:    entry.Previous,
		Impact:      normalizeImpact(entry.Impact),
	}
	event.ComputeDeviation()
	return event, nil
}

// normalizeEventType maps feed labels onto the engine's event taxonomy.
func normalizeEventType(label string) string {
	upper := strings.ToUpper(label)
	for _, known := range []string{"CPI", "PPI", "NFP", "FOMC", "GDP"} {
		if strings.Contains(upper, known) {
			return known
		}
	}
	if strings.Contains(upper, "NONFARM") || strings.Contains(upper, "NON-FARM") {
		return "NFP"
	}
	if strings.Contains(upper, "RATE DECISION") || strings.Contains(upper, "FED") {
		return "FOMC"
	}
	return "OTHER"
}

func normalizeImpact(impact string) string {
	switch strings.ToUpper(impact) {
	case database.ImpactHigh:
		return database.ImpactHigh
	case database.ImpactMedium:
		return database.ImpactMedium
	default:
		return database.ImpactLow
	}
}
