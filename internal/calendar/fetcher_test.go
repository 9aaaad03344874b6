package calendar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"spot-trading-engine/internal/database"
)

type fakeSink struct {
	events []*database.EconomicEvent
}

func (f *fakeSink) UpsertEconomicEvent(ctx context.Context, e *database.EconomicEvent) error {
	f.events = append(f.events, e)
	return nil
}

func TestFetchOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"event": "US CPI YoY", "country": "us", "release_time": "2026-09-10T12:30:00Z",
			 "forecast": 3.0, "actual": 3.4, "previous": 3.1, "impact": "high"},
			{"event": "Fed Rate Decision", "country": "US", "release_time": "2026-09-17T18:00:00Z",
			 "impact": "HIGH"},
			{"event": "Broken", "country": "US", "release_time": "not-a-time"}
		]`))
	}))
	defer server.Close()

	sink := &fakeSink{}
	fetcher := NewFetcher(sink, &Config{FeedURL: server.URL})

	if err := fetcher.FetchOnce(context.Background()); err != nil {
		t.Fatalf("FetchOnce: %v", err)
	}

	if len(sink.events) != 2 {
		t.Fatalf("stored %d events, want 2 (bad entry skipped)", len(sink.events))
	}

	cpi := sink.events[0]
	if cpi.EventType != "CPI" {
		t.Errorf("event type = %s, want CPI", cpi.EventType)
	}
	if cpi.Country != "US" || cpi.Impact != database.ImpactHigh {
		t.Errorf("country/impact = %s/%s, want US/HIGH", cpi.Country, cpi.Impact)
	}
	// Surprise: (3.4 - 3.0) / 3.0 * 100
	if cpi.DeviationFromForecast == nil {
		t.Fatal("deviation not computed")
	}
	if dev := *cpi.DeviationFromForecast; dev < 13.3 || dev > 13.4 {
		t.Errorf("deviation = %f, want about 13.33", dev)
	}

	if sink.events[1].EventType != "FOMC" {
		t.Errorf("event type = %s, want FOMC", sink.events[1].EventType)
	}
}

func TestFetchOnceFeedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	fetcher := NewFetcher(&fakeSink{}, &Config{FeedURL: server.URL})
	if err := fetcher.FetchOnce(context.Background()); err == nil {
		t.Fatal("expected an error for a failing feed")
	}
}
