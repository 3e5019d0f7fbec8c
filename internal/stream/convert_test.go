package stream

import (
	"testing"
	"time"

	"tradewire/internal/domain"
)

func TestEventAsTick(t *testing.T) {
	ev := Event{
		Service: domain.ServiceTimesaleEquity,
		Key:     "SPY",
		Fields: map[string]any{
			"1": float64(1724500000000),
			"2": 449.52,
			"3": float64(200),
			"4": float64(7),
		},
	}
	tick, ok := ev.AsTick()
	if !ok {
		t.Fatal("AsTick rejected a timesale event")
	}
	if tick.Symbol != "SPY" || tick.Price != 449.52 || tick.Size != 200 || tick.Seq != 7 {
		t.Errorf("tick = %+v", tick)
	}
	if tick.Timestamp.UnixMilli() != 1724500000000 {
		t.Errorf("timestamp = %v", tick.Timestamp)
	}

	// Wrong service and priceless rows are rejected.
	ev.Service = domain.ServiceQuote
	if _, ok := ev.AsTick(); ok {
		t.Error("AsTick accepted a quote event")
	}
	ev.Service = domain.ServiceTimesaleEquity
	delete(ev.Fields, "2")
	if _, ok := ev.AsTick(); ok {
		t.Error("AsTick accepted a row without a price")
	}
}

func TestEventAsTickStringNumbers(t *testing.T) {
	ev := Event{
		Service:    domain.ServiceTimesaleEquity,
		Key:        "SPY",
		ReceivedAt: time.UnixMilli(1724500000500),
		Fields:     map[string]any{"2": "449.52"},
	}
	tick, ok := ev.AsTick()
	if !ok || tick.Price != 449.52 {
		t.Fatalf("tick = %+v, ok = %v", tick, ok)
	}
	// Missing trade time falls back to receive time.
	if !tick.Timestamp.Equal(ev.ReceivedAt) {
		t.Errorf("timestamp = %v, want receive time", tick.Timestamp)
	}
}

func TestEventAsBar(t *testing.T) {
	ev := Event{
		Service: domain.ServiceChartEquity,
		Key:     "SPY",
		Fields: map[string]any{
			"1": 449.0, "2": 450.5, "3": 448.5, "4": 450.0,
			"5": float64(120000), "7": float64(1724500000000),
		},
	}
	bar, ok := ev.AsBar()
	if !ok {
		t.Fatal("AsBar rejected a chart event")
	}
	if bar.Open != 449.0 || bar.High != 450.5 || bar.Low != 448.5 || bar.Close != 450.0 {
		t.Errorf("bar = %+v", bar)
	}
	if bar.Volume != 120000 || bar.Timestamp.UnixMilli() != 1724500000000 {
		t.Errorf("bar = %+v", bar)
	}
}

func TestEventAsFill(t *testing.T) {
	ev := Event{
		Service:    domain.ServiceAcctActivity,
		Key:        "activity-key",
		ReceivedAt: time.UnixMilli(1724500000000),
		Fields: map[string]any{
			"1": "ACCT-1",
			"2": "OrderFill",
			"3": "<OrderGroupID>...</OrderGroupID><OrderKey>12345678</OrderKey>",
		},
	}
	fill, ok := ev.AsFill()
	if !ok {
		t.Fatal("AsFill rejected an order fill event")
	}
	if fill.Status != domain.StatusFilled || fill.AccountID != "ACCT-1" || fill.OrderID != "12345678" {
		t.Errorf("fill = %+v", fill)
	}

	// Administrative activity messages carry no status transition.
	ev.Fields["2"] = "SUBSCRIBED"
	if _, ok := ev.AsFill(); ok {
		t.Error("AsFill accepted a SUBSCRIBED message")
	}
}
