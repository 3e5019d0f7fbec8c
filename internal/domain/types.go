// Package domain defines the value types shared across tradewire: streaming
// services and their wire field codes, quotes, bars, option contracts, ticks,
// and the order model.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Streaming services
// ---------------------------------------------------------------------------

// Service identifies one streaming data category. The string value is the
// wire name used in stream requests and inbound data frames.
type Service string

const (
	ServiceAdmin          Service = "ADMIN"
	ServiceQuote          Service = "QUOTE"
	ServiceChartEquity    Service = "CHART_EQUITY"
	ServiceOption         Service = "OPTION"
	ServiceAcctActivity   Service = "ACCT_ACTIVITY"
	ServiceTimesaleEquity Service = "TIMESALE_EQUITY"
)

// dataServices are the subscribable services, in stable order.
var dataServices = []Service{
	ServiceQuote,
	ServiceChartEquity,
	ServiceOption,
	ServiceAcctActivity,
	ServiceTimesaleEquity,
}

// ParseService matches a wire service name case-insensitively.
func ParseService(name string) (Service, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(name))
	if trimmed == string(ServiceAdmin) {
		return ServiceAdmin, nil
	}
	for _, svc := range dataServices {
		if trimmed == string(svc) {
			return svc, nil
		}
	}
	return "", fmt.Errorf("unknown service %q", name)
}

// Valid reports whether s is a subscribable data service.
func (s Service) Valid() bool {
	for _, svc := range dataServices {
		if s == svc {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Market data value types
// ---------------------------------------------------------------------------

// Quote is a real-time equity quote.
type Quote struct {
	Symbol      string
	Description string
	Bid         float64
	Ask         float64
	Last        float64
	Mark        float64
	BidSize     int64
	AskSize     int64
	LastSize    int64
	Volatility  float64
	QuoteTime   time.Time
	TradeTime   time.Time
}

// Bar is one OHLCV aggregation period.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Tick is a single time-and-sales print from the stream.
type Tick struct {
	Symbol    string
	Timestamp time.Time
	Price     float64
	Size      int64
	Seq       int64
}

// OptionContract is a single option contract from a chain or the stream.
type OptionContract struct {
	Symbol         string
	Description    string
	ExpirationDate time.Time
	SettlementType string
	Strike         float64
	PutCall        string
	Bid            float64
	Ask            float64
	Last           float64
	Mark           float64
	Volume         int64
	OpenInterest   int64
	Volatility     float64
	Delta          float64
	Gamma          float64
	Theta          float64
	BidSize        int64
	AskSize        int64
	LastSize       int64
}

// Fill is an account-activity order status change delivered by the stream.
type Fill struct {
	OrderID   string
	AccountID string
	Status    OrderStatus
	At        time.Time
}
