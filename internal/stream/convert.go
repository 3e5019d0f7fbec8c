package stream

import (
	"strconv"
	"strings"
	"time"

	"tradewire/internal/domain"
)

// Conversions from raw keyed events to domain values. Data frames carry
// numbers as JSON floats and occasionally as strings; both are accepted.

// AsTick converts a TIMESALE_EQUITY event to a tick. Returns false for
// events of other services or rows without a price.
func (e Event) AsTick() (domain.Tick, bool) {
	if e.Service != domain.ServiceTimesaleEquity {
		return domain.Tick{}, false
	}
	price, ok := fieldFloat(e.Fields, domain.TimesaleFieldLastPrice)
	if !ok {
		return domain.Tick{}, false
	}

	t := domain.Tick{
		Symbol:    e.Key,
		Price:     price,
		Timestamp: e.ReceivedAt,
	}
	if ms, ok := fieldInt(e.Fields, domain.TimesaleFieldTradeTime); ok {
		t.Timestamp = time.UnixMilli(ms)
	}
	if size, ok := fieldInt(e.Fields, domain.TimesaleFieldLastSize); ok {
		t.Size = size
	}
	if seq, ok := fieldInt(e.Fields, domain.TimesaleFieldSequence); ok {
		t.Seq = seq
	}
	return t, true
}

// AsBar converts a CHART_EQUITY event to a bar.
func (e Event) AsBar() (domain.Bar, bool) {
	if e.Service != domain.ServiceChartEquity {
		return domain.Bar{}, false
	}
	closePx, ok := fieldFloat(e.Fields, domain.ChartFieldClose)
	if !ok {
		return domain.Bar{}, false
	}

	b := domain.Bar{
		Symbol:    e.Key,
		Close:     closePx,
		Timestamp: e.ReceivedAt,
	}
	if ms, ok := fieldInt(e.Fields, domain.ChartFieldTimestamp); ok {
		b.Timestamp = time.UnixMilli(ms)
	}
	b.Open, _ = fieldFloat(e.Fields, domain.ChartFieldOpen)
	b.High, _ = fieldFloat(e.Fields, domain.ChartFieldHigh)
	b.Low, _ = fieldFloat(e.Fields, domain.ChartFieldLow)
	b.Volume, _ = fieldInt(e.Fields, domain.ChartFieldVolume)
	return b, true
}

// AsFill converts an ACCT_ACTIVITY event to an order status change. Message
// types that do not imply a status transition (subscription acks, heartbeat
// chatter) return false.
func (e Event) AsFill() (domain.Fill, bool) {
	if e.Service != domain.ServiceAcctActivity {
		return domain.Fill{}, false
	}
	msgType, ok := fieldString(e.Fields, domain.AcctFieldMessageType)
	if !ok {
		return domain.Fill{}, false
	}
	status, ok := domain.ActivityStatus(msgType)
	if !ok {
		return domain.Fill{}, false
	}

	f := domain.Fill{
		Status: status,
		At:     e.ReceivedAt,
	}
	f.AccountID, _ = fieldString(e.Fields, domain.AcctFieldAccountID)
	if data, ok := fieldString(e.Fields, domain.AcctFieldMessageData); ok {
		f.OrderID = orderKey(data)
	}
	return f, true
}

// orderKey pulls the order identifier out of the activity message body.
func orderKey(data string) string {
	const open, closeTag = "<OrderKey>", "</OrderKey>"
	i := strings.Index(data, open)
	if i < 0 {
		return ""
	}
	rest := data[i+len(open):]
	j := strings.Index(rest, closeTag)
	if j < 0 {
		return ""
	}
	return rest[:j]
}

func fieldFloat(fields map[string]any, code string) (float64, bool) {
	switch v := fields[code].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func fieldInt(fields map[string]any, code string) (int64, bool) {
	f, ok := fieldFloat(fields, code)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func fieldString(fields map[string]any, code string) (string, bool) {
	s, ok := fields[code].(string)
	return s, ok
}
