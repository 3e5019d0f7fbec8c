package domain

// Numeric field codes used on the wire. Inbound data rows key values by the
// decimal string form of these codes; subscription requests send them as a
// comma-separated list.

// QUOTE field codes.
const (
	QuoteFieldSymbol     = "0"
	QuoteFieldBidPrice   = "1"
	QuoteFieldAskPrice   = "2"
	QuoteFieldLastPrice  = "3"
	QuoteFieldBidSize    = "4"
	QuoteFieldAskSize    = "5"
	QuoteFieldLastSize   = "9"
	QuoteFieldVolatility = "24"
	QuoteFieldMarkPrice  = "49"
	QuoteFieldQuoteTime  = "50"
	QuoteFieldTradeTime  = "51"
)

// CHART_EQUITY field codes.
const (
	ChartFieldSymbol    = "0"
	ChartFieldOpen      = "1"
	ChartFieldHigh      = "2"
	ChartFieldLow       = "3"
	ChartFieldClose     = "4"
	ChartFieldVolume    = "5"
	ChartFieldSequence  = "6"
	ChartFieldTimestamp = "7"
)

// OPTION field codes.
const (
	OptionFieldSymbol       = "0"
	OptionFieldBidPrice     = "2"
	OptionFieldAskPrice     = "3"
	OptionFieldLastPrice    = "4"
	OptionFieldVolume       = "8"
	OptionFieldOpenInterest = "9"
	OptionFieldVolatility   = "10"
	OptionFieldBidSize      = "20"
	OptionFieldAskSize      = "21"
	OptionFieldLastSize     = "22"
	OptionFieldDelta        = "32"
	OptionFieldMarkPrice    = "41"
)

// ACCT_ACTIVITY field codes.
const (
	AcctFieldSubscriptionKey = "0"
	AcctFieldAccountID       = "1"
	AcctFieldMessageType     = "2"
	AcctFieldMessageData     = "3"
)

// TIMESALE_EQUITY field codes.
const (
	TimesaleFieldSymbol    = "0"
	TimesaleFieldTradeTime = "1"
	TimesaleFieldLastPrice = "2"
	TimesaleFieldLastSize  = "3"
	TimesaleFieldSequence  = "4"
)

// DefaultFields returns the standard field-code set requested when
// subscribing to a service.
func DefaultFields(s Service) []string {
	switch s {
	case ServiceQuote:
		return []string{
			QuoteFieldBidPrice, QuoteFieldAskPrice, QuoteFieldLastPrice,
			QuoteFieldMarkPrice, QuoteFieldBidSize, QuoteFieldAskSize,
			QuoteFieldLastSize, QuoteFieldVolatility,
			QuoteFieldQuoteTime, QuoteFieldTradeTime,
		}
	case ServiceChartEquity:
		return []string{
			ChartFieldOpen, ChartFieldHigh, ChartFieldLow, ChartFieldClose,
			ChartFieldVolume, ChartFieldSequence, ChartFieldTimestamp,
		}
	case ServiceOption:
		return []string{
			OptionFieldBidPrice, OptionFieldAskPrice, OptionFieldLastPrice,
			OptionFieldVolume, OptionFieldOpenInterest, OptionFieldVolatility,
			OptionFieldBidSize, OptionFieldAskSize, OptionFieldLastSize,
			OptionFieldDelta, OptionFieldMarkPrice,
		}
	case ServiceAcctActivity:
		return []string{
			AcctFieldAccountID, AcctFieldMessageType, AcctFieldMessageData,
		}
	case ServiceTimesaleEquity:
		return []string{
			TimesaleFieldTradeTime, TimesaleFieldLastPrice,
			TimesaleFieldLastSize, TimesaleFieldSequence,
		}
	}
	return nil
}
