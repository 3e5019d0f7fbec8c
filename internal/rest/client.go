// Package rest is the HTTP client for the brokerage's request/response API:
// quotes, price history, option chains, order entry, and the user-principals
// call that seeds streaming logins.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradewire/internal/auth"
	"tradewire/internal/domain"
	"tradewire/internal/stream"
	"tradewire/internal/util"
)

// Price-history period and frequency types.
const (
	PeriodTypeDay   = "day"
	PeriodTypeMonth = "month"
	PeriodTypeYear  = "year"
	PeriodTypeYTD   = "ytd"

	FrequencyTypeMinute  = "minute"
	FrequencyTypeDaily   = "daily"
	FrequencyTypeWeekly  = "weekly"
	FrequencyTypeMonthly = "monthly"
)

// Option-chain contract and range filters.
const (
	ContractTypeAll  = "ALL"
	ContractTypeCall = "CALL"
	ContractTypePut  = "PUT"

	RangeAll        = "ALL"
	RangeInTheMoney = "ITM"
	RangeNearMarket = "NTM"
	RangeOutOfMoney = "OTM"
)

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("rest: %s: %s", e.Status, e.Body)
	}
	return "rest: " + e.Status
}

// Compile-time interface check.
var _ stream.PrincipalFetcher = (*Client)(nil)

// Client talks to the brokerage API with bearer-token auth and client-side
// rate limiting. Safe for concurrent use.
type Client struct {
	baseURL    string
	creds      auth.CredentialStore
	httpClient *http.Client
	limiter    *util.RateLimiter
	log        *slog.Logger
	now        func() time.Time
}

// NewClient creates a Client. limiter, httpClient, and log may be nil.
func NewClient(baseURL string, creds auth.CredentialStore, limiter *util.RateLimiter, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		httpClient: httpClient,
		limiter:    limiter,
		log:        log.With("component", "rest"),
		now:        time.Now,
	}
}

// do runs one authenticated request and decodes the JSON response into out.
// A 401 invalidates the cached access token and retries once with a fresh
// one.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		tok, err := c.creds.Token(ctx)
		if err != nil {
			return fmt.Errorf("rest: obtaining access token: %w", err)
		}

		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		var reqBody io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("rest: encoding request body: %w", err)
			}
			reqBody = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("rest: %s %s: %w", method, path, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			c.log.Warn("access token rejected, refreshing", "path", path)
			c.creds.Invalidate()
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return &APIError{
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Body:       strings.TrimSpace(string(raw)),
			}
		}

		if out != nil {
			err = json.NewDecoder(resp.Body).Decode(out)
		}
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("rest: parsing %s response: %w", path, err)
		}
		return nil
	}
}

// ---------------------------------------------------------------------------
// Quotes
// ---------------------------------------------------------------------------

type rawQuote struct {
	Symbol          string  `json:"symbol"`
	Description     string  `json:"description"`
	BidPrice        float64 `json:"bidPrice"`
	AskPrice        float64 `json:"askPrice"`
	LastPrice       float64 `json:"lastPrice"`
	Mark            float64 `json:"mark"`
	BidSize         int64   `json:"bidSize"`
	AskSize         int64   `json:"askSize"`
	LastSize        int64   `json:"lastSize"`
	Volatility      float64 `json:"volatility"`
	QuoteTimeInLong int64   `json:"quoteTimeInLong"`
	TradeTimeInLong int64   `json:"tradeTimeInLong"`
}

// GetQuotes fetches real-time quotes keyed by symbol.
func (c *Client) GetQuotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("rest: no symbols given")
	}
	q := url.Values{}
	q.Set("symbol", strings.Join(symbols, ","))

	var raw map[string]rawQuote
	if err := c.do(ctx, http.MethodGet, "/marketdata/quotes", q, nil, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]domain.Quote, len(raw))
	for sym, rq := range raw {
		out[sym] = domain.Quote{
			Symbol:      rq.Symbol,
			Description: rq.Description,
			Bid:         rq.BidPrice,
			Ask:         rq.AskPrice,
			Last:        rq.LastPrice,
			Mark:        rq.Mark,
			BidSize:     rq.BidSize,
			AskSize:     rq.AskSize,
			LastSize:    rq.LastSize,
			Volatility:  rq.Volatility,
			QuoteTime:   time.UnixMilli(rq.QuoteTimeInLong),
			TradeTime:   time.UnixMilli(rq.TradeTimeInLong),
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Price history
// ---------------------------------------------------------------------------

type rawCandle struct {
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   int64   `json:"volume"`
	Datetime int64   `json:"datetime"`
}

// GetHistory fetches OHLCV history for a symbol, newest bar first.
func (c *Client) GetHistory(ctx context.Context, symbol, periodType string, period int, frequencyType string, frequency int) ([]domain.Bar, error) {
	q := url.Values{}
	q.Set("periodType", periodType)
	q.Set("period", strconv.Itoa(period))
	q.Set("frequencyType", frequencyType)
	q.Set("frequency", strconv.Itoa(frequency))
	q.Set("endDate", strconv.FormatInt(c.now().UnixMilli(), 10))

	var raw struct {
		Symbol  string      `json:"symbol"`
		Empty   bool        `json:"empty"`
		Candles []rawCandle `json:"candles"`
	}
	path := "/marketdata/" + url.PathEscape(symbol) + "/pricehistory"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &raw); err != nil {
		return nil, err
	}

	bars := make([]domain.Bar, 0, len(raw.Candles))
	for i := len(raw.Candles) - 1; i >= 0; i-- {
		rc := raw.Candles[i]
		bars = append(bars, domain.Bar{
			Symbol:    symbol,
			Timestamp: time.UnixMilli(rc.Datetime),
			Open:      rc.Open,
			High:      rc.High,
			Low:       rc.Low,
			Close:     rc.Close,
			Volume:    rc.Volume,
		})
	}
	return bars, nil
}

// ---------------------------------------------------------------------------
// Option chains
// ---------------------------------------------------------------------------

// ChainOptions filters an option-chain request. The zero value fetches all
// contracts of all expirations.
type ChainOptions struct {
	ContractType string // ContractTypeAll when empty
	Range        string // RangeAll when empty
	StrikeCount  int    // all strikes when 0
	FromDate     time.Time
	ToDate       time.Time
}

type rawContract struct {
	Symbol         string  `json:"symbol"`
	Description    string  `json:"description"`
	PutCall        string  `json:"putCall"`
	SettlementType string  `json:"settlementType"`
	ExpirationDate int64   `json:"expirationDate"`
	StrikePrice    float64 `json:"strikePrice"`
	Bid            float64 `json:"bid"`
	Ask            float64 `json:"ask"`
	Last           float64 `json:"last"`
	Mark           float64 `json:"mark"`
	TotalVolume    int64   `json:"totalVolume"`
	OpenInterest   int64   `json:"openInterest"`
	Volatility     float64 `json:"volatility"`
	Delta          float64 `json:"delta"`
	Gamma          float64 `json:"gamma"`
	Theta          float64 `json:"theta"`
	BidSize        int64   `json:"bidSize"`
	AskSize        int64   `json:"askSize"`
	LastSize       int64   `json:"lastSize"`
}

// GetOptionChains fetches option chains per underlying symbol. When a strike
// lists both settlement variants, the PM-settled (or blank-settled) contract
// is kept and the AM-settled one discarded.
func (c *Client) GetOptionChains(ctx context.Context, symbols []string, opts ChainOptions) (map[string][]domain.OptionContract, error) {
	if opts.ContractType == "" {
		opts.ContractType = ContractTypeAll
	}
	if opts.Range == "" {
		opts.Range = RangeAll
	}

	out := make(map[string][]domain.OptionContract, len(symbols))
	for _, symbol := range symbols {
		q := url.Values{}
		q.Set("symbol", symbol)
		q.Set("contractType", opts.ContractType)
		q.Set("range", opts.Range)
		q.Set("optionType", "S")
		if opts.StrikeCount > 0 {
			q.Set("strikeCount", strconv.Itoa(opts.StrikeCount))
		}
		if !opts.FromDate.IsZero() {
			q.Set("fromDate", opts.FromDate.Format("2006-01-02"))
		}
		if !opts.ToDate.IsZero() {
			q.Set("toDate", opts.ToDate.Format("2006-01-02"))
		}

		var raw struct {
			CallExpDateMap map[string]map[string][]rawContract `json:"callExpDateMap"`
			PutExpDateMap  map[string]map[string][]rawContract `json:"putExpDateMap"`
		}
		if err := c.do(ctx, http.MethodGet, "/marketdata/chains", q, nil, &raw); err != nil {
			return nil, err
		}

		var contracts []domain.OptionContract
		for _, expMap := range []map[string]map[string][]rawContract{raw.CallExpDateMap, raw.PutExpDateMap} {
			for _, strikes := range expMap {
				for _, variants := range strikes {
					rc, ok := preferSettlement(variants)
					if !ok {
						continue
					}
					contracts = append(contracts, domain.OptionContract{
						Symbol:         rc.Symbol,
						Description:    rc.Description,
						ExpirationDate: time.UnixMilli(rc.ExpirationDate),
						SettlementType: rc.SettlementType,
						Strike:         rc.StrikePrice,
						PutCall:        rc.PutCall,
						Bid:            rc.Bid,
						Ask:            rc.Ask,
						Last:           rc.Last,
						Mark:           rc.Mark,
						Volume:         rc.TotalVolume,
						OpenInterest:   rc.OpenInterest,
						Volatility:     rc.Volatility,
						Delta:          rc.Delta,
						Gamma:          rc.Gamma,
						Theta:          rc.Theta,
						BidSize:        rc.BidSize,
						AskSize:        rc.AskSize,
						LastSize:       rc.LastSize,
					})
				}
			}
		}
		out[symbol] = contracts
	}
	return out, nil
}

// preferSettlement picks one contract per strike: the first variant when it
// is PM-settled or unmarked, otherwise the last.
func preferSettlement(variants []rawContract) (rawContract, bool) {
	if len(variants) == 0 {
		return rawContract{}, false
	}
	first := variants[0]
	if first.SettlementType == "P" || first.SettlementType == " " || first.SettlementType == "" {
		return first, true
	}
	return variants[len(variants)-1], true
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// PostOrder submits a new order to the account.
func (c *Client) PostOrder(ctx context.Context, accountID string, order *domain.Order) error {
	path := "/accounts/" + url.PathEscape(accountID) + "/orders"
	if err := c.do(ctx, http.MethodPost, path, nil, order.WireSpec(), nil); err != nil {
		return err
	}
	c.log.Info("order posted",
		"account", accountID, "symbol", order.Symbol,
		"type", order.Type, "direction", order.Direction, "quantity", order.Quantity)
	return nil
}

// ---------------------------------------------------------------------------
// User principals
// ---------------------------------------------------------------------------

type rawPrincipals struct {
	UserID       string `json:"userId"`
	StreamerInfo struct {
		StreamerSocketURL string `json:"streamerSocketUrl"`
		Token             string `json:"token"`
		TokenTimestamp    string `json:"tokenTimestamp"`
		UserGroup         string `json:"userGroup"`
		AccessLevel       string `json:"accessLevel"`
		ACL               string `json:"acl"`
		AppID             string `json:"appId"`
	} `json:"streamerInfo"`
	Accounts []struct {
		AccountID         string `json:"accountId"`
		Company           string `json:"company"`
		Segment           string `json:"segment"`
		AccountCdDomainID string `json:"accountCdDomainId"`
	} `json:"accounts"`
	StreamerSubscriptionKeys struct {
		Keys []struct {
			Key string `json:"key"`
		} `json:"keys"`
	} `json:"streamerSubscriptionKeys"`
}

// FetchLoginPayload calls the user-principals endpoint and assembles the
// streaming login payload for the account. Every call yields a fresh
// streamer token and timestamp.
func (c *Client) FetchLoginPayload(ctx context.Context, accountID string) (*stream.LoginPayload, error) {
	q := url.Values{}
	q.Set("fields", "streamerSubscriptionKeys,streamerConnectionInfo")

	var raw rawPrincipals
	if err := c.do(ctx, http.MethodGet, "/userprincipals", q, nil, &raw); err != nil {
		return nil, err
	}

	p := &stream.LoginPayload{
		UserID:      raw.UserID,
		StreamURL:   "wss://" + raw.StreamerInfo.StreamerSocketURL + "/ws",
		AppID:       raw.StreamerInfo.AppID,
		AccessLevel: raw.StreamerInfo.AccessLevel,
		Token:       raw.StreamerInfo.Token,
		UserGroup:   raw.StreamerInfo.UserGroup,
		ACL:         raw.StreamerInfo.ACL,
	}
	ts, err := parseTokenTimestamp(raw.StreamerInfo.TokenTimestamp)
	if err != nil {
		return nil, fmt.Errorf("rest: parsing streamer token timestamp: %w", err)
	}
	p.TokenTimestamp = ts

	found := false
	for _, acct := range raw.Accounts {
		p.AccountIDs = append(p.AccountIDs, acct.AccountID)
		if acct.AccountID == accountID {
			p.AccountID = acct.AccountID
			p.Company = acct.Company
			p.Segment = acct.Segment
			p.CDDomain = acct.AccountCdDomainID
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("rest: account %q not listed in user principals", accountID)
	}
	if keys := raw.StreamerSubscriptionKeys.Keys; len(keys) > 0 {
		p.SubscriptionKey = keys[0].Key
	}
	return p, nil
}

// parseTokenTimestamp accepts the timestamp formats the principals endpoint
// has been seen to emit.
func parseTokenTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05-0700",
		"2006-01-02T15:04:05",
	} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
