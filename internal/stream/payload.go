package stream

import (
	"context"
	"net/url"
	"strconv"
	"time"
)

// LoginPayload carries the one-time streaming credentials returned by the
// user-principals endpoint. A fresh payload is fetched for every connection
// attempt; the token timestamp is never reused across attempts.
type LoginPayload struct {
	UserID      string
	AccountID   string
	AccountIDs  []string
	StreamURL   string // wss endpoint to dial
	AppID       string
	AccessLevel string

	// Token is the streamer signature issued with the payload, distinct
	// from the OAuth access token.
	Token          string
	TokenTimestamp time.Time

	Company   string
	Segment   string
	CDDomain  string
	UserGroup string
	ACL       string

	// SubscriptionKey is the key used for ACCT_ACTIVITY subscriptions.
	SubscriptionKey string
}

// credential form-encodes the payload into the LOGIN request's credential
// parameter.
func (p *LoginPayload) credential() string {
	v := url.Values{}
	v.Set("userid", p.AccountID)
	v.Set("token", p.Token)
	v.Set("company", p.Company)
	v.Set("segment", p.Segment)
	v.Set("cddomain", p.CDDomain)
	v.Set("usergroup", p.UserGroup)
	v.Set("accesslevel", p.AccessLevel)
	v.Set("authorized", "Y")
	v.Set("timestamp", strconv.FormatInt(p.TokenTimestamp.UnixMilli(), 10))
	v.Set("appid", p.AppID)
	v.Set("acl", p.ACL)
	return v.Encode()
}

// PrincipalFetcher produces a fresh LoginPayload for a connection attempt.
// The REST client implements it.
type PrincipalFetcher interface {
	FetchLoginPayload(ctx context.Context, accountID string) (*LoginPayload, error)
}
