package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradewire/internal/auth"
	"tradewire/internal/domain"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeCreds struct {
	fail  atomic.Bool
	calls atomic.Int64
}

func (c *fakeCreds) Token(ctx context.Context) (auth.Token, error) {
	c.calls.Add(1)
	if c.fail.Load() {
		return auth.Token{}, errors.New("token endpoint down")
	}
	return auth.Token{AccessToken: "access"}, nil
}

func (c *fakeCreds) Invalidate() {}

type fakePrincipals struct {
	mu       sync.Mutex
	fetches  int
	payloads []*LoginPayload
}

func (p *fakePrincipals) FetchLoginPayload(ctx context.Context, accountID string) (*LoginPayload, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	lp := &LoginPayload{
		UserID:          "user-1",
		AccountID:       accountID,
		StreamURL:       "wss://streamer.test/ws",
		AppID:           "APP",
		AccessLevel:     "1",
		Token:           fmt.Sprintf("streamer-token-%d", p.fetches),
		TokenTimestamp:  time.Now(),
		SubscriptionKey: fmt.Sprintf("activity-key-%d", p.fetches),
	}
	p.payloads = append(p.payloads, lp)
	return lp, nil
}

func (p *fakePrincipals) fetchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches
}

// fakeConn is an in-memory streamer endpoint. Requests written by the
// session are recorded and acknowledged inline with code 0, unless the
// connection rejects logins or is muted.
type fakeConn struct {
	rejectLogin bool
	mute        atomic.Bool

	mu        sync.Mutex
	sent      []wireRequest
	inbound   chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		closeCh: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case raw := <-c.inbound:
		return raw, nil
	case <-c.closeCh:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteFrame(data []byte) error {
	select {
	case <-c.closeCh:
		return errors.New("connection closed")
	default:
	}

	var env requestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, env.Requests...)
	c.mu.Unlock()

	if c.mute.Load() {
		return nil
	}
	for _, req := range env.Requests {
		switch req.Command {
		case cmdLogin:
			if c.rejectLogin {
				c.respond(req, 3, "login denied")
			} else {
				c.respond(req, 0, "success")
			}
		case cmdSubs, cmdAdd, cmdUnsubs, cmdQOS, cmdLogout:
			c.respond(req, 0, "ok")
		}
	}
	return nil
}

func (c *fakeConn) respond(req wireRequest, code int, msg string) {
	raw, _ := json.Marshal(map[string]any{
		"response": []map[string]any{{
			"service":   req.Service,
			"command":   req.Command,
			"requestid": req.RequestID,
			"content":   map[string]any{"code": code, "msg": msg},
		}},
	})
	select {
	case c.inbound <- raw:
	case <-c.closeCh:
	}
}

// pushData injects a data frame as if the server streamed it.
func (c *fakeConn) pushData(t *testing.T, service string, rows ...map[string]any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"data": []map[string]any{{"service": service, "content": rows}},
	})
	if err != nil {
		t.Fatalf("marshalling data frame: %v", err)
	}
	select {
	case c.inbound <- raw:
	case <-c.closeCh:
		t.Fatal("pushing data on a closed connection")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}

func (c *fakeConn) requests(command string) []wireRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wireRequest
	for _, req := range c.sent {
		if req.Command == command {
			out = append(out, req)
		}
	}
	return out
}

type fakeDialer struct {
	mu           sync.Mutex
	conns        []*fakeConn
	failDials    int
	rejectLogins int
	muteConns    int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failDials > 0 {
		d.failDials--
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	if d.rejectLogins > 0 {
		d.rejectLogins--
		c.rejectLogin = true
	}
	if d.muteConns > 0 {
		d.muteConns--
		c.mute.Store(true)
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type sessionEnv struct {
	session    *Session
	dialer     *fakeDialer
	creds      *fakeCreds
	principals *fakePrincipals
	states     chan State
	errs       chan error
}

func newSessionEnv(t *testing.T, mod func(*SessionConfig)) *sessionEnv {
	t.Helper()
	env := &sessionEnv{
		dialer:     &fakeDialer{},
		creds:      &fakeCreds{},
		principals: &fakePrincipals{},
		states:     make(chan State, 64),
		errs:       make(chan error, 64),
	}
	cfg := SessionConfig{
		AccountID:    "ACCT-1",
		QOSLevel:     1,
		LoginTimeout: time.Second,
		// Keepalive effectively off unless a test opts in.
		HeartbeatInterval: time.Hour,
		BackoffBase:       5 * time.Millisecond,
		BackoffMax:        20 * time.Millisecond,
		OnState: func(st State) {
			select {
			case env.states <- st:
			default:
			}
		},
		OnError: func(err error) {
			select {
			case env.errs <- err:
			default:
			}
		},
	}
	if mod != nil {
		mod(&cfg)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.session = NewSession(cfg, env.creds, env.principals, env.dialer, log)
	t.Cleanup(env.session.Stop)
	return env
}

func (env *sessionEnv) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case st := <-env.states:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s (currently %s)", want, env.session.State())
		}
	}
}

func (env *sessionEnv) waitError(t *testing.T, match func(error) bool) error {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case err := <-env.errs:
			if match(err) {
				return err
			}
		case <-deadline:
			t.Fatal("timed out waiting for error")
			return nil
		}
	}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestSessionLoginHandshake(t *testing.T) {
	env := newSessionEnv(t, nil)
	env.session.Start()
	env.waitState(t, StateActive)

	if env.dialer.count() != 1 {
		t.Fatalf("dialed %d times, want 1", env.dialer.count())
	}
	logins := env.dialer.conn(0).requests(cmdLogin)
	if len(logins) != 1 {
		t.Fatalf("sent %d LOGIN requests, want 1", len(logins))
	}
	req := logins[0]
	if req.Service != "ADMIN" || req.RequestID != 0 {
		t.Errorf("LOGIN = %s id %d, want ADMIN id 0", req.Service, req.RequestID)
	}
	if req.Parameters["token"] != "streamer-token-1" {
		t.Errorf("LOGIN token = %q", req.Parameters["token"])
	}
	if !strings.Contains(req.Parameters["credential"], "userid=ACCT-1") {
		t.Errorf("credential missing userid: %q", req.Parameters["credential"])
	}
}

func TestSubscribeBeforeStartIsQueuedAndReplayed(t *testing.T) {
	env := newSessionEnv(t, nil)

	if err := env.session.Subscribe(domain.ServiceQuote, []string{"SPY", "$SPX.X"}, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := env.session.Subscribe(domain.ServiceAcctActivity, nil, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env.session.Start()
	env.waitState(t, StateActive)

	conn := env.dialer.conn(0)
	waitFor(t, "queued subscriptions to replay", func() bool {
		return len(conn.requests(cmdSubs)) == 2
	})

	byService := map[string]wireRequest{}
	for _, req := range conn.requests(cmdSubs) {
		byService[req.Service] = req
	}
	if q, ok := byService["QUOTE"]; !ok || q.Parameters["keys"] != "$SPX.X,SPY" {
		t.Errorf("QUOTE SUBS = %+v", q)
	} else if q.Parameters["fields"] == "" {
		t.Error("QUOTE SUBS sent no fields")
	}
	if a, ok := byService["ACCT_ACTIVITY"]; !ok || a.Parameters["keys"] != "activity-key-1" {
		t.Errorf("ACCT_ACTIVITY SUBS = %+v, want the payload subscription key", a)
	}
}

func TestSubscribeWhileActiveSendsIncrementalAdd(t *testing.T) {
	env := newSessionEnv(t, nil)
	env.session.Start()
	env.waitState(t, StateActive)
	conn := env.dialer.conn(0)

	if err := env.session.Subscribe(domain.ServiceQuote, []string{"SPY"}, []string{"0", "1"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "initial SUBS", func() bool { return len(conn.requests(cmdSubs)) == 1 })

	if err := env.session.Subscribe(domain.ServiceQuote, []string{"QQQ"}, []string{"0", "1"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "incremental ADD", func() bool { return len(conn.requests(cmdAdd)) == 1 })
	add := conn.requests(cmdAdd)[0]
	if add.Parameters["keys"] != "QQQ" {
		t.Errorf("ADD keys = %q, want only the new key", add.Parameters["keys"])
	}

	// Re-subscribing an existing key sends nothing.
	if err := env.session.Subscribe(domain.ServiceQuote, []string{"SPY"}, []string{"0", "1"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(conn.requests(cmdAdd)); n != 1 {
		t.Errorf("re-subscribe produced %d ADDs, want 1", n)
	}
	if n := len(conn.requests(cmdSubs)); n != 1 {
		t.Errorf("re-subscribe produced %d SUBS, want 1", n)
	}
}

func TestUnsubscribeWhileActive(t *testing.T) {
	env := newSessionEnv(t, nil)
	env.session.Start()
	env.waitState(t, StateActive)
	conn := env.dialer.conn(0)

	env.session.Subscribe(domain.ServiceQuote, []string{"SPY", "QQQ"}, []string{"0"})
	waitFor(t, "SUBS", func() bool { return len(conn.requests(cmdSubs)) == 1 })

	if err := env.session.Unsubscribe(domain.ServiceQuote, []string{"SPY"}); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	waitFor(t, "UNSUBS", func() bool { return len(conn.requests(cmdUnsubs)) == 1 })
	if keys := conn.requests(cmdUnsubs)[0].Parameters["keys"]; keys != "SPY" {
		t.Errorf("UNSUBS keys = %q", keys)
	}

	snap := env.session.Snapshot()
	if len(snap) != 1 || len(snap[0].Keys) != 1 || snap[0].Keys[0] != "QQQ" {
		t.Errorf("snapshot after unsubscribe = %+v", snap)
	}
}

func TestSubscribeFieldGrowthResendsFullSubs(t *testing.T) {
	env := newSessionEnv(t, nil)
	env.session.Start()
	env.waitState(t, StateActive)
	conn := env.dialer.conn(0)

	env.session.Subscribe(domain.ServiceQuote, []string{"SPY"}, []string{"1"})
	waitFor(t, "initial SUBS", func() bool { return len(conn.requests(cmdSubs)) == 1 })

	// Widening the field set must reach the server now, not at the next
	// reconnect. SUBS replaces server-side state, so it carries every key.
	if err := env.session.Subscribe(domain.ServiceQuote, []string{"SPY"}, []string{"1", "2"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "field-widening SUBS", func() bool { return len(conn.requests(cmdSubs)) == 2 })
	subs := conn.requests(cmdSubs)[1]
	if subs.Parameters["keys"] != "SPY" || subs.Parameters["fields"] != "1,2" {
		t.Errorf("SUBS = %+v, want the full key set with the widened fields", subs.Parameters)
	}
	if n := len(conn.requests(cmdAdd)); n != 0 {
		t.Errorf("field-only change produced %d ADDs, want 0", n)
	}

	// Repeating the widened subscribe is a no-op again.
	env.session.Subscribe(domain.ServiceQuote, []string{"SPY"}, []string{"1", "2"})
	time.Sleep(20 * time.Millisecond)
	if n := len(conn.requests(cmdSubs)); n != 2 {
		t.Errorf("repeat subscribe produced %d SUBS, want 2", n)
	}
}

func TestUnsubscribeDropsKeylessAccountStream(t *testing.T) {
	env := newSessionEnv(t, nil)
	env.session.Start()
	env.waitState(t, StateActive)
	conn := env.dialer.conn(0)

	env.session.Subscribe(domain.ServiceAcctActivity, nil, nil)
	waitFor(t, "SUBS", func() bool { return len(conn.requests(cmdSubs)) == 1 })

	if err := env.session.Unsubscribe(domain.ServiceAcctActivity, nil); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	waitFor(t, "UNSUBS", func() bool { return len(conn.requests(cmdUnsubs)) == 1 })
	if keys := conn.requests(cmdUnsubs)[0].Parameters["keys"]; keys != "activity-key-1" {
		t.Errorf("UNSUBS keys = %q, want the payload subscription key", keys)
	}
	if snap := env.session.Snapshot(); len(snap) != 0 {
		t.Errorf("snapshot after drop = %+v, want empty", snap)
	}
}

func TestStopSendsLogout(t *testing.T) {
	env := newSessionEnv(t, nil)
	env.session.Start()
	env.waitState(t, StateActive)
	conn := env.dialer.conn(0)

	env.session.Stop()
	if n := len(conn.requests(cmdLogout)); n != 1 {
		t.Fatalf("Stop sent %d LOGOUTs, want 1", n)
	}
	select {
	case <-conn.closeCh:
	default:
		t.Error("connection not closed after Stop")
	}

	// A second Stop has no connection left to log out of.
	env.session.Stop()
	if n := len(conn.requests(cmdLogout)); n != 1 {
		t.Errorf("second Stop sent another LOGOUT (%d total)", n)
	}
}

func TestDataDeliveredToSink(t *testing.T) {
	env := newSessionEnv(t, nil)
	env.session.Start()
	env.waitState(t, StateActive)

	sink := env.session.Events(domain.ServiceQuote, 8)
	defer env.session.Release(sink)

	env.dialer.conn(0).pushData(t, "QUOTE", map[string]any{"key": "SPY", "1": 449.5, "99": "mystery"})

	select {
	case ev := <-sink.C():
		if ev.Service != domain.ServiceQuote || ev.Key != "SPY" {
			t.Errorf("event = %+v", ev)
		}
		if ev.Fields["1"] != 449.5 {
			t.Errorf("field 1 = %v", ev.Fields["1"])
		}
		if ev.Fields["99"] != "mystery" {
			t.Errorf("unknown field not preserved: %v", ev.Fields["99"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestReconnectReplaysSubscriptionsWithFreshPayload(t *testing.T) {
	env := newSessionEnv(t, nil)
	env.session.Start()
	env.waitState(t, StateActive)

	env.session.Subscribe(domain.ServiceQuote, []string{"SPY"}, []string{"0", "1"})
	env.session.Subscribe(domain.ServiceAcctActivity, nil, nil)
	conn0 := env.dialer.conn(0)
	waitFor(t, "initial subscriptions", func() bool { return len(conn0.requests(cmdSubs)) == 2 })

	// Network drop.
	conn0.Close()
	env.waitState(t, StateReconnecting)
	env.waitState(t, StateActive)

	if env.dialer.count() != 2 {
		t.Fatalf("dialed %d times, want 2", env.dialer.count())
	}
	if env.principals.fetchCount() != 2 {
		t.Errorf("fetched %d login payloads, want a fresh one per attempt", env.principals.fetchCount())
	}
	if env.principals.payloads[0].Token == env.principals.payloads[1].Token {
		t.Error("reconnect reused the previous streamer token")
	}

	conn1 := env.dialer.conn(1)
	waitFor(t, "resubscription replay", func() bool { return len(conn1.requests(cmdSubs)) == 2 })
	replayed := map[string]string{}
	for _, req := range conn1.requests(cmdSubs) {
		replayed[req.Service] = req.Parameters["keys"]
	}
	if replayed["QUOTE"] != "SPY" {
		t.Errorf("replayed QUOTE keys = %q", replayed["QUOTE"])
	}
	// The account stream is re-keyed from the fresh payload, not the old one.
	if replayed["ACCT_ACTIVITY"] != "activity-key-2" {
		t.Errorf("replayed ACCT_ACTIVITY keys = %q", replayed["ACCT_ACTIVITY"])
	}
	if logins := conn1.requests(cmdLogin); len(logins) != 1 || logins[0].RequestID != 0 {
		t.Errorf("second connection LOGIN = %+v, want a fresh id 0", logins)
	}
}

func TestLoginRejectedThenRecovers(t *testing.T) {
	env := newSessionEnv(t, nil)
	env.dialer.rejectLogins = 1
	env.session.Start()

	err := env.waitError(t, func(err error) bool {
		var rej *LoginRejectedError
		return errors.As(err, &rej)
	})
	var rej *LoginRejectedError
	errors.As(err, &rej)
	if rej.Code != 3 || rej.Msg != "login denied" {
		t.Errorf("rejection = %+v", rej)
	}

	env.waitState(t, StateActive)
	if env.dialer.count() < 2 {
		t.Errorf("dialed %d times, want a retry after rejection", env.dialer.count())
	}
}

func TestDialFailuresBackOffThenConnect(t *testing.T) {
	env := newSessionEnv(t, nil)
	env.dialer.failDials = 2
	env.session.Start()
	env.waitState(t, StateActive)

	if env.dialer.count() != 1 {
		t.Errorf("established %d connections, want 1", env.dialer.count())
	}
	if env.principals.fetchCount() != 3 {
		t.Errorf("fetched %d payloads, want one per attempt", env.principals.fetchCount())
	}
}

func TestCredentialFailureSurfacesAuthError(t *testing.T) {
	env := newSessionEnv(t, nil)
	env.creds.fail.Store(true)
	env.session.Start()

	env.waitError(t, func(err error) bool {
		var ae *AuthError
		return errors.As(err, &ae)
	})
	if env.dialer.count() != 0 {
		t.Errorf("dialed %d times before credentials were available", env.dialer.count())
	}

	env.creds.fail.Store(false)
	env.waitState(t, StateActive)
}

func TestLoginTimeout(t *testing.T) {
	env := newSessionEnv(t, func(cfg *SessionConfig) {
		cfg.LoginTimeout = 30 * time.Millisecond
	})
	env.dialer.muteConns = 1
	env.session.Start()

	env.waitError(t, func(err error) bool {
		return err != nil && strings.Contains(err.Error(), "login timed out")
	})
	env.waitState(t, StateActive)
	if env.dialer.count() < 2 {
		t.Errorf("dialed %d times, want a retry after the timeout", env.dialer.count())
	}
}

func TestKeepaliveDetectsDeadConnection(t *testing.T) {
	env := newSessionEnv(t, func(cfg *SessionConfig) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
	})
	env.session.Start()
	env.waitState(t, StateActive)

	// The server goes silent: writes still succeed but nothing comes back.
	env.dialer.conn(0).mute.Store(true)

	env.waitState(t, StateReconnecting)
	env.waitState(t, StateActive)
	if env.dialer.count() != 2 {
		t.Errorf("dialed %d times, want 2", env.dialer.count())
	}
}

func TestStrictSubscribeRequiresActiveSession(t *testing.T) {
	env := newSessionEnv(t, func(cfg *SessionConfig) {
		cfg.StrictSubscribe = true
	})

	if err := env.session.Subscribe(domain.ServiceQuote, []string{"SPY"}, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe err = %v, want ErrNotConnected", err)
	}
	if err := env.session.Unsubscribe(domain.ServiceQuote, []string{"SPY"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe err = %v, want ErrNotConnected", err)
	}
	if snap := env.session.Snapshot(); len(snap) != 0 {
		t.Errorf("strict mode must not queue, snapshot = %+v", snap)
	}
}

func TestStopPreservesRegistryAndStartReconnects(t *testing.T) {
	env := newSessionEnv(t, nil)
	env.session.Start()
	env.waitState(t, StateActive)
	env.session.Subscribe(domain.ServiceQuote, []string{"SPY"}, []string{"0", "1"})
	waitFor(t, "SUBS", func() bool { return len(env.dialer.conn(0).requests(cmdSubs)) == 1 })

	env.session.Stop()
	if st := env.session.State(); st != StateClosed {
		t.Fatalf("state after Stop = %s, want CLOSED", st)
	}
	if snap := env.session.Snapshot(); len(snap) != 1 {
		t.Fatalf("Stop dropped the registry: %+v", snap)
	}

	env.session.Start()
	env.waitState(t, StateActive)

	if env.principals.fetchCount() != 2 {
		t.Errorf("restart fetched %d payloads, want a fresh one", env.principals.fetchCount())
	}
	conn1 := env.dialer.conn(1)
	waitFor(t, "replay after restart", func() bool { return len(conn1.requests(cmdSubs)) == 1 })
	if keys := conn1.requests(cmdSubs)[0].Parameters["keys"]; keys != "SPY" {
		t.Errorf("replayed keys = %q", keys)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	env := newSessionEnv(t, nil)
	env.session.Start()
	env.waitState(t, StateActive)
	env.session.Stop()
	env.session.Stop()
	if st := env.session.State(); st != StateClosed {
		t.Errorf("state = %s, want CLOSED", st)
	}
}

func TestNextBackoffSequence(t *testing.T) {
	base := time.Second
	max := 60 * time.Second

	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	cur := base
	for i, w := range want {
		cur = nextBackoff(cur, base, max)
		if cur != w {
			t.Fatalf("step %d: backoff = %s, want %s", i, cur, w)
		}
	}

	if got := nextBackoff(0, base, max); got != base {
		t.Errorf("nextBackoff(0) = %s, want the base", got)
	}
}
