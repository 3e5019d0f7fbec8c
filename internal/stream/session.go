package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradewire/internal/auth"
	"tradewire/internal/domain"
)

// State is the session lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateLoggingIn
	StateActive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateLoggingIn:
		return "LOGGING_IN"
	case StateActive:
		return "ACTIVE"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SessionConfig tunes one Session. Zero values pick the defaults noted per
// field.
type SessionConfig struct {
	AccountID string
	QOSLevel  int

	LoginTimeout      time.Duration // default 10s
	HeartbeatInterval time.Duration // default 30s; connection presumed dead after 2x
	BackoffBase       time.Duration // default 1s
	BackoffMax        time.Duration // default 60s
	SinkBuffer        int           // default 256

	// StrictSubscribe makes Subscribe and Unsubscribe fail with
	// ErrNotConnected instead of queueing while the session is not ACTIVE.
	StrictSubscribe bool

	// OnState and OnError, when set, are invoked from session goroutines
	// and must not block.
	OnState func(State)
	OnError func(error)
}

func (c *SessionConfig) withDefaults() {
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.SinkBuffer <= 0 {
		c.SinkBuffer = 256
	}
}

// Session owns one logical streaming connection: it dials, logs in, replays
// subscriptions, keeps the connection alive, and reconnects with backoff
// when anything fails. The subscription registry outlives individual
// connections, so consumers subscribe once and the session keeps the server
// in sync.
type Session struct {
	cfg        SessionConfig
	creds      auth.CredentialStore
	principals PrincipalFetcher
	dialer     Dialer
	registry   *Registry
	dispatcher *Dispatcher
	log        *slog.Logger

	mu        sync.Mutex
	running   bool
	state     State
	conn      Conn
	enc       *Encoder
	payload   *LoginPayload
	epoch     uint64
	lastSeen  time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	logoutAck chan struct{}
}

// logoutWait bounds how long Stop waits for the LOGOUT acknowledgement
// before releasing the socket anyway.
const logoutWait = time.Second

// NewSession wires a Session. log may be nil.
func NewSession(cfg SessionConfig, creds auth.CredentialStore, principals PrincipalFetcher, dialer Dialer, log *slog.Logger) *Session {
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "stream")
	return &Session{
		cfg:        cfg,
		creds:      creds,
		principals: principals,
		dialer:     dialer,
		registry:   NewRegistry(),
		dispatcher: NewDispatcher(log),
		log:        log,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the current desired subscriptions.
func (s *Session) Snapshot() []Subscription {
	return s.registry.Snapshot()
}

// Events registers a sink for a service. buffer <= 0 uses the configured
// default. Call Release when done.
func (s *Session) Events(service domain.Service, buffer int) *Sink {
	if buffer <= 0 {
		buffer = s.cfg.SinkBuffer
	}
	return s.dispatcher.Register(service, buffer)
}

// Release detaches a sink registered with Events.
func (s *Session) Release(sink *Sink) {
	s.dispatcher.Remove(sink)
}

// Start launches the connect loop and returns immediately. Calling Start on
// a session that is already running is a no-op. After Stop, Start builds a
// fresh connection with a freshly fetched login payload.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.state = StateDisconnected
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop tears the connection down and moves the session to CLOSED. An active
// connection gets a best-effort ADMIN LOGOUT first, bounded by logoutWait,
// before the socket is released. Stop is synchronous: when it returns, the
// socket is released and all session goroutines have exited. The
// subscription registry is preserved for a later Start.
func (s *Session) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	wasActive := s.state == StateActive
	s.running = false
	s.state = StateClosed
	cancel := s.cancel
	s.cancel = nil
	conn := s.conn
	s.conn = nil
	done := s.done
	s.done = nil
	var logout []byte
	var ack chan struct{}
	if wasActive && conn != nil && s.enc != nil {
		if frame, _, err := s.enc.Logout(); err == nil {
			logout = frame
			ack = make(chan struct{})
			s.logoutAck = ack
		}
	}
	s.mu.Unlock()

	if logout != nil {
		if err := conn.WriteFrame(logout); err == nil {
			select {
			case <-ack:
			case <-time.After(logoutWait):
			}
		}
		s.ackLogout()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	if wasRunning {
		s.log.Info("session stopped")
		if s.cfg.OnState != nil {
			s.cfg.OnState(StateClosed)
		}
	}
}

// Subscribe merges keys and fields into the desired set for a service. If
// the session is ACTIVE the change is pushed to the server now: new keys on
// an unchanged field set go out as an incremental ADD, while a new service
// or a widened field set sends a full SUBS. Otherwise the change is queued
// and replayed after the next login, unless StrictSubscribe is set.
func (s *Session) Subscribe(service domain.Service, keys, fields []string) error {
	if !service.Valid() {
		return fmt.Errorf("stream: cannot subscribe to service %q", service)
	}
	if len(fields) == 0 {
		fields = domain.DefaultFields(service)
	}

	s.mu.Lock()
	if s.state != StateActive || s.conn == nil {
		strict := s.cfg.StrictSubscribe
		s.mu.Unlock()
		if strict {
			return ErrNotConnected
		}
		s.registry.Add(service, keys, fields)
		return nil
	}

	added, grew, existed := s.registry.Add(service, keys, fields)
	if existed && !grew && len(added) == 0 {
		// Nothing new to tell the server.
		s.mu.Unlock()
		return nil
	}
	sub, _ := s.registry.Get(service)
	var (
		frame []byte
		err   error
	)
	if existed && !grew {
		frame, _, err = s.enc.Add(service, added, sub.Fields)
	} else {
		// New service, or a wider field set that applies to every key:
		// SUBS replaces the server-side state for the service wholesale.
		frame, _, err = s.enc.Subscribe(service, s.effectiveKeysLocked(sub), sub.Fields)
	}
	conn := s.conn
	if err == nil {
		err = conn.WriteFrame(frame)
	}
	s.mu.Unlock()

	if err != nil {
		// The registry keeps the subscription; the post-reconnect replay
		// re-sends it.
		s.reportError(fmt.Errorf("stream: pushing subscription for %s: %w", service, err))
		conn.Close()
	}
	return nil
}

// Unsubscribe removes keys from a service's desired set, pushing an UNSUBS
// to the server when ACTIVE. Removing the last key drops the subscription
// entirely. Calling with no keys drops the whole service, which is the only
// way to stop a keyless account-activity stream short of Stop.
func (s *Session) Unsubscribe(service domain.Service, keys []string) error {
	s.mu.Lock()
	if s.state != StateActive || s.conn == nil {
		strict := s.cfg.StrictSubscribe
		s.mu.Unlock()
		if strict {
			return ErrNotConnected
		}
		if len(keys) == 0 {
			s.registry.Drop(service)
		} else {
			s.registry.Remove(service, keys)
		}
		return nil
	}

	var removed []string
	if len(keys) == 0 {
		sub, ok := s.registry.Get(service)
		if !ok {
			s.mu.Unlock()
			return nil
		}
		s.registry.Drop(service)
		removed = s.effectiveKeysLocked(sub)
	} else {
		removed = s.registry.Remove(service, keys)
	}
	if len(removed) == 0 {
		s.mu.Unlock()
		return nil
	}
	frame, _, err := s.enc.Unsubscribe(service, removed)
	conn := s.conn
	if err == nil {
		err = conn.WriteFrame(frame)
	}
	s.mu.Unlock()

	if err != nil {
		s.reportError(fmt.Errorf("stream: pushing unsubscribe for %s: %w", service, err))
		conn.Close()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Connect loop
// ---------------------------------------------------------------------------

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := s.cfg.BackoffBase
	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(StateConnecting)

		conn, dec, err := s.connect(ctx)
		if err == nil {
			err = s.login(ctx, conn, dec)
			if err == nil {
				backoff = s.cfg.BackoffBase
				s.setState(StateActive)
				s.replay(conn)
				err = s.serve(ctx, conn, dec)
			}
		}
		if conn != nil {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			conn.Close()
		}

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.reportError(err)
		}
		s.setState(StateReconnecting)
		s.log.Info("reconnecting", "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, s.cfg.BackoffBase, s.cfg.BackoffMax)
	}
}

// nextBackoff doubles the delay up to max.
func nextBackoff(cur, base, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	if next < base {
		next = base
	}
	return next
}

// connect renews credentials, fetches a fresh login payload, and dials the
// streamer. Each attempt gets a new payload and a new connection epoch.
func (s *Session) connect(ctx context.Context) (Conn, *Decoder, error) {
	if _, err := s.creds.Token(ctx); err != nil {
		return nil, nil, &AuthError{Err: err}
	}
	p, err := s.principals.FetchLoginPayload(ctx, s.cfg.AccountID)
	if err != nil {
		return nil, nil, &PayloadError{Err: err}
	}
	conn, err := s.dialer.Dial(ctx, p.StreamURL)
	if err != nil {
		return nil, nil, fmt.Errorf("stream: dialing streamer: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.payload = p
	s.epoch++
	epoch := s.epoch
	s.enc = NewEncoder(s.cfg.AccountID, p.AppID)
	s.lastSeen = time.Now()
	s.mu.Unlock()

	s.log.Info("connected", "epoch", epoch, "url", p.StreamURL)
	return conn, NewDecoder(epoch), nil
}

// login sends LOGIN and waits for its acknowledgement. Data frames arriving
// before the ack are ignored; the ack is matched by request id.
func (s *Session) login(ctx context.Context, conn Conn, dec *Decoder) error {
	s.setState(StateLoggingIn)

	s.mu.Lock()
	frame, reqID, err := s.enc.Login(s.payload, s.cfg.QOSLevel)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("stream: encoding login: %w", err)
	}
	if err := conn.WriteFrame(frame); err != nil {
		return fmt.Errorf("stream: sending login: %w", err)
	}

	timer := time.NewTimer(s.cfg.LoginTimeout)
	defer timer.Stop()

	type readResult struct {
		raw []byte
		err error
	}
	results := make(chan readResult, 1)
	for {
		go func() {
			raw, err := conn.ReadFrame()
			results <- readResult{raw: raw, err: err}
		}()
		select {
		case <-ctx.Done():
			conn.Close()
			return ctx.Err()
		case <-timer.C:
			conn.Close()
			return fmt.Errorf("stream: login timed out after %s", s.cfg.LoginTimeout)
		case r := <-results:
			if r.err != nil {
				return fmt.Errorf("stream: reading login response: %w", r.err)
			}
			s.touch()
			f, derr := dec.Decode(r.raw)
			if derr != nil {
				s.log.Warn("skipping malformed frame during login", "err", derr)
				continue
			}
			admin, ok := f.(*AdminFrame)
			if !ok {
				continue
			}
			for _, resp := range admin.Responses {
				if resp.Command != cmdLogin || resp.RequestID != reqID {
					continue
				}
				if resp.Code != 0 {
					return &LoginRejectedError{Code: resp.Code, Msg: resp.Msg}
				}
				s.log.Info("logged in", "qos", s.cfg.QOSLevel)
				return nil
			}
		}
	}
}

// replay pushes the full registry snapshot as SUBS requests. Runs after
// every successful login so reconnects restore the desired state.
func (s *Session) replay(conn Conn) {
	subs := s.registry.Snapshot()

	s.mu.Lock()
	s.dispatcher.BeginEpoch(s.epoch)
	for _, sub := range subs {
		frame, _, err := s.enc.Subscribe(sub.Service, s.effectiveKeysLocked(sub), sub.Fields)
		if err == nil {
			err = conn.WriteFrame(frame)
		}
		if err != nil {
			s.log.Error("resubscribe failed", "service", sub.Service, "err", err)
			break
		}
	}
	s.mu.Unlock()
}

// effectiveKeysLocked substitutes the login payload's subscription key for
// account-activity subscriptions registered without explicit keys.
func (s *Session) effectiveKeysLocked(sub Subscription) []string {
	if sub.Service == domain.ServiceAcctActivity && len(sub.Keys) == 0 && s.payload != nil {
		return []string{s.payload.SubscriptionKey}
	}
	return sub.Keys
}

// serve runs the connection steady state: a reader goroutine plus a
// keepalive ticker. Returns when the connection dies, goes silent past the
// inactivity deadline, or ctx is cancelled.
func (s *Session) serve(ctx context.Context, conn Conn, dec *Decoder) error {
	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(conn, dec)
	}()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	deadAfter := 2 * s.cfg.HeartbeatInterval
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			<-readErr
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			if time.Since(s.seen()) > deadAfter {
				conn.Close()
				<-readErr
				return fmt.Errorf("stream: no frames for %s, connection presumed dead", deadAfter)
			}
			s.mu.Lock()
			frame, _, err := s.enc.QOS(s.cfg.QOSLevel)
			s.mu.Unlock()
			if err == nil {
				err = conn.WriteFrame(frame)
			}
			if err != nil {
				conn.Close()
				<-readErr
				return fmt.Errorf("stream: sending keepalive: %w", err)
			}
		}
	}
}

// readLoop decodes inbound frames until the connection fails. Malformed
// frames are logged and skipped.
func (s *Session) readLoop(conn Conn, dec *Decoder) error {
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			return fmt.Errorf("stream: reading frame: %w", err)
		}
		s.touch()

		f, derr := dec.Decode(raw)
		if derr != nil {
			s.log.Warn("skipping malformed frame", "err", derr)
			s.reportError(derr)
			continue
		}
		switch f := f.(type) {
		case *DataFrame:
			for _, ev := range f.Events {
				s.dispatcher.Dispatch(ev)
			}
		case *AdminFrame:
			for _, resp := range f.Responses {
				if resp.Command == cmdLogout {
					s.ackLogout()
					continue
				}
				if resp.Code != 0 {
					s.reportError(fmt.Errorf("stream: %s %s rejected (code %d): %s",
						resp.Service, resp.Command, resp.Code, resp.Msg))
				}
			}
		case *NotifyFrame:
			// Heartbeat; lastSeen was already refreshed above.
		}
	}
}

// ackLogout releases a Stop waiting on the LOGOUT acknowledgement.
func (s *Session) ackLogout() {
	s.mu.Lock()
	ack := s.logoutAck
	s.logoutAck = nil
	s.mu.Unlock()
	if ack != nil {
		close(ack)
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) seen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// setState records a transition and fires OnState. Transitions after Stop
// are suppressed so CLOSED stays terminal until the next Start.
func (s *Session) setState(st State) {
	s.mu.Lock()
	if !s.running || s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	cb := s.cfg.OnState
	s.mu.Unlock()

	s.log.Info("state change", "state", st.String())
	if cb != nil {
		cb(st)
	}
}

func (s *Session) reportError(err error) {
	s.log.Error("stream error", "err", err)
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}
