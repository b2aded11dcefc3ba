// Package supervisor owns the gateway connection lifecycle: the connect
// handshake barrier, clock skew, id allocation and the fatal-error flag.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"brokerlink/internal/gateway"
)

var (
	ErrConnectTimeout = errors.New("supervisor: connect timed out")
	ErrUnrecoverable  = errors.New("supervisor: connection is unrecoverable")
	ErrNotReady       = errors.New("supervisor: no order id received yet")
)

// State is the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSyncing
	StateReady
	StateUnrecoverable
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateSyncing:
		return "SYNCING"
	case StateReady:
		return "READY"
	case StateUnrecoverable:
		return "UNRECOVERABLE"
	default:
		return "INVALID"
	}
}

// Endpoint is where and as whom to connect.
type Endpoint struct {
	Host     string
	Port     int
	ClientID int
}

// Supervisor tracks the handshake flags. Every flag change wakes the
// goroutine blocked in Connect.
type Supervisor struct {
	gw  gateway.Gateway
	ep  Endpoint
	log *slog.Logger
	now func() time.Time

	mu         sync.Mutex
	changed    chan struct{}
	state      State
	connected  bool
	accounts   []string
	downloaded map[string]bool
	skew       time.Duration
	haveSkew   bool
	nextID     int64
	haveID     bool

	reqID    atomic.Int64
	tickerID atomic.Int64
}

// New creates a supervisor for gw. Nothing is sent until Connect.
func New(gw gateway.Gateway, ep Endpoint, log *slog.Logger) *Supervisor {
	return &Supervisor{
		gw:         gw,
		ep:         ep,
		log:        log.With("component", "supervisor", "gateway", gw.Name()),
		now:        time.Now,
		changed:    make(chan struct{}),
		downloaded: make(map[string]bool),
	}
}

// broadcast wakes all waiters. Callers hold s.mu.
func (s *Supervisor) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(st)
}

func (s *Supervisor) setStateLocked(st State) {
	if s.state == StateUnrecoverable || s.state == st {
		return
	}
	s.log.Info("connection state", "from", s.state.String(), "to", st.String())
	s.state = st
	s.broadcast()
}

// Connect runs the handshake and blocks until the session is READY, the
// timeout elapses or ctx is cancelled. On failure the state is left at
// DISCONNECTED (or UNRECOVERABLE if a fatal error arrived meanwhile).
func (s *Supervisor) Connect(ctx context.Context, timeout time.Duration) error {
	if s.State() == StateUnrecoverable {
		return ErrUnrecoverable
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	s.setState(StateConnecting)
	err := s.handshake(ctx, timer.C)
	if err != nil {
		s.mu.Lock()
		s.connected = false
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()
		if derr := s.gw.Disconnect(); derr != nil {
			s.log.Debug("disconnect after failed connect", "error", derr)
		}
		s.log.Error("connect failed", "error", err, "state", s.State().String())
		return err
	}

	s.setState(StateReady)
	s.log.Info("connected", "accounts", s.ManagedAccounts(), "skew", s.TimeSkew())
	return nil
}

func (s *Supervisor) handshake(ctx context.Context, deadline <-chan time.Time) error {
	if err := s.gw.Connect(s.ep.Host, s.ep.Port, s.ep.ClientID); err != nil {
		return fmt.Errorf("supervisor: connect gateway: %w", err)
	}
	if err := s.waitFor(ctx, deadline, func() bool { return s.connected }); err != nil {
		return err
	}

	if err := s.gw.RequestExecutions(s.NextRequestID(), gateway.ExecutionFilter{ClientID: s.ep.ClientID}); err != nil {
		return fmt.Errorf("supervisor: request executions: %w", err)
	}
	if err := s.gw.RequestManagedAccounts(); err != nil {
		return fmt.Errorf("supervisor: request accounts: %w", err)
	}
	if err := s.waitFor(ctx, deadline, func() bool { return len(s.accounts) > 0 }); err != nil {
		return err
	}

	s.setState(StateSyncing)
	for _, acct := range s.ManagedAccounts() {
		if err := s.gw.RequestAccountUpdates(true, acct); err != nil {
			return fmt.Errorf("supervisor: request account updates for %s: %w", acct, err)
		}
	}
	if err := s.waitFor(ctx, deadline, s.allDownloaded); err != nil {
		return err
	}

	if err := s.gw.RequestCurrentTime(); err != nil {
		return fmt.Errorf("supervisor: request current time: %w", err)
	}
	if err := s.gw.RequestIDs(1); err != nil {
		return fmt.Errorf("supervisor: request ids: %w", err)
	}
	return s.waitFor(ctx, deadline, func() bool { return s.haveSkew && s.haveID })
}

// waitFor blocks until cond (evaluated under s.mu) holds.
func (s *Supervisor) waitFor(ctx context.Context, deadline <-chan time.Time, cond func() bool) error {
	for {
		s.mu.Lock()
		if s.state == StateUnrecoverable {
			s.mu.Unlock()
			return ErrUnrecoverable
		}
		if cond() {
			s.mu.Unlock()
			return nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return ErrConnectTimeout
		case <-ch:
		}
	}
}

func (s *Supervisor) allDownloaded() bool {
	if len(s.accounts) == 0 {
		return false
	}
	for _, a := range s.accounts {
		if !s.downloaded[a] {
			return false
		}
	}
	return true
}

// OnConnectAck records that the transport is up.
func (s *Supervisor) OnConnectAck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.broadcast()
}

// OnManagedAccounts records the session's accounts.
func (s *Supervisor) OnManagedAccounts(accounts []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range accounts {
		if a != "" && !slices.Contains(s.accounts, a) {
			s.accounts = append(s.accounts, a)
		}
	}
	s.broadcast()
}

// OnAccountDownloadEnd marks an account's snapshot as complete.
func (s *Supervisor) OnAccountDownloadEnd(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloaded[account] = true
	s.broadcast()
}

// OnCurrentTime records the clock skew the first time the broker's clock
// is reported.
func (s *Supervisor) OnCurrentTime(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveSkew {
		return
	}
	s.skew = s.now().Sub(t)
	s.haveSkew = true
	s.broadcast()
}

// OnNextValidID moves the order id allocator forward.
func (s *Supervisor) OnNextValidID(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveID || id > s.nextID {
		s.nextID = id
	}
	s.haveID = true
	s.broadcast()
}

// OnError classifies a vendor error. It returns true if the error made the
// session unrecoverable.
func (s *Supervisor) OnError(e gateway.Error) bool {
	if e.Code < gateway.ErrorThreshold {
		s.log.Error("gateway error", "id", e.ID, "code", e.Code, "message", e.Message)
	} else {
		s.log.Info("gateway notice", "id", e.ID, "code", e.Code, "message", e.Message)
	}
	if !gateway.Fatal(e.Code) {
		return false
	}
	s.markUnrecoverable(fmt.Sprintf("code %d: %s", e.Code, e.Message))
	return true
}

// OnConnectionClosed makes the session unrecoverable.
func (s *Supervisor) OnConnectionClosed() {
	s.markUnrecoverable("connection closed")
}

func (s *Supervisor) markUnrecoverable(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateUnrecoverable {
		return
	}
	s.log.Error("connection unrecoverable", "reason", reason, "from", s.state.String())
	s.state = StateUnrecoverable
	s.broadcast()
}

// NextOrderID allocates the next gateway order id.
func (s *Supervisor) NextOrderID() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateUnrecoverable {
		return 0, ErrUnrecoverable
	}
	if !s.haveID {
		return 0, ErrNotReady
	}
	id := s.nextID
	s.nextID++
	return id, nil
}

// NextRequestID allocates a request id.
func (s *Supervisor) NextRequestID() int {
	return int(s.reqID.Add(1))
}

// NextTickerID allocates a market-data ticker id.
func (s *Supervisor) NextTickerID() int {
	return int(s.tickerID.Add(1))
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsAlive reports whether the transport is up and no fatal error occurred.
func (s *Supervisor) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && s.state != StateUnrecoverable
}

// TimeSkew is local time minus broker time, measured once at connect.
func (s *Supervisor) TimeSkew() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skew
}

// ManagedAccounts returns the session's accounts.
func (s *Supervisor) ManagedAccounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.accounts)
}

// Account returns the first managed account, or "" before it is known.
func (s *Supervisor) Account() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.accounts) == 0 {
		return ""
	}
	return s.accounts[0]
}
