// Package reconnect schedules per-peer reconnection attempts with
// exponential backoff after a link is lost. The actual dialing is done
// by an injected callback; this package only decides when to try, when
// to give up, and keeps a bounded attempt history per peer.
package reconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("meshlink/reconnect")

// State of a peer's reconnection cycle.
type State string

const (
	StateIdle       State = "idle"
	StateScheduled  State = "scheduled"
	StateAttempting State = "attempting"
)

// historyCap bounds the per-peer attempt log.
const historyCap = 20

// PeerInfo carries what the dial callback needs to reach a peer again.
type PeerInfo struct {
	Name     string
	LinkType string
	Addrs    []string
}

// Attempt is one recorded reconnection try.
type Attempt struct {
	Number int
	At     time.Time
	OK     bool
	Err    string
}

// Callback dials the peer. A true result ends the cycle successfully; a
// false result or an error schedules the next attempt. The callback is
// invoked off the manager's lock and may block on network I/O.
type Callback func(ctx context.Context, peerID string, info PeerInfo) (bool, error)

// Config tunes the backoff schedule.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Exponential  bool
}

// DefaultConfig matches the field deployments: 2s, 4s, 8s, 16s, 30s.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
		Exponential:  true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

type cycle struct {
	state       State
	attempt     int
	info        PeerInfo
	timer       *time.Timer
	lastAttempt time.Time
}

// Manager runs at most one reconnection cycle per peer. Attempt history
// survives Stop and cycle completion; Reset discards it.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	cb      Callback
	cycles  map[string]*cycle
	history map[string][]Attempt
	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool

	// OnSuccess fires when a cycle ends with a successful dial.
	OnSuccess func(peerID string, attempts int)
	// OnMaxAttempts fires when the attempt cap is reached, before OnFailure.
	OnMaxAttempts func(peerID string, attempts int)
	// OnFailure fires when a cycle ends without reconnecting.
	OnFailure func(peerID string)
}

// New creates a manager that dials peers through cb.
func New(cfg Config, cb Callback) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg.withDefaults(),
		cb:      cb,
		cycles:  make(map[string]*cycle),
		history: make(map[string][]Attempt),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetCallback installs the dial callback. The daemon binds it only once
// the transport exists; an attempt running before that records a failed
// dial and the cycle retries as usual.
func (m *Manager) SetCallback(cb Callback) {
	m.mu.Lock()
	m.cb = cb
	m.mu.Unlock()
}

// Delay returns the scheduled delay before attempt n (1-indexed).
func (m *Manager) Delay(n int) time.Duration {
	if !m.cfg.Exponential || n <= 1 {
		return m.cfg.InitialDelay
	}
	d := m.cfg.InitialDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= m.cfg.MaxDelay {
			return m.cfg.MaxDelay
		}
	}
	if d > m.cfg.MaxDelay {
		d = m.cfg.MaxDelay
	}
	return d
}

// Start begins a reconnection cycle for peerID. A no-op while a cycle is
// already scheduled or attempting for that peer.
func (m *Manager) Start(peerID string, info PeerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, active := m.cycles[peerID]; active {
		log.Debugf("reconnect %s: cycle already active", peerID)
		return
	}
	c := &cycle{info: info}
	m.cycles[peerID] = c
	m.scheduleLocked(peerID, c, 1)
}

// scheduleLocked arms the timer for attempt n. Caller holds m.mu.
func (m *Manager) scheduleLocked(peerID string, c *cycle, n int) {
	d := m.Delay(n)
	c.state = StateScheduled
	c.timer = time.AfterFunc(d, func() { m.runAttempt(peerID, c, n) })
	log.Infof("reconnect %s: attempt %d/%d in %s", peerID, n, m.cfg.MaxAttempts, d)
}

func (m *Manager) runAttempt(peerID string, c *cycle, n int) {
	m.mu.Lock()
	cur, ok := m.cycles[peerID]
	if !ok || cur != c || c.state != StateScheduled {
		m.mu.Unlock()
		return
	}
	c.state = StateAttempting
	c.attempt = n
	c.lastAttempt = time.Now()
	cb := m.cb
	m.mu.Unlock()

	var ok2 bool
	var err error
	if cb != nil {
		ok2, err = cb(m.ctx, peerID, c.info)
	} else {
		err = errors.New("no dial callback bound")
	}

	rec := Attempt{Number: n, At: time.Now(), OK: ok2 && err == nil}
	if err != nil {
		rec.Err = err.Error()
	}

	m.mu.Lock()
	hist := append(m.history[peerID], rec)
	if len(hist) > historyCap {
		hist = hist[len(hist)-historyCap:]
	}
	m.history[peerID] = hist

	cur, stillOurs := m.cycles[peerID]
	if !stillOurs || cur != c || c.state != StateAttempting {
		// Stopped (or replaced) while we were dialing.
		m.mu.Unlock()
		return
	}

	if rec.OK {
		delete(m.cycles, peerID)
		onSuccess := m.OnSuccess
		m.mu.Unlock()
		log.Infof("reconnect %s: succeeded on attempt %d", peerID, n)
		if onSuccess != nil {
			onSuccess(peerID, n)
		}
		return
	}

	if n >= m.cfg.MaxAttempts {
		delete(m.cycles, peerID)
		onMax, onFail := m.OnMaxAttempts, m.OnFailure
		m.mu.Unlock()
		log.Warnf("reconnect %s: exhausted after %d attempts", peerID, n)
		if onMax != nil {
			onMax(peerID, n)
		}
		if onFail != nil {
			onFail(peerID)
		}
		return
	}

	if err != nil {
		log.Debugf("reconnect %s: attempt %d failed: %v", peerID, n, err)
	}
	m.scheduleLocked(peerID, c, n+1)
	m.mu.Unlock()
}

// Stop cancels any pending schedule for peerID and clears its cycle.
// Attempt history is kept.
func (m *Manager) Stop(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cycles[peerID]; ok {
		if c.timer != nil {
			c.timer.Stop()
		}
		// Mark settled so an in-flight attempt result is discarded.
		c.state = StateIdle
		delete(m.cycles, peerID)
	}
}

// Reset stops any cycle for peerID and discards its attempt history.
func (m *Manager) Reset(peerID string) {
	m.Stop(peerID)
	m.mu.Lock()
	delete(m.history, peerID)
	m.mu.Unlock()
}

// StateOf reports the current cycle state for peerID.
func (m *Manager) StateOf(peerID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cycles[peerID]; ok {
		return c.state
	}
	return StateIdle
}

// History returns a copy of the recorded attempts for peerID.
func (m *Manager) History(peerID string) []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Attempt, len(m.history[peerID]))
	copy(out, m.history[peerID])
	return out
}

// Close cancels every pending cycle and the context handed to dial
// callbacks.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for id, c := range m.cycles {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.state = StateIdle
		delete(m.cycles, id)
	}
	m.mu.Unlock()
	m.cancel()
}
