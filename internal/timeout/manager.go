// Package timeout tracks named deadlines for in-flight mesh operations.
// A deadline either expires (firing its armed action exactly once) or is
// settled early by Complete/Cancel; the two outcomes are mutually
// exclusive even when they race.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("meshlink/timeout")

// ErrTimeout marks a WithDeadline operation that was cut short by its
// deadline expiring.
var ErrTimeout = errors.New("deadline expired")

type deadline struct {
	id       string
	kind     Kind
	started  time.Time
	duration time.Duration
	timer    *time.Timer
	onExpire func()
}

// Stats summarizes manager activity since construction.
type Stats struct {
	Started   uint64
	Expired   uint64
	Completed uint64
	Cancelled uint64
}

// SuccessRate is the fraction of finished deadlines that were settled
// before expiry. 1.0 when nothing has finished yet.
func (s Stats) SuccessRate() float64 {
	finished := s.Expired + s.Completed + s.Cancelled
	if finished == 0 {
		return 1.0
	}
	return float64(s.Completed+s.Cancelled) / float64(finished)
}

// Manager owns the active deadline set. All methods are safe for
// concurrent use; settlement is decided once under the manager lock, so
// an explicit Complete racing a natural expiry resolves to exactly one
// outcome.
type Manager struct {
	mu      sync.Mutex
	active  map[string]*deadline
	profile Profile
	stats   Stats
	closed  bool

	// OnTimeout, when set, fires after any deadline expires naturally.
	OnTimeout func(id string, kind Kind)
	// OnComplete, when set, fires after Complete settles a deadline.
	OnComplete func(id string, kind Kind, elapsed time.Duration)
}

// New creates a manager using the normal profile.
func New() *Manager {
	return &Manager{
		active:  make(map[string]*deadline),
		profile: NormalProfile(),
	}
}

// Start arms a deadline for the given operation kind and returns its id
// (generated when empty). A colliding id cancels and replaces the
// existing deadline. d == 0 takes the duration from the active profile.
// onExpire may be nil.
func (m *Manager) Start(kind Kind, id string, d time.Duration, onExpire func()) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ""
	}

	if id == "" {
		id = uuid.NewString()
	}
	if prev, ok := m.active[id]; ok {
		log.Warnf("deadline %s (%s) replaced while armed", id, prev.kind)
		prev.timer.Stop()
		delete(m.active, id)
		m.stats.Cancelled++
	}
	if d <= 0 {
		d = m.profile.For(kind)
	}

	dl := &deadline{
		id:       id,
		kind:     kind,
		started:  time.Now(),
		duration: d,
		onExpire: onExpire,
	}
	dl.timer = time.AfterFunc(d, func() { m.expire(dl) })
	m.active[id] = dl
	m.stats.Started++
	return id
}

// expire is the timer path. It is a no-op when the deadline was already
// settled (or replaced) by the time the timer fires.
func (m *Manager) expire(dl *deadline) {
	m.mu.Lock()
	cur, ok := m.active[dl.id]
	if !ok || cur != dl {
		m.mu.Unlock()
		return
	}
	delete(m.active, dl.id)
	m.stats.Expired++
	onTimeout := m.OnTimeout
	m.mu.Unlock()

	log.Debugf("deadline %s (%s) expired after %s", dl.id, dl.kind, dl.duration)
	if dl.onExpire != nil {
		dl.onExpire()
	}
	if onTimeout != nil {
		onTimeout(dl.id, dl.kind)
	}
}

// Complete settles a deadline as finished-in-time and reports whether it
// was still armed. The expiry action does not fire.
func (m *Manager) Complete(id string) bool {
	m.mu.Lock()
	dl, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.active, id)
	dl.timer.Stop()
	m.stats.Completed++
	elapsed := time.Since(dl.started)
	onComplete := m.OnComplete
	m.mu.Unlock()

	if onComplete != nil {
		onComplete(id, dl.kind, elapsed)
	}
	return true
}

// Cancel settles a deadline without invoking the completion callback.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, ok := m.active[id]
	if !ok {
		return false
	}
	delete(m.active, id)
	dl.timer.Stop()
	m.stats.Cancelled++
	return true
}

// CancelByKind cancels every armed deadline of the given kind and
// returns how many were cancelled.
func (m *Manager) CancelByKind(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, dl := range m.active {
		if dl.kind != kind {
			continue
		}
		dl.timer.Stop()
		delete(m.active, id)
		m.stats.Cancelled++
		n++
	}
	return n
}

// CancelAll cancels every armed deadline.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.active)
	for id, dl := range m.active {
		dl.timer.Stop()
		delete(m.active, id)
		m.stats.Cancelled++
	}
	return n
}

// Active returns the number of armed deadlines.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// SetProfile swaps the active duration table. Deadlines already armed
// keep the durations they were started with.
func (m *Manager) SetProfile(p Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Name != m.profile.Name {
		log.Infof("timeout profile %s -> %s", m.profile.Name, p.Name)
	}
	m.profile = p
}

// Profile returns the active duration table.
func (m *Manager) Profile() Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// Close cancels every armed deadline and rejects further starts.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, dl := range m.active {
		dl.timer.Stop()
		delete(m.active, id)
	}
	m.closed = true
}

// WithDeadline runs op under a deadline of the given kind. It returns
// the operation's result if op finishes first, or a wrapped ErrTimeout
// if the deadline fires first. The two outcomes are mutually exclusive:
// the deadline's settlement decides the winner, so a result arriving in
// the same instant the timer fires is discarded, never double-resolved.
// The op context is cancelled once the call returns.
func WithDeadline[T any](ctx context.Context, m *Manager, kind Kind, op func(context.Context) (T, error)) (T, error) {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	expired := make(chan struct{})

	id := m.Start(kind, "", 0, func() { close(expired) })

	go func() {
		val, err := op(opCtx)
		done <- result{val, err}
	}()

	var zero T
	select {
	case r := <-done:
		if !m.Complete(id) {
			// Timer won the race; the result is void.
			return zero, fmt.Errorf("%s: %w", kind, ErrTimeout)
		}
		return r.val, r.err
	case <-expired:
		return zero, fmt.Errorf("%s: %w", kind, ErrTimeout)
	case <-ctx.Done():
		m.Cancel(id)
		return zero, ctx.Err()
	}
}
