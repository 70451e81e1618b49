// Package quality samples per-peer round-trip times and packet loss and
// derives a discrete link-quality classification. It is driven entirely
// by explicit recording calls from the transport's ping/pong exchange;
// it never touches the network itself.
package quality

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("meshlink/quality")

// Level is the discrete link classification, ordered best to worst.
type Level int

const (
	LevelExcellent Level = iota
	LevelGood
	LevelFair
	LevelPoor
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelExcellent:
		return "excellent"
	case LevelGood:
		return "good"
	case LevelFair:
		return "fair"
	case LevelPoor:
		return "poor"
	default:
		return "critical"
	}
}

// WorseThan reports whether l is strictly worse than o.
func (l Level) WorseThan(o Level) bool { return l > o }

// Classify maps an RTT average and loss ratio onto a Level using the
// fixed ascending threshold table. It is a pure function; the monitor
// never hand-sets a level.
func Classify(avgRTT time.Duration, lossPct float64) Level {
	ms := float64(avgRTT) / float64(time.Millisecond)
	switch {
	case ms < 50 && lossPct == 0:
		return LevelExcellent
	case ms < 150 && lossPct <= 5:
		return LevelGood
	case ms < 300 && lossPct <= 15:
		return LevelFair
	case ms < 500 && lossPct <= 30:
		return LevelPoor
	default:
		return LevelCritical
	}
}

// Config tunes window size and the staleness sweep.
type Config struct {
	WindowSize    int           // RTT samples kept per peer (default 10)
	SweepInterval time.Duration // eviction sweep period (default 10s)
	StaleAfter    time.Duration // evict peers silent this long (default 60s)
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:    10,
		SweepInterval: 10 * time.Second,
		StaleAfter:    60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	return c
}

// pendingTTL bounds how long an unanswered ping keeps its send timestamp.
const pendingTTL = 30 * time.Second

type peerRecord struct {
	rtts       []time.Duration
	pending    map[uint64]time.Time // seq -> send time
	nextSeq    uint64
	sent       uint64
	received   uint64
	signalDBm  int
	level      Level
	lastUpdate time.Time
}

func (r *peerRecord) avgRTT() time.Duration {
	if len(r.rtts) == 0 {
		return 0
	}
	var sum time.Duration
	for _, rtt := range r.rtts {
		sum += rtt
	}
	return sum / time.Duration(len(r.rtts))
}

func (r *peerRecord) lossPct() float64 {
	if r.sent == 0 {
		return 0
	}
	return float64(r.sent-r.received) / float64(r.sent) * 100
}

// PeerQuality is a read-only snapshot of one peer's link state.
type PeerQuality struct {
	Level      Level
	AvgRTT     time.Duration
	LossPct    float64
	SignalDBm  int
	Samples    int
	LastUpdate time.Time
}

// Monitor tracks link quality per peer and evicts stale records on a
// background sweep. Safe for concurrent use.
type Monitor struct {
	mu     sync.Mutex
	cfg    Config
	peers  map[string]*peerRecord
	cancel context.CancelFunc
	done   chan struct{}

	// OnChange fires whenever a peer's classification changes.
	OnChange func(peerID string, level Level)
	// OnDegraded additionally fires when the change is strictly worse.
	OnDegraded func(peerID string, from, to Level)
	// OnEvict fires when a stale peer record is discarded.
	OnEvict func(peerID string)
}

// New creates a monitor. Call Start to run the staleness sweep.
func New(cfg Config) *Monitor {
	return &Monitor{
		cfg:   cfg.withDefaults(),
		peers: make(map[string]*peerRecord),
	}
}

// Start launches the background eviction sweep.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.sweepLoop(ctx)
}

func (m *Monitor) sweepLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Monitor) sweep() {
	cutoff := time.Now().Add(-m.cfg.StaleAfter)
	pendingCutoff := time.Now().Add(-pendingTTL)

	m.mu.Lock()
	var evicted []string
	for id, rec := range m.peers {
		if rec.lastUpdate.Before(cutoff) {
			delete(m.peers, id)
			evicted = append(evicted, id)
			continue
		}
		for seq, at := range rec.pending {
			if at.Before(pendingCutoff) {
				delete(rec.pending, seq)
			}
		}
	}
	onEvict := m.OnEvict
	m.mu.Unlock()

	for _, id := range evicted {
		log.Debugf("evicted stale quality record for %s", id)
		if onEvict != nil {
			onEvict(id)
		}
	}
}

func (m *Monitor) record(peerID string) *peerRecord {
	rec, ok := m.peers[peerID]
	if !ok {
		rec = &peerRecord{
			pending: make(map[uint64]time.Time),
			level:   LevelGood,
		}
		m.peers[peerID] = rec
	}
	return rec
}

// RecordPingSent notes an outbound ping and returns the sequence number
// to embed in it, so the eventual pong can be matched back.
func (m *Monitor) RecordPingSent(peerID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(peerID)
	rec.nextSeq++
	seq := rec.nextSeq
	rec.pending[seq] = time.Now()
	rec.sent++
	rec.lastUpdate = time.Now()
	return seq
}

// RecordPingReceived matches a pong against its pending ping, appends
// the measured RTT to the rolling window, and recomputes the level.
// Pongs with no matching ping are ignored.
func (m *Monitor) RecordPingReceived(peerID string, seq uint64) {
	m.mu.Lock()
	rec, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	sentAt, ok := rec.pending[seq]
	if !ok {
		m.mu.Unlock()
		log.Debugf("unmatched pong seq %d from %s", seq, peerID)
		return
	}
	delete(rec.pending, seq)

	rtt := time.Since(sentAt)
	rec.rtts = append(rec.rtts, rtt)
	if len(rec.rtts) > m.cfg.WindowSize {
		rec.rtts = rec.rtts[len(rec.rtts)-m.cfg.WindowSize:]
	}
	rec.received++
	rec.lastUpdate = time.Now()
	m.reclassifyLocked(peerID, rec)
}

// RecordPacketTimeout counts a packet that went out and never came back.
// This is the only way loss enters the ratio.
func (m *Monitor) RecordPacketTimeout(peerID string) {
	m.mu.Lock()
	rec := m.record(peerID)
	rec.sent++
	rec.lastUpdate = time.Now()
	m.reclassifyLocked(peerID, rec)
}

// UpdateSignalStrength patches the stored dBm reading without touching
// RTT or loss accounting.
func (m *Monitor) UpdateSignalStrength(peerID string, dBm int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(peerID)
	rec.signalDBm = dBm
	rec.lastUpdate = time.Now()
}

// reclassifyLocked recomputes the level and fires callbacks. Takes m.mu
// held and releases it before invoking callbacks.
func (m *Monitor) reclassifyLocked(peerID string, rec *peerRecord) {
	prev := rec.level
	next := Classify(rec.avgRTT(), rec.lossPct())
	rec.level = next
	onChange, onDegraded := m.OnChange, m.OnDegraded
	m.mu.Unlock()

	if next == prev {
		return
	}
	log.Infof("quality %s: %s -> %s", peerID, prev, next)
	if onChange != nil {
		onChange(peerID, next)
	}
	if next.WorseThan(prev) && onDegraded != nil {
		onDegraded(peerID, prev, next)
	}
}

// Quality returns the current snapshot for peerID.
func (m *Monitor) Quality(peerID string) (PeerQuality, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.peers[peerID]
	if !ok {
		return PeerQuality{}, false
	}
	return snapshot(rec), true
}

// IsHealthy reports whether the peer's level is better than poor.
func (m *Monitor) IsHealthy(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.peers[peerID]
	return ok && rec.level < LevelPoor
}

// Snapshot returns the quality of every tracked peer.
func (m *Monitor) Snapshot() map[string]PeerQuality {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]PeerQuality, len(m.peers))
	for id, rec := range m.peers {
		out[id] = snapshot(rec)
	}
	return out
}

func snapshot(rec *peerRecord) PeerQuality {
	return PeerQuality{
		Level:      rec.level,
		AvgRTT:     rec.avgRTT(),
		LossPct:    rec.lossPct(),
		SignalDBm:  rec.signalDBm,
		Samples:    len(rec.rtts),
		LastUpdate: rec.lastUpdate,
	}
}

// Forget drops the record for peerID immediately.
func (m *Monitor) Forget(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peerID)
}

// Close stops the sweep loop.
func (m *Monitor) Close() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
