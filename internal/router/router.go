// Package router decodes wire envelopes, deduplicates messages inside a
// sliding window, persists them best-effort, and fans them out to
// per-device and global listeners, queueing for devices that have no
// listener yet.
//
// Persistence, name resolution, and notification rendering are injected
// ports; the router has no compile-time dependency on the other mesh
// components — the enclosing service wires those.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/meshlink/meshlink/internal/wire"
)

var log = logging.Logger("meshlink/router")

// DedupWindow is how long a seen message identifier shadows duplicates.
const DedupWindow = 5 * time.Minute

// DefaultQueueCap bounds each per-device offline queue; the oldest
// message is dropped when a queue overflows.
const DefaultQueueCap = 200

// pruneEvery rate-limits the opportunistic dedup prune on Route calls.
const pruneEvery = 30 * time.Second

// UnknownTarget is the marker some senders put where a target id should
// be. It is treated as broadcast rather than rejected, matching the
// behavior existing mesh clients rely on; the router logs it so
// malformed senders remain visible.
const UnknownTarget = "unknown"

// Repository is the durable store boundary. All calls are best-effort
// from the router's point of view: failures are logged and in-memory
// routing proceeds.
type Repository interface {
	InsertMessage(ctx context.Context, msg *wire.Message) error
	// TouchSession creates the chat session if needed and refreshes its
	// last-active timestamp.
	TouchSession(ctx context.Context, sessionID, peerID, peerName string, at time.Time) error
	// UpdateSessionConnection records the link type a session's peer is
	// currently reachable over. Called by the enclosing service on
	// connection changes, not by the router.
	UpdateSessionConnection(ctx context.Context, sessionID, linkType string, at time.Time) error
}

// Resolver maps a display-name target onto a stable device identifier.
type Resolver interface {
	Resolve(identifier string) (string, bool)
}

// Notifier renders user-facing notifications for inbound messages.
type Notifier interface {
	ShowEmergencyNotification(title, body, sender string)
	ShowMessageNotification(title, body, sender string)
}

// Listener receives routed messages for one device (or globally).
type Listener func(msg *wire.Message)

// Config wires the router's ports. Repo, Resolver, and Notifier may each
// be nil; the router degrades to in-memory routing only.
type Config struct {
	LocalID     string
	Repo        Repository
	Resolver    Resolver
	Notifier    Notifier
	DedupWindow time.Duration
	QueueCap    int
}

// Router deduplicates and fans out messages. Safe for concurrent use.
type Router struct {
	mu        sync.Mutex
	localID   string
	repo      Repository
	resolver  Resolver
	notifier  Notifier
	window    time.Duration
	queueCap  int
	dedup     map[string]time.Time
	lastPrune time.Time
	global    Listener
	listeners map[string]Listener
	queues    map[string][]*wire.Message
	closed    bool
}

// New creates a router for the local device.
func New(cfg Config) *Router {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DedupWindow
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = DefaultQueueCap
	}
	return &Router{
		localID:   cfg.LocalID,
		repo:      cfg.Repo,
		resolver:  cfg.Resolver,
		notifier:  cfg.Notifier,
		window:    cfg.DedupWindow,
		queueCap:  cfg.QueueCap,
		dedup:     make(map[string]time.Time),
		lastPrune: time.Now(),
		listeners: make(map[string]Listener),
		queues:    make(map[string][]*wire.Message),
	}
}

// SetLocalID installs the local device identifier once the transport
// has derived it from the identity key.
func (r *Router) SetLocalID(id string) {
	r.mu.Lock()
	r.localID = id
	r.mu.Unlock()
}

// SetResolver installs the identifier resolver; like the local id, it
// usually exists only after the transport is up.
func (r *Router) SetResolver(res Resolver) {
	r.mu.Lock()
	r.resolver = res
	r.mu.Unlock()
}

// RouteRaw decodes a wire payload from fromPeer and routes the resulting
// message. Control-plane envelopes are discarded without persisting or
// routing; undecodable payloads and envelopes with no sender are dropped
// with an error.
func (r *Router) RouteRaw(ctx context.Context, data []byte, fromPeer string) error {
	env, err := wire.DecodeEnvelope(data)
	if err != nil {
		log.Warnf("dropping undecodable payload from %s: %v", fromPeer, err)
		return err
	}
	if env.IsControl() {
		log.Debugf("discarding control envelope %q from %s", env.Type, fromPeer)
		return nil
	}

	sender := env.SenderID()
	if sender == "" {
		log.Warnf("dropping envelope with no sender identifier from %s", fromPeer)
		return fmt.Errorf("route from %s: %w", fromPeer, wire.ErrNoSender)
	}

	r.mu.Lock()
	resolver := r.resolver
	r.mu.Unlock()

	target := env.Target()
	if resolver != nil && target != wire.BroadcastTarget && target != UnknownTarget {
		if stable, ok := resolver.Resolve(target); ok {
			target = stable
		}
	}

	session := env.ChatSessionID
	if session == "" {
		session = SessionForPeer(sender)
	}

	msgID := env.MessageID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	ts := env.Timestamp
	if ts == 0 {
		ts = wire.NowMillis()
	}

	msg := &wire.Message{
		ID:            msgID,
		SenderID:      sender,
		SenderName:    env.DisplayName(),
		TargetID:      target,
		Body:          env.Body,
		Type:          env.ResolveType(),
		Timestamp:     ts,
		ChatSessionID: session,
		Status:        wire.StatusDelivered,
		Latitude:      env.Latitude,
		Longitude:     env.Longitude,
	}
	return r.Route(ctx, msg)
}

// SessionForPeer derives the deterministic chat-session identifier for a
// peer, normalizing separator characters in the id.
func SessionForPeer(peerID string) string {
	norm := strings.Map(func(c rune) rune {
		switch c {
		case ':', '/', '\\', '.', ' ':
			return '_'
		}
		return c
	}, peerID)
	return "chat_" + norm
}

// Route deduplicates, persists, and delivers one message. A message id
// already inside the dedup window is an idempotent no-op.
func (r *Router) Route(ctx context.Context, msg *wire.Message) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.pruneLocked()
	if seenAt, dup := r.dedup[msg.ID]; dup && time.Since(seenAt) < r.window {
		r.mu.Unlock()
		log.Debugf("duplicate message %s absorbed", msg.ID)
		return nil
	}
	r.dedup[msg.ID] = time.Now()
	localID := r.localID
	r.mu.Unlock()

	r.persist(ctx, msg)

	if msg.SenderID != localID {
		r.notify(msg)
	}

	r.deliver(msg)
	return nil
}

// persist writes the message and refreshes its session. Failures are
// logged; delivery never depends on durable persistence succeeding.
func (r *Router) persist(ctx context.Context, msg *wire.Message) {
	if r.repo == nil {
		return
	}
	if err := r.repo.InsertMessage(ctx, msg); err != nil {
		log.Errorf("persist message %s: %v", msg.ID, err)
	}
	if err := r.repo.TouchSession(ctx, msg.ChatSessionID, msg.SenderID, msg.SenderName, time.Now()); err != nil {
		log.Errorf("touch session %s: %v", msg.ChatSessionID, err)
	}
}

func (r *Router) notify(msg *wire.Message) {
	if r.notifier == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("notifier panicked for message %s: %v", msg.ID, rec)
		}
	}()
	if msg.Type.IsEmergency() {
		r.notifier.ShowEmergencyNotification("Emergency from "+msg.SenderName, msg.Body, msg.SenderID)
		return
	}
	r.notifier.ShowMessageNotification(msg.SenderName, msg.Body, msg.SenderID)
}

// deliver fans the message out to the global listener, the sender's and
// target's listeners (queueing when unregistered), and — for broadcasts
// — every registered listener.
func (r *Router) deliver(msg *wire.Message) {
	broadcast := msg.IsBroadcast() || msg.TargetID == UnknownTarget
	if msg.TargetID == UnknownTarget {
		log.Warnf("message %s addressed to %q, broadcasting", msg.ID, UnknownTarget)
	}

	r.mu.Lock()
	global := r.global
	targets := make([]Listener, 0, 2)
	seen := make(map[string]bool, 2)

	deliverTo := func(deviceID string) {
		if seen[deviceID] {
			return
		}
		seen[deviceID] = true
		if cb, ok := r.listeners[deviceID]; ok {
			targets = append(targets, cb)
		} else {
			r.enqueueLocked(deviceID, msg)
		}
	}

	if broadcast {
		for id, cb := range r.listeners {
			seen[id] = true
			targets = append(targets, cb)
		}
		// The sender still gets its copy queued if it has no listener yet.
		deliverTo(msg.SenderID)
	} else {
		deliverTo(msg.SenderID)
		deliverTo(msg.TargetID)
	}
	r.mu.Unlock()

	if global != nil {
		global(msg)
	}
	for _, cb := range targets {
		cb(msg)
	}
}

// enqueueLocked appends to a device's offline queue, dropping the oldest
// entry past the cap. Caller holds r.mu.
func (r *Router) enqueueLocked(deviceID string, msg *wire.Message) {
	q := r.queues[deviceID]
	if len(q) >= r.queueCap {
		q = q[1:]
	}
	r.queues[deviceID] = append(q, msg)
}

// pruneLocked drops dedup entries older than the window. Rate-limited;
// caller holds r.mu.
func (r *Router) pruneLocked() {
	if time.Since(r.lastPrune) < pruneEvery {
		return
	}
	r.lastPrune = time.Now()
	cutoff := time.Now().Add(-r.window)
	for id, at := range r.dedup {
		if at.Before(cutoff) {
			delete(r.dedup, id)
		}
	}
}

// RegisterDeviceListener stores the listener for deviceID and flushes
// any queued messages to it in their original enqueue order.
func (r *Router) RegisterDeviceListener(deviceID string, cb Listener) {
	r.mu.Lock()
	r.listeners[deviceID] = cb
	queued := r.queues[deviceID]
	delete(r.queues, deviceID)
	r.mu.Unlock()

	for _, msg := range queued {
		cb(msg)
	}
	if len(queued) > 0 {
		log.Infof("flushed %d queued messages to %s", len(queued), deviceID)
	}
}

// UnregisterDeviceListener removes the listener; later messages for the
// device queue up again.
func (r *Router) UnregisterDeviceListener(deviceID string) {
	r.mu.Lock()
	delete(r.listeners, deviceID)
	r.mu.Unlock()
}

// SetGlobalListener installs a listener that sees every routed message.
func (r *Router) SetGlobalListener(cb Listener) {
	r.mu.Lock()
	r.global = cb
	r.mu.Unlock()
}

// Seen reports whether the message id is inside the dedup window.
func (r *Router) Seen(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.dedup[messageID]
	return ok && time.Since(at) < r.window
}

// QueuedFor returns how many messages wait for an unregistered device.
func (r *Router) QueuedFor(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[deviceID])
}

// Close releases listeners and queues; later Route calls are no-ops.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.global = nil
	r.listeners = make(map[string]Listener)
	r.queues = make(map[string][]*wire.Message)
	r.mu.Unlock()
}
