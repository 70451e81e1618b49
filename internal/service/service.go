// Package service glues the mesh components together: it feeds the
// router from the transport, drives the ping/quality cycle, reacts to
// peer loss with reconnection, and mirrors everything onto the event
// bus. The transport stays a thin byte pipe; all policy lives here.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/meshlink/meshlink/internal/config"
	"github.com/meshlink/meshlink/internal/eventbus"
	"github.com/meshlink/meshlink/internal/quality"
	"github.com/meshlink/meshlink/internal/reconnect"
	"github.com/meshlink/meshlink/internal/router"
	"github.com/meshlink/meshlink/internal/timeout"
	"github.com/meshlink/meshlink/internal/wire"
)

var log = logging.Logger("meshlink/service")

// Transport is the network layer as the service sees it. Send reaches
// one peer, Broadcast reaches everyone currently connected, Connect
// re-dials a lost peer at its last known addresses.
type Transport interface {
	Send(ctx context.Context, peerID string, data []byte) error
	Broadcast(ctx context.Context, data []byte) error
	Connect(ctx context.Context, peerID string, addrs []string) error
}

type peerState struct {
	name     string
	linkType string
	addrs    []string
	lastSeen time.Time
}

// Service owns the runtime wiring between transport, router, timeout,
// reconnect, and quality components.
type Service struct {
	mu       sync.Mutex
	selfID   string
	selfName string
	peers    map[string]*peerState
	pingSec  int
	cancel   context.CancelFunc
	done     chan struct{}

	bus       *eventbus.Bus
	timeouts  *timeout.Manager
	reconn    *reconnect.Manager
	quality   *quality.Monitor
	router    *router.Router
	transport Transport
	repo      router.Repository
}

// Config assembles a service. Transport may be set later with
// SetTransport, before Start.
type Config struct {
	SelfID    string
	SelfName  string
	Bus       *eventbus.Bus
	Timeouts  *timeout.Manager
	Reconnect *reconnect.Manager
	Quality   *quality.Monitor
	Router    *router.Router
	Repo      router.Repository
	PingSec   int
}

// New wires the callbacks between components and returns the service.
func New(cfg Config) *Service {
	s := &Service{
		selfID:    cfg.SelfID,
		selfName:  cfg.SelfName,
		peers:     make(map[string]*peerState),
		pingSec:   cfg.PingSec,
		bus:       cfg.Bus,
		timeouts:  cfg.Timeouts,
		reconn:    cfg.Reconnect,
		quality:   cfg.Quality,
		router:    cfg.Router,
		repo:      cfg.Repo,
	}
	if s.pingSec <= 0 {
		s.pingSec = 15
	}

	s.quality.OnChange = func(peerID string, level quality.Level) {
		s.bus.Publish(eventbus.ConnectionStatusChanged(peerID, level.String(), "quality"))
	}
	s.quality.OnDegraded = func(peerID string, from, to quality.Level) {
		log.Warnf("link to %s degraded: %s -> %s", peerID, from, to)
	}
	s.quality.OnEvict = func(peerID string) {
		s.mu.Lock()
		_, known := s.peers[peerID]
		s.mu.Unlock()
		if known {
			// Still nominally connected but silent past the stale window.
			s.bus.Publish(eventbus.ConnectionStatusChanged(peerID, "stale", "quality"))
		}
	}

	s.reconn.OnSuccess = func(peerID string, attempts int) {
		s.bus.Publish(eventbus.ConnectionStatusChanged(peerID, "reconnected", "reconnect"))
	}
	s.reconn.OnMaxAttempts = func(peerID string, attempts int) {
		s.bus.Publish(eventbus.Error("reconnect", peerID,
			fmt.Errorf("gave up after %d attempts", attempts)))
	}
	s.reconn.OnFailure = func(peerID string) {
		s.bus.Publish(eventbus.ConnectionStatusChanged(peerID, "unreachable", "reconnect"))
	}

	s.router.SetGlobalListener(func(msg *wire.Message) {
		s.bus.Publish(eventbus.MessageReceived(msg))
	})

	return s
}

// SetSelfID installs the transport-assigned device identifier. Must be
// called before Start when the id is not known at construction time.
func (s *Service) SetSelfID(id string) {
	s.mu.Lock()
	s.selfID = id
	s.mu.Unlock()
	s.router.SetLocalID(id)
}

// SetTransport installs the network layer. Must be called before Start.
func (s *Service) SetTransport(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

// Start launches the ping loop. ctx cancellation stops it.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.pingLoop(ctx)
}

func (s *Service) pingLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(time.Duration(s.pingSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pingAll(ctx)
		}
	}
}

func (s *Service) pingAll(ctx context.Context) {
	s.mu.Lock()
	t := s.transport
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	if t == nil {
		return
	}
	for _, id := range ids {
		s.pingPeer(ctx, t, id)
	}
}

// pingPeer sends one ping and arms a delivery deadline for its pong. An
// expired deadline counts as packet loss against the peer's quality.
func (s *Service) pingPeer(ctx context.Context, t Transport, peerID string) {
	seq := s.quality.RecordPingSent(peerID)
	data := wire.GeneratePing(s.selfID, seq)
	if err := t.Send(ctx, peerID, data); err != nil {
		log.Debugf("ping %s: %v", peerID, err)
		s.quality.RecordPacketTimeout(peerID)
		return
	}
	id := pingDeadlineID(peerID, seq)
	s.timeouts.Start(timeout.KindPing, id, 0, func() {
		s.quality.RecordPacketTimeout(peerID)
	})
}

func pingDeadlineID(peerID string, seq uint64) string {
	return fmt.Sprintf("ping:%s:%d", peerID, seq)
}

// HandleEnvelope is the single inbound entry point from the transport.
// Ping and pong envelopes are answered and measured here; everything
// else goes to the router.
func (s *Service) HandleEnvelope(ctx context.Context, data []byte, fromPeer string) error {
	env, err := wire.DecodeEnvelope(data)
	if err != nil {
		s.bus.Publish(eventbus.Error("decode", fromPeer, err))
		return err
	}
	s.touch(fromPeer)

	switch env.Type {
	case wire.TypePing:
		s.mu.Lock()
		t := s.transport
		s.mu.Unlock()
		if t == nil {
			return nil
		}
		return t.Send(ctx, fromPeer, wire.GeneratePong(s.selfID, env.Seq))
	case wire.TypePong:
		sender := env.SenderID()
		if sender == "" {
			sender = fromPeer
		}
		s.timeouts.Complete(pingDeadlineID(sender, env.Seq))
		s.quality.RecordPingReceived(sender, env.Seq)
		return nil
	}

	if err := s.router.RouteRaw(ctx, data, fromPeer); err != nil {
		s.bus.Publish(eventbus.Error("route", fromPeer, err))
		return err
	}
	return nil
}

// SendText builds a text message from this device, routes it locally
// (so it is persisted and delivered to local listeners), and pushes it
// to the mesh.
func (s *Service) SendText(ctx context.Context, targetID, body string) (*wire.Message, error) {
	return s.send(ctx, wire.NewMessage(s.selfID, s.selfName, targetID, body))
}

// SendEmergency builds an emergency message with an optional location.
func (s *Service) SendEmergency(ctx context.Context, body string, lat, lon float64) (*wire.Message, error) {
	msg := wire.NewMessage(s.selfID, s.selfName, wire.BroadcastTarget, body)
	msg.Type = wire.MessageTypeEmergency
	msg.Latitude, msg.Longitude = lat, lon
	return s.send(ctx, msg)
}

func (s *Service) send(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	if err := s.router.Route(ctx, msg); err != nil {
		return nil, err
	}

	env := wire.Envelope{
		Type:           string(msg.Type),
		MessageID:      msg.ID,
		DeviceID:       msg.SenderID,
		SenderName:     msg.SenderName,
		TargetDeviceID: msg.TargetID,
		ChatSessionID:  msg.ChatSessionID,
		Body:           msg.Body,
		IsEmergency:    msg.Type.IsEmergency(),
		Latitude:       msg.Latitude,
		Longitude:      msg.Longitude,
		Timestamp:      msg.Timestamp,
	}
	data, err := env.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}

	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		s.bus.Publish(eventbus.MessageSendStatus(msg.ID, msg.TargetID, wire.StatusPending))
		return msg, nil
	}

	if msg.IsBroadcast() {
		err = t.Broadcast(ctx, data)
	} else {
		err = t.Send(ctx, msg.TargetID, data)
	}
	if err != nil {
		s.bus.Publish(eventbus.MessageSendStatus(msg.ID, msg.TargetID, wire.StatusFailed))
		return msg, fmt.Errorf("send message %s: %w", msg.ID, err)
	}
	s.bus.Publish(eventbus.MessageSendStatus(msg.ID, msg.TargetID, wire.StatusSent))
	return msg, nil
}

// PeerDiscovered records a peer found by discovery but not yet connected.
func (s *Service) PeerDiscovered(peerID, name string) {
	s.bus.Publish(eventbus.DeviceDiscovered(peerID, name))
}

// PeerConnected records a live link to peerID. Any running reconnection
// cycle for it is stopped; its listener starts draining queued messages.
func (s *Service) PeerConnected(peerID, name, linkType string, addrs []string) {
	s.mu.Lock()
	s.peers[peerID] = &peerState{
		name:     name,
		linkType: linkType,
		addrs:    addrs,
		lastSeen: time.Now(),
	}
	repo := s.repo
	s.mu.Unlock()

	s.reconn.Stop(peerID)
	s.bus.Publish(eventbus.DeviceConnected(peerID, name, linkType))

	if repo != nil {
		session := router.SessionForPeer(peerID)
		if err := repo.UpdateSessionConnection(context.Background(), session, linkType, time.Now()); err != nil {
			log.Debugf("session connection update %s: %v", session, err)
		}
	}
}

// PeerLost records a dropped link and starts a reconnection cycle with
// the peer's last known addresses.
func (s *Service) PeerLost(peerID string) {
	s.mu.Lock()
	st, known := s.peers[peerID]
	delete(s.peers, peerID)
	s.mu.Unlock()
	if !known {
		return
	}

	s.bus.Publish(eventbus.DeviceDisconnected(peerID, st.name))
	s.quality.Forget(peerID)
	s.reconn.Start(peerID, reconnect.PeerInfo{
		Name:     st.name,
		LinkType: st.linkType,
		Addrs:    st.addrs,
	})
}

// ForgetPeer drops all state for a peer without reconnecting: the user
// explicitly removed it.
func (s *Service) ForgetPeer(peerID string) {
	s.mu.Lock()
	delete(s.peers, peerID)
	s.mu.Unlock()
	s.reconn.Reset(peerID)
	s.quality.Forget(peerID)
	s.router.UnregisterDeviceListener(peerID)
}

// Peers returns the ids of currently connected peers.
func (s *Service) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	return out
}

func (s *Service) touch(peerID string) {
	s.mu.Lock()
	if st, ok := s.peers[peerID]; ok {
		st.lastSeen = time.Now()
	}
	s.mu.Unlock()
}

// ApplyConfig picks up the runtime-swappable settings from a reloaded
// config. Only the timeout durations change live; everything else needs
// a restart.
func (s *Service) ApplyConfig(cfg config.Config) {
	p, ok := timeout.ProfileByName(cfg.Timeouts.Profile)
	if !ok {
		log.Warnf("unknown timeout profile %q ignored", cfg.Timeouts.Profile)
		return
	}
	s.timeouts.SetProfile(applyOverrides(p, cfg.Timeouts))
}

// applyOverrides patches non-zero per-kind durations over the profile.
func applyOverrides(p timeout.Profile, t config.Timeouts) timeout.Profile {
	if t.DiscoverySec > 0 {
		p.Discovery = time.Duration(t.DiscoverySec) * time.Second
	}
	if t.ConnectionSec > 0 {
		p.Connection = time.Duration(t.ConnectionSec) * time.Second
	}
	if t.HandshakeSec > 0 {
		p.Handshake = time.Duration(t.HandshakeSec) * time.Second
	}
	if t.DeliverySec > 0 {
		p.Delivery = time.Duration(t.DeliverySec) * time.Second
	}
	if t.PingSec > 0 {
		p.Ping = time.Duration(t.PingSec) * time.Second
	}
	return p
}

// Close stops the ping loop. Component shutdown order is owned by the
// app, not the service.
func (s *Service) Close() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
