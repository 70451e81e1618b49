// Package transport runs the libp2p node: LAN discovery over mDNS,
// presence over gossipsub, and point-to-point message streams. It moves
// bytes and reports link changes; envelope semantics belong to the
// service behind the Handler interface.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/meshlink/meshlink/internal/config"
)

var log = logging.Logger("meshlink/transport")

func init() {
	// Dial failures and backoff noise from libp2p internals go to stderr
	// by default; keep them out of normal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// MsgProtoID is the stream protocol carrying message envelopes, one
// newline-terminated JSON object per stream.
const MsgProtoID = "/meshlink/msg/1.0.0"

const (
	presenceOnline  = "online"
	presenceOffline = "offline"

	connectTimeout = 10 * time.Second
	presenceTTL    = 60 * time.Second
)

// Handler receives everything the transport learns from the network.
type Handler interface {
	HandleEnvelope(ctx context.Context, data []byte, fromPeer string) error
	PeerDiscovered(peerID, name string)
	PeerConnected(peerID, name, linkType string, addrs []string)
	PeerLost(peerID string)
}

type presenceMsg struct {
	Type   string   `json:"type"`
	PeerID string   `json:"peerId"`
	Name   string   `json:"name,omitempty"`
	Addrs  []string `json:"addrs,omitempty"`
	TS     int64    `json:"ts"`
}

// Node is the running libp2p transport.
type Node struct {
	host     host.Host
	ps       *pubsub.PubSub
	presence *pubsub.Topic
	messages *pubsub.Topic
	selfName string
	handler  Handler
	names    *nameTable
	mdns     mdns.Service
}

// loadOrCreateKey loads the persistent identity key, generating and
// saving an Ed25519 key on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, fmt.Errorf("save identity key: %w", err)
	}
	log.Infof("generated new identity key: %s", keyFile)
	return priv, nil
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// New starts the libp2p host, joins the presence and broadcast topics,
// and begins serving the message protocol. handler must be set before
// any peer can reach the node.
func New(ctx context.Context, cfg config.Transport, selfName, keyFile string, handler Handler) (*Node, error) {
	priv, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}
	presence, err := ps.Join(cfg.PresenceTopic)
	if err != nil {
		h.Close()
		return nil, err
	}
	messages, err := ps.Join(cfg.PresenceTopic + ".messages")
	if err != nil {
		h.Close()
		return nil, err
	}

	n := &Node{
		host:     h,
		ps:       ps,
		presence: presence,
		messages: messages,
		selfName: selfName,
		handler:  handler,
		names:    newNameTable(),
	}

	h.SetStreamHandler(protocol.ID(MsgProtoID), n.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    n.onConnected,
		DisconnectedF: n.onDisconnected,
	})

	md := mdns.NewMdnsService(h, cfg.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		h.Close()
		return nil, err
	}
	n.mdns = md

	if err := n.runPresenceLoop(ctx); err != nil {
		h.Close()
		return nil, err
	}
	if err := n.runMessageLoop(ctx); err != nil {
		h.Close()
		return nil, err
	}

	log.Infof("node %s listening on port %d", n.ID(), cfg.ListenPort)
	return n, nil
}

// ID returns this node's stable peer identifier.
func (n *Node) ID() string { return n.host.ID().String() }

// Resolve maps a display name announced over presence onto the stable
// peer id behind it. Satisfies the router's resolver port.
func (n *Node) Resolve(identifier string) (string, bool) {
	return n.names.resolve(identifier)
}

// Addrs returns the host's non-loopback listen addresses.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.host.Addrs() {
		if ip, err := manet.ToIP(a); err == nil && (ip.IsLoopback() || ip.IsLinkLocalUnicast()) {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

func (n *Node) onConnected(_ network.Network, c network.Conn) {
	pid := c.RemotePeer().String()
	var addrs []string
	for _, a := range n.host.Peerstore().Addrs(c.RemotePeer()) {
		addrs = append(addrs, a.String())
	}
	n.handler.PeerConnected(pid, n.names.get(pid), linkType(c), addrs)
}

func (n *Node) onDisconnected(net network.Network, c network.Conn) {
	pid := c.RemotePeer()
	if len(net.ConnsToPeer(pid)) > 0 {
		return
	}
	n.handler.PeerLost(pid.String())
}

// linkType reports the transport the connection runs over, for session
// bookkeeping and diagnostics.
func linkType(c network.Conn) string {
	for _, p := range c.RemoteMultiaddr().Protocols() {
		switch p.Code {
		case ma.P_QUIC_V1:
			return "quic"
		case ma.P_TCP:
			return "tcp"
		}
	}
	return "unknown"
}

// handleStream reads one newline-terminated envelope per stream.
func (n *Node) handleStream(s network.Stream) {
	defer s.Close()
	from := s.Conn().RemotePeer().String()
	rd := bufio.NewReader(s)
	line, err := rd.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		log.Debugf("stream from %s: %v", from, err)
		return
	}
	if err := n.handler.HandleEnvelope(context.Background(), line, from); err != nil {
		log.Debugf("envelope from %s: %v", from, err)
	}
}

// Send opens a stream to peerID and writes one envelope.
func (n *Node) Send(ctx context.Context, peerID string, data []byte) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("send to %s: %w", peerID, err)
	}

	// Best effort; mDNS and presence usually have us connected already.
	_ = n.host.Connect(ctx, peer.AddrInfo{ID: pid})

	s, err := n.host.NewStream(ctx, pid, protocol.ID(MsgProtoID))
	if err != nil {
		return fmt.Errorf("open stream to %s: %w", peerID, err)
	}
	defer s.Close()

	if _, err := s.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to %s: %w", peerID, err)
	}
	return nil
}

// Broadcast publishes an envelope on the mesh-wide messages topic.
func (n *Node) Broadcast(ctx context.Context, data []byte) error {
	return n.messages.Publish(ctx, data)
}

// Connect re-dials a peer at its last known addresses. Used by the
// reconnection cycle after a link drop.
func (n *Node) Connect(ctx context.Context, peerID string, addrs []string) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("connect %s: %w", peerID, err)
	}
	var mas []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		mas = append(mas, a)
	}
	if len(mas) > 0 {
		n.host.Peerstore().AddAddrs(pid, mas, presenceTTL)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, peer.AddrInfo{ID: pid}); err != nil {
		return fmt.Errorf("connect %s: %w", peerID, err)
	}
	return nil
}

// PublishPresence announces this node on the presence topic.
func (n *Node) PublishPresence(ctx context.Context, typ string) {
	msg := presenceMsg{
		Type:   typ,
		PeerID: n.ID(),
		TS:     time.Now().UnixMilli(),
	}
	if typ == presenceOnline {
		msg.Name = n.selfName
		msg.Addrs = n.Addrs()
	}
	b, _ := json.Marshal(msg)
	if err := n.presence.Publish(ctx, b); err != nil {
		log.Debugf("presence publish: %v", err)
	}
}

// RunPresenceAnnouncer publishes an online beacon on a fixed cadence so
// late joiners learn our name and addresses.
func (n *Node) RunPresenceAnnouncer(ctx context.Context, interval time.Duration) {
	go func() {
		n.PublishPresence(ctx, presenceOnline)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n.PublishPresence(ctx, presenceOnline)
			}
		}
	}()
}

func (n *Node) runPresenceLoop(ctx context.Context) error {
	sub, err := n.presence.Subscribe()
	if err != nil {
		return err
	}
	go func() {
		defer sub.Cancel()
		for {
			m, err := sub.Next(ctx)
			if err != nil {
				return
			}
			var pm presenceMsg
			if err := json.Unmarshal(m.Data, &pm); err != nil {
				continue
			}
			if pm.PeerID == "" || pm.PeerID == n.ID() {
				continue
			}
			switch pm.Type {
			case presenceOnline:
				n.names.put(pm.PeerID, pm.Name)
				n.addPeerAddrs(pm.PeerID, pm.Addrs)
				n.handler.PeerDiscovered(pm.PeerID, pm.Name)
			case presenceOffline:
				// Link-level disconnect notifications handle the rest.
			}
		}
	}()
	return nil
}

func (n *Node) runMessageLoop(ctx context.Context) error {
	sub, err := n.messages.Subscribe()
	if err != nil {
		return err
	}
	go func() {
		defer sub.Cancel()
		for {
			m, err := sub.Next(ctx)
			if err != nil {
				return
			}
			from := m.ReceivedFrom.String()
			if from == n.ID() {
				continue
			}
			if err := n.handler.HandleEnvelope(ctx, m.Data, from); err != nil {
				log.Debugf("broadcast envelope from %s: %v", from, err)
			}
		}
	}()
	return nil
}

func (n *Node) addPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var mas []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil && (ip.IsLoopback() || ip.IsLinkLocalUnicast()) {
			continue
		}
		mas = append(mas, a)
	}
	if len(mas) > 0 {
		n.host.Peerstore().AddAddrs(pid, mas, presenceTTL)
	}
}

// Close announces offline and shuts the host down.
func (n *Node) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n.PublishPresence(ctx, presenceOffline)
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.host.Close()
}
