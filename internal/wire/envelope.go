// Package wire defines the JSON envelope exchanged between mesh peers
// and the canonical message form the router works with.
//
// Envelopes arrive from heterogeneous senders, so most fields have
// historical aliases (deviceId vs senderDeviceId, from vs senderName,
// endpointId vs targetDeviceId). Decoding tolerates all of them.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Control-plane envelope subtypes. These keep links alive and negotiate
// sessions; they are never persisted or routed to chat listeners.
const (
	TypeHandshake         = "handshake"
	TypeHandshakeResponse = "handshake_response"
	TypeHeartbeat         = "heartbeat"
	TypeAck               = "ack"
	TypePing              = "ping"
	TypePong              = "pong"
)

// UnknownSenderName is used when an envelope carries no display name.
const UnknownSenderName = "Unknown"

// ErrNoSender marks an envelope with no resolvable sender identifier.
var ErrNoSender = errors.New("wire: envelope has no sender identifier")

// Envelope is the wire-level JSON object. All fields are optional at the
// JSON level; validation happens in the accessors and the router.
type Envelope struct {
	Type           string  `json:"type,omitempty"`
	MessageID      string  `json:"messageId,omitempty"`
	DeviceID       string  `json:"deviceId,omitempty"`
	SenderDeviceID string  `json:"senderDeviceId,omitempty"`
	SenderName     string  `json:"senderName,omitempty"`
	From           string  `json:"from,omitempty"`
	FromUser       string  `json:"fromUser,omitempty"`
	UserName       string  `json:"userName,omitempty"`
	TargetDeviceID string  `json:"targetDeviceId,omitempty"`
	EndpointID     string  `json:"endpointId,omitempty"`
	ChatSessionID  string  `json:"chatSessionId,omitempty"`
	Body           string  `json:"message,omitempty"`
	IsEmergency    bool    `json:"isEmergency,omitempty"`
	MessageType    string  `json:"messageType,omitempty"`
	Latitude       float64 `json:"latitude,omitempty"`
	Longitude      float64 `json:"longitude,omitempty"`
	Seq            uint64  `json:"seq,omitempty"`
	Timestamp      int64   `json:"timestamp,omitempty"`
}

// DecodeEnvelope parses raw wire bytes into an Envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return &env, nil
}

// Encode serializes the envelope back to wire bytes.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// IsControl reports whether the envelope is a control-plane subtype.
func (e *Envelope) IsControl() bool {
	switch e.Type {
	case TypeHandshake, TypeHandshakeResponse, TypeHeartbeat, TypeAck, TypePing, TypePong:
		return true
	}
	return false
}

// SenderID returns the first non-empty sender identifier alias.
func (e *Envelope) SenderID() string {
	if e.DeviceID != "" {
		return e.DeviceID
	}
	return e.SenderDeviceID
}

// DisplayName returns the first non-empty display-name alias, or
// UnknownSenderName when none is set.
func (e *Envelope) DisplayName() string {
	for _, name := range []string{e.SenderName, e.From, e.FromUser, e.UserName} {
		if name != "" {
			return name
		}
	}
	return UnknownSenderName
}

// Target returns the addressed device, preferring targetDeviceId over
// endpointId, defaulting to broadcast when neither is set.
func (e *Envelope) Target() string {
	if e.TargetDeviceID != "" {
		return e.TargetDeviceID
	}
	if e.EndpointID != "" {
		return e.EndpointID
	}
	return BroadcastTarget
}

// ResolveType maps the envelope's type hints onto a MessageType.
// isEmergency and a type/messageType of "sos" or "emergency" all promote
// the message; everything unrecognized decays to text.
func (e *Envelope) ResolveType() MessageType {
	for _, hint := range []string{e.Type, e.MessageType} {
		switch MessageType(hint) {
		case MessageTypeSOS:
			return MessageTypeSOS
		case MessageTypeEmergency:
			return MessageTypeEmergency
		case MessageTypeLocation:
			return MessageTypeLocation
		}
	}
	if e.IsEmergency {
		return MessageTypeEmergency
	}
	return MessageTypeText
}
