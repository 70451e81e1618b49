package wire

import (
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a routed message.
type MessageType string

const (
	MessageTypeText      MessageType = "text"
	MessageTypeEmergency MessageType = "emergency"
	MessageTypeSOS       MessageType = "sos"
	MessageTypeLocation  MessageType = "location"
)

// IsEmergency reports whether the type warrants emergency handling.
func (t MessageType) IsEmergency() bool {
	return t == MessageTypeEmergency || t == MessageTypeSOS
}

// DeliveryStatus tracks where a message is in its delivery lifecycle.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// BroadcastTarget addresses a message to every registered listener
// instead of a single device.
const BroadcastTarget = "broadcast"

// Message is the canonical in-memory form of a mesh message. The router
// owns it only transiently; durable ownership belongs to the repository.
type Message struct {
	ID            string         `json:"id"`
	SenderID      string         `json:"sender_id"`
	SenderName    string         `json:"sender_name"`
	TargetID      string         `json:"target_id"`
	Body          string         `json:"body"`
	Type          MessageType    `json:"type"`
	Timestamp     int64          `json:"timestamp"` // unix millis
	ChatSessionID string         `json:"chat_session_id"`
	Status        DeliveryStatus `json:"status"`
	Latitude      float64        `json:"latitude,omitempty"`
	Longitude     float64        `json:"longitude,omitempty"`
}

// IsBroadcast reports whether the message is addressed to all listeners.
func (m *Message) IsBroadcast() bool {
	return m.TargetID == "" || m.TargetID == BroadcastTarget
}

// NewMessage creates a text message from this device.
func NewMessage(senderID, senderName, targetID, body string) *Message {
	return &Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		SenderName: senderName,
		TargetID:   targetID,
		Body:       body,
		Type:       MessageTypeText,
		Timestamp:  NowMillis(),
		Status:     StatusPending,
	}
}

// NowMillis returns the current time as unix milliseconds.
func NowMillis() int64 { return time.Now().UnixMilli() }
