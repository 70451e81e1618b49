package eventbus

import (
	"time"

	"github.com/meshlink/meshlink/internal/wire"
)

// EventType discriminates the event variants flowing through the bus.
type EventType string

const (
	EventDeviceConnected    EventType = "device_connected"
	EventDeviceDisconnected EventType = "device_disconnected"
	EventDeviceDiscovered   EventType = "device_discovered"
	EventMessageReceived    EventType = "message_received"
	EventMessageSendStatus  EventType = "message_send_status"
	EventConnectionStatus   EventType = "connection_status_changed"
	EventError              EventType = "error"
)

// Event is an immutable record of something that happened on the mesh.
// Only the fields relevant to the variant are populated.
type Event struct {
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	DeviceID  string        `json:"device_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	LinkType  string        `json:"link_type,omitempty"`
	Operation string        `json:"operation,omitempty"`
	Status    string        `json:"status,omitempty"`
	MessageID string        `json:"message_id,omitempty"`
	Message   *wire.Message `json:"message,omitempty"`
	Err       string        `json:"error,omitempty"`
}

func newEvent(t EventType) Event {
	return Event{Type: t, Timestamp: time.Now()}
}

// DeviceConnected records a device joining over the given link type.
func DeviceConnected(deviceID, name, linkType string) Event {
	e := newEvent(EventDeviceConnected)
	e.DeviceID, e.Name, e.LinkType = deviceID, name, linkType
	return e
}

// DeviceDisconnected records a device leaving.
func DeviceDisconnected(deviceID, name string) Event {
	e := newEvent(EventDeviceDisconnected)
	e.DeviceID, e.Name = deviceID, name
	return e
}

// DeviceDiscovered records a device found by discovery but not yet connected.
func DeviceDiscovered(deviceID, name string) Event {
	e := newEvent(EventDeviceDiscovered)
	e.DeviceID, e.Name = deviceID, name
	e.Operation = "discovery"
	return e
}

// MessageReceived records a routed inbound message.
func MessageReceived(msg *wire.Message) Event {
	e := newEvent(EventMessageReceived)
	e.Message = msg
	if msg != nil {
		e.DeviceID = msg.SenderID
		e.MessageID = msg.ID
	}
	return e
}

// MessageSendStatus records a delivery-status transition for an outbound message.
func MessageSendStatus(messageID, deviceID string, status wire.DeliveryStatus) Event {
	e := newEvent(EventMessageSendStatus)
	e.MessageID, e.DeviceID, e.Status = messageID, deviceID, string(status)
	return e
}

// ConnectionStatusChanged records a link status transition for a device.
// op names the operation that observed the change (ping, handshake, ...).
func ConnectionStatusChanged(deviceID, status, op string) Event {
	e := newEvent(EventConnectionStatus)
	e.DeviceID, e.Status, e.Operation = deviceID, status, op
	return e
}

// Error records a non-fatal failure surfaced to diagnostics.
func Error(op, deviceID string, err error) Event {
	e := newEvent(EventError)
	e.Operation, e.DeviceID = op, deviceID
	if err != nil {
		e.Err = err.Error()
	}
	return e
}
