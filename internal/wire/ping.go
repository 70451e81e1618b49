package wire

import "encoding/json"

// GeneratePing builds the ping control envelope the transport sends to
// measure round-trip time. seq ties the eventual pong back to the
// quality monitor's pending sample.
func GeneratePing(selfID string, seq uint64) []byte {
	b, _ := json.Marshal(Envelope{
		Type:      TypePing,
		DeviceID:  selfID,
		Seq:       seq,
		Timestamp: NowMillis(),
	})
	return b
}

// GeneratePong builds the reply to a ping, echoing its sequence number.
func GeneratePong(selfID string, seq uint64) []byte {
	b, _ := json.Marshal(Envelope{
		Type:      TypePong,
		DeviceID:  selfID,
		Seq:       seq,
		Timestamp: NowMillis(),
	})
	return b
}
