package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelopeAliases(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{
		"senderDeviceId": "dev-1",
		"fromUser": "Alice",
		"endpointId": "dev-2",
		"message": "hello",
		"messageType": "text"
	}`))
	require.NoError(t, err)

	assert.Equal(t, "dev-1", env.SenderID())
	assert.Equal(t, "Alice", env.DisplayName())
	assert.Equal(t, "dev-2", env.Target())
	assert.Equal(t, MessageTypeText, env.ResolveType())
}

func TestDecodeEnvelopeAliasPrecedence(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{
		"deviceId": "primary",
		"senderDeviceId": "secondary",
		"senderName": "Primary",
		"from": "Secondary",
		"targetDeviceId": "t1",
		"endpointId": "t2"
	}`))
	require.NoError(t, err)

	assert.Equal(t, "primary", env.SenderID())
	assert.Equal(t, "Primary", env.DisplayName())
	assert.Equal(t, "t1", env.Target())
}

func TestEnvelopeDefaults(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"deviceId": "dev-1", "message": "hi"}`))
	require.NoError(t, err)

	assert.Equal(t, UnknownSenderName, env.DisplayName())
	assert.Equal(t, BroadcastTarget, env.Target())
	assert.Equal(t, MessageTypeText, env.ResolveType())
}

func TestDecodeEnvelopeInvalid(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`not json`))
	assert.Error(t, err)
}

func TestResolveTypeEmergency(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want MessageType
	}{
		{"flag only", `{"isEmergency": true}`, MessageTypeEmergency},
		{"sos type", `{"type": "sos"}`, MessageTypeSOS},
		{"messageType emergency", `{"messageType": "emergency"}`, MessageTypeEmergency},
		{"location", `{"messageType": "location"}`, MessageTypeLocation},
		{"unknown decays to text", `{"type": "gibberish"}`, MessageTypeText},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, env.ResolveType())
		})
	}
}

func TestIsControl(t *testing.T) {
	for _, typ := range []string{TypeHandshake, TypeHandshakeResponse, TypeHeartbeat, TypeAck, TypePing, TypePong} {
		assert.True(t, (&Envelope{Type: typ}).IsControl(), typ)
	}
	assert.False(t, (&Envelope{Type: "text"}).IsControl())
	assert.False(t, (&Envelope{}).IsControl())
}

func TestPingPongRoundTrip(t *testing.T) {
	env, err := DecodeEnvelope(GeneratePing("dev-1", 42))
	require.NoError(t, err)
	assert.Equal(t, TypePing, env.Type)
	assert.Equal(t, uint64(42), env.Seq)
	assert.True(t, env.IsControl())

	env, err = DecodeEnvelope(GeneratePong("dev-2", 42))
	require.NoError(t, err)
	assert.Equal(t, TypePong, env.Type)
	assert.Equal(t, "dev-2", env.SenderID())
}

func TestMessageIsBroadcast(t *testing.T) {
	assert.True(t, (&Message{TargetID: ""}).IsBroadcast())
	assert.True(t, (&Message{TargetID: BroadcastTarget}).IsBroadcast())
	assert.False(t, (&Message{TargetID: "dev-9"}).IsBroadcast())
}

func TestMessageTypeIsEmergency(t *testing.T) {
	assert.True(t, MessageTypeEmergency.IsEmergency())
	assert.True(t, MessageTypeSOS.IsEmergency())
	assert.False(t, MessageTypeText.IsEmergency())
	assert.False(t, MessageTypeLocation.IsEmergency())
}
