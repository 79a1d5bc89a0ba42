package waproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientPayloadRoundTrip(t *testing.T) {
	c := &ClientPayload{
		Username:       1234567890,
		Passive:        true,
		RegistrationID: 42,
		Account:        []byte{1, 2, 3, 4},
		ConnectType:    1,
		ConnectReason:  2,
		UserAgent: &UserAgent{
			Platform:        "web",
			AppVersionMajor: 2,
			AppVersionMinor: 24,
			AppVersionPatch: 6,
			Device:          "Desktop",
			OSVersion:       "10",
		},
	}
	data, err := c.Marshal()
	require.NoError(t, err)

	var got ClientPayload
	require.NoError(t, got.Unmarshal(data))

	assert.Equal(t, c.Username, got.Username)
	assert.Equal(t, c.Passive, got.Passive)
	assert.Equal(t, c.RegistrationID, got.RegistrationID)
	assert.Equal(t, c.Account, got.Account)
	require.NotNil(t, got.UserAgent)
	assert.Equal(t, c.UserAgent.Platform, got.UserAgent.Platform)
	assert.Equal(t, c.UserAgent.AppVersionMajor, got.UserAgent.AppVersionMajor)
	assert.Equal(t, c.UserAgent.Device, got.UserAgent.Device)
}

func TestHandshakeMessageRoundTrip(t *testing.T) {
	h := &HandshakeMessage{
		ClientEphemeral: []byte{9, 9, 9},
		ClientPayload:   []byte{1, 2, 3},
	}
	data := h.Marshal()

	var got HandshakeMessage
	require.NoError(t, got.Unmarshal(data))
	assert.Equal(t, h.ClientEphemeral, got.ClientEphemeral)
	assert.Equal(t, h.ClientPayload, got.ClientPayload)
	assert.Empty(t, got.ServerEphemeral)
}

func TestMessageRoundTrip(t *testing.T) {
	m := &Message{Conversation: "hi", Caption: "", ContextQuoted: "ABC123"}
	data := m.Marshal()

	var got Message
	require.NoError(t, got.Unmarshal(data))
	assert.Equal(t, "hi", got.Conversation)
	assert.Equal(t, "ABC123", got.ContextQuoted)
}

func TestEmptyMessageRoundTrip(t *testing.T) {
	m := &Message{}
	data := m.Marshal()
	assert.Empty(t, data)

	var got Message
	require.NoError(t, got.Unmarshal(data))
	assert.Equal(t, Message{}, got)
}
