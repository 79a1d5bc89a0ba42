package noisehandshake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randKey() []byte {
	b := make([]byte, 32)
	for i := range b {
		b[i] = byte(i + 1)
	}
	return b
}

func TestXXHandshakeCompletesBothSides(t *testing.T) {
	initPriv := randKey()
	respPriv := append([]byte(nil), randKey()...)
	respPriv[0] ^= 0xFF

	initiator, err := New(initPriv, Initiator)
	require.NoError(t, err)
	responder, err := New(respPriv, Responder)
	require.NoError(t, err)

	// -> e
	msg1, err := initiator.WriteMessage(nil)
	require.NoError(t, err)
	_, err = responder.ReadMessage(msg1)
	require.NoError(t, err)

	// <- e, ee, s, es
	msg2, err := responder.WriteMessage(nil)
	require.NoError(t, err)
	_, err = initiator.ReadMessage(msg2)
	require.NoError(t, err)

	// -> s, se
	msg3, err := initiator.WriteMessage([]byte("client-payload"))
	require.NoError(t, err)
	payload, err := responder.ReadMessage(msg3)
	require.NoError(t, err)
	assert.Equal(t, "client-payload", string(payload))

	assert.True(t, initiator.Complete())
	assert.True(t, responder.Complete())

	iSend, iRecv, err := initiator.Ciphers()
	require.NoError(t, err)
	rSend, rRecv, err := responder.Ciphers()
	require.NoError(t, err)
	require.NotNil(t, iSend)
	require.NotNil(t, iRecv)
	require.NotNil(t, rSend)
	require.NotNil(t, rRecv)

	ct, err := iSend.Encrypt(nil, nil, []byte("hello"))
	require.NoError(t, err)
	pt, err := rRecv.Decrypt(nil, nil, ct)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(pt))
}

func TestWriteMessageAfterCompleteErrors(t *testing.T) {
	initPriv := randKey()
	respPriv := append([]byte(nil), randKey()...)
	respPriv[0] ^= 0xFF
	initiator, _ := New(initPriv, Initiator)
	responder, _ := New(respPriv, Responder)

	msg1, _ := initiator.WriteMessage(nil)
	_, _ = responder.ReadMessage(msg1)
	msg2, _ := responder.WriteMessage(nil)
	_, _ = initiator.ReadMessage(msg2)
	_, _ = initiator.WriteMessage(nil)

	_, err := initiator.WriteMessage(nil)
	assert.ErrorIs(t, err, ErrHandshakeComplete)
}

func TestCiphersBeforeCompleteErrors(t *testing.T) {
	h, err := New(randKey(), Initiator)
	require.NoError(t, err)
	_, _, err = h.Ciphers()
	assert.ErrorIs(t, err, ErrHandshakeNotComplete)
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	_, err := New([]byte{1, 2, 3}, Initiator)
	assert.Error(t, err)
}
