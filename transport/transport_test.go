package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kunboruto20/borutowaileys-library/internal/noisehandshake"
)

func randStaticKey(seed byte) []byte {
	b := make([]byte, 32)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

// serverHandshakeAndEcho runs the server side of the XX handshake against
// one incoming connection, then echoes every subsequent frame back
// unmodified, re-encrypted under its own send ratchet.
func serverHandshakeAndEcho(t *testing.T, conn *websocket.Conn, serverKey []byte, serverPayload []byte) {
	hs, err := noisehandshake.New(serverKey, noisehandshake.Responder)
	require.NoError(t, err)

	_, msg1, err := conn.ReadMessage()
	require.NoError(t, err)
	_, err = hs.ReadMessage(msg1)
	require.NoError(t, err)

	msg2, err := hs.WriteMessage(serverPayload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, msg2))

	_, msg3, err := conn.ReadMessage()
	require.NoError(t, err)
	_, err = hs.ReadMessage(msg3)
	require.NoError(t, err)

	send, recv, err := hs.Ciphers()
	require.NoError(t, err)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if len(frame) < frameLengthBytes {
			return
		}
		n := getUint24(frame[:frameLengthBytes])
		body := frame[frameLengthBytes : frameLengthBytes+int(n)]
		plain, err := recv.Decrypt(nil, nil, body)
		if err != nil {
			return
		}
		ct, err := send.Encrypt(nil, nil, plain)
		if err != nil {
			return
		}
		var prefix [frameLengthBytes]byte
		putUint24(prefix[:], uint32(len(ct)))
		if err := conn.WriteMessage(websocket.BinaryMessage, append(prefix[:], ct...)); err != nil {
			return
		}
	}
}

func TestDialHandshakeAndFrameRoundTrip(t *testing.T) {
	serverKey := randStaticKey(100)
	serverPayload := []byte("server-hello-payload")

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		serverHandshakeAndEcho(t, conn, serverKey, serverPayload)
	}))
	defer srv.Close()

	opts := NewOptions()
	opts.URL = "ws" + srv.URL[len("http"):]
	opts.KeepAliveInterval = time.Hour // don't interfere with the test
	tr := New(opts)
	defer tr.Close()

	clientKey := randStaticKey(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := tr.Dial(ctx, clientKey, []byte("client-finish-payload"))
	require.NoError(t, err)
	assert.Equal(t, serverPayload, got)
	assert.Equal(t, StateOpen, tr.State())

	require.NoError(t, tr.WriteFrame([]byte("hello, server")))
	echoed, err := tr.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "hello, server", string(echoed))
}

func TestWriteFrameBeforeDialErrors(t *testing.T) {
	tr := New(nil)
	err := tr.WriteFrame([]byte("too early"))
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	tr := New(nil)
	assert.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
	assert.Equal(t, StateClosed, tr.State())
}
