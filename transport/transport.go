// Package transport owns the live connection to WhatsApp's multi-device
// websocket endpoint: dialing, the Noise XX handshake, and the encrypted,
// length-prefixed frame stream layered on top of it (spec.md §4.B,
// component B). It is grounded on the teacher's transport.NoiseTransport
// (per-peer Noise session held behind a mutex, single writer lane,
// background keep-alive), generalized from Tox's UDP/TCP dual transport
// to a single gorilla/websocket connection.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Kunboruto20/borutowaileys-library/binarynode"
	"github.com/Kunboruto20/borutowaileys-library/internal/noisehandshake"
)

// DefaultURL is WhatsApp's multi-device websocket endpoint.
const DefaultURL = "wss://web.whatsapp.com/ws/chat"

// DefaultKeepAliveInterval matches the teacher's keep-alive ping cadence,
// generalized to spec.md §4.B's "default 25s" requirement.
const DefaultKeepAliveInterval = 25 * time.Second

// frameLengthBytes is the big-endian length prefix spec.md §4.B names: "a
// 3-byte big-endian length prefix, followed by that many bytes of
// AEAD-encrypted frame body".
const frameLengthBytes = 3

const maxFrameLength = 1<<(8*frameLengthBytes) - 1

// State is the connection's lifecycle state (spec.md component I's
// connecting/handshaking/open/closing/closed machine, observed from the
// transport's point of view).
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AEAD is the minimal cipher surface the frame ratchet needs; satisfied
// by *noise.CipherState.
type AEAD interface {
	Encrypt(out, ad, plaintext []byte) ([]byte, error)
	Decrypt(out, ad, ciphertext []byte) ([]byte, error)
}

// Options configures a Transport, following the teacher's
// Options/NewOptions constructor convention.
type Options struct {
	URL               string
	KeepAliveInterval time.Duration
	HandshakeTimeout  time.Duration
	Logger            *logrus.Logger
}

// NewOptions returns Options populated with spec.md defaults.
func NewOptions() *Options {
	return &Options{
		URL:               DefaultURL,
		KeepAliveInterval: DefaultKeepAliveInterval,
		HandshakeTimeout:  15 * time.Second,
	}
}

// Transport owns one live websocket connection, the completed Noise
// session derived from it, and the single write lane every frame must
// pass through.
type Transport struct {
	opts *Options
	log  *logrus.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	send     AEAD
	recv     AEAD
	lastRecv time.Time

	writeMu sync.Mutex

	closeCh chan struct{}
	closeOnce sync.Once
}

// New constructs a Transport. A nil opts falls back to NewOptions(); a
// nil logger inside opts falls back to logrus.StandardLogger().
func New(opts *Options) *Transport {
	if opts == nil {
		opts = NewOptions()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Transport{opts: opts, log: log, state: StateIdle, closeCh: make(chan struct{})}
}

// State reports the transport's current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.log.WithField("state", s).Debug("transport: state changed")
}

// Dial opens the websocket connection and runs the client side of the
// Noise XX handshake, returning once the encrypted frame stream is ready
// for use. staticPriv is the credentials' noiseKey (§3); clientFinish is
// the already-marshaled ClientPayload to embed in the handshake's third
// message (§4.B step 3).
func (t *Transport) Dial(ctx context.Context, staticPriv []byte, clientFinishPayload []byte) ([]byte, error) {
	t.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: t.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.opts.URL, nil)
	if err != nil {
		t.setState(StateClosed)
		return nil, fmt.Errorf("transport: dial %s: %w", t.opts.URL, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.setState(StateHandshaking)
	hs, err := noisehandshake.New(staticPriv, noisehandshake.Initiator)
	if err != nil {
		conn.Close()
		t.setState(StateClosed)
		return nil, err
	}

	msg1, err := hs.WriteMessage(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: handshake step 1: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, msg1); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: sending handshake step 1: %w", err)
	}

	_, msg2, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: reading handshake step 2: %w", err)
	}
	serverPayload, err := hs.ReadMessage(msg2)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: handshake step 2: %w", err)
	}

	msg3, err := hs.WriteMessage(clientFinishPayload)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: handshake step 3: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, msg3); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: sending handshake step 3: %w", err)
	}

	send, recv, err := hs.Ciphers()
	if err != nil {
		conn.Close()
		return nil, err
	}

	t.mu.Lock()
	t.send, t.recv = send, recv
	t.lastRecv = time.Now()
	t.mu.Unlock()

	t.setState(StateOpen)
	go t.keepAlive()

	return serverPayload, nil
}

// WriteFrame encrypts plaintext with the send ratchet and writes a single
// length-prefixed frame, serialized against concurrent writers (spec.md
// §4.B: "a single write lane every outbound frame, including keep-alive
// pings, must pass through").
func (t *Transport) WriteFrame(plaintext []byte) error {
	t.mu.Lock()
	send, conn := t.send, t.conn
	t.mu.Unlock()
	if send == nil || conn == nil {
		return fmt.Errorf("transport: not open")
	}

	ciphertext, err := send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return fmt.Errorf("transport: encrypting frame: %w", err)
	}
	if len(ciphertext) > maxFrameLength {
		return fmt.Errorf("transport: frame too large (%d bytes)", len(ciphertext))
	}

	var prefix [frameLengthBytes]byte
	putUint24(prefix[:], uint32(len(ciphertext)))

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, append(prefix[:], ciphertext...)); err != nil {
		return fmt.Errorf("transport: writing frame: %w", err)
	}
	return nil
}

// ReadFrame blocks for the next inbound frame and decrypts it with the
// receive ratchet. Callers (the receiver package's dispatch loop) are
// expected to call this in a tight loop on a dedicated goroutine.
func (t *Transport) ReadFrame() ([]byte, error) {
	t.mu.Lock()
	recv, conn := t.recv, t.conn
	t.mu.Unlock()
	if recv == nil || conn == nil {
		return nil, fmt.Errorf("transport: not open")
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("transport: reading frame: %w", err)
	}
	if len(data) < frameLengthBytes {
		return nil, fmt.Errorf("transport: short frame (%d bytes)", len(data))
	}
	n := getUint24(data[:frameLengthBytes])
	body := data[frameLengthBytes:]
	if int(n) != len(body) {
		return nil, fmt.Errorf("transport: frame length mismatch: header says %d, got %d", n, len(body))
	}

	plaintext, err := recv.Decrypt(nil, nil, body)
	if err != nil {
		return nil, fmt.Errorf("transport: decrypting frame: %w", err)
	}

	t.mu.Lock()
	t.lastRecv = time.Now()
	t.mu.Unlock()

	return plaintext, nil
}

// keepAlive sends a `iq type=get xmlns=w:p` ping every KeepAliveInterval,
// sharing the same write lane as application traffic (spec.md §4.B), and
// treats the connection as stale if no server traffic at all — pings,
// replies or otherwise — has arrived within two such intervals.
func (t *Transport) keepAlive() {
	ticker := time.NewTicker(t.opts.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if t.isStale() {
				t.log.Warn("transport: no server traffic within keep-alive window, closing as stale")
				t.Close()
				return
			}
			frame, err := pingFrame()
			if err != nil {
				t.log.WithError(err).Warn("transport: building keep-alive ping failed")
				continue
			}
			if err := t.WriteFrame(frame); err != nil {
				t.log.WithError(err).Warn("transport: keep-alive ping failed")
				return
			}
		case <-t.closeCh:
			return
		}
	}
}

// isStale reports whether it has been longer than two keep-alive
// intervals since any inbound frame was last decrypted.
func (t *Transport) isStale() bool {
	t.mu.Lock()
	last, interval := t.lastRecv, t.opts.KeepAliveInterval
	t.mu.Unlock()
	if last.IsZero() {
		return false
	}
	return time.Since(last) > 2*interval
}

// pingFrame encodes the `iq type=get xmlns=w:p` ping stanza official
// clients use to keep the connection alive (spec.md §4.B).
func pingFrame() ([]byte, error) {
	id, err := randomID()
	if err != nil {
		return nil, fmt.Errorf("transport: generating ping id: %w", err)
	}
	n := binarynode.BinaryNode{
		Tag: "iq",
		Attrs: map[string]string{
			"id":    id,
			"type":  "get",
			"xmlns": "w:p",
			"to":    "s.whatsapp.net",
		},
		Content: binarynode.NodeList{{Tag: "ping"}},
	}
	return binarynode.Encode(n)
}

// ClassifyDisconnect extracts the numeric close code and text reason a
// server-initiated websocket close carries, for the caller's own
// disconnect classification and reconnect backoff (spec.md §4.I). It
// returns code 0 and err's own message for anything that isn't a
// *websocket.CloseError (a plain read/write/dial failure).
func ClassifyDisconnect(err error) (code int, reason string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	return 0, err.Error()
}

func randomID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Close tears down the connection. Safe to call more than once.
func (t *Transport) Close() error {
	t.setState(StateClosing)
	t.closeOnce.Do(func() { close(t.closeCh) })

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.setState(StateClosed)
	return err
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
