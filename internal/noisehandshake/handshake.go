// Package noisehandshake implements the Noise XX handshake used to
// establish the encrypted transport session with WhatsApp's server
// (spec.md §4.B/§4.E, component B/E). It is adapted from the teacher's
// noise.IKHandshake: same flynn/noise-backed state machine shape, swapped
// from the IK pattern (initiator knows the responder's static key ahead of
// time) to XX (both static keys are exchanged and authenticated during the
// handshake itself), matching "Noise XX with ephemeral + static keys" in
// spec.md §4.E.
package noisehandshake

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

var (
	// ErrHandshakeComplete indicates the handshake has already finished.
	ErrHandshakeComplete = errors.New("noisehandshake: handshake already complete")
	// ErrHandshakeNotComplete indicates the handshake is still in progress.
	ErrHandshakeNotComplete = errors.New("noisehandshake: handshake not complete")
	// ErrInvalidMessage indicates a message was invalid for the current state.
	ErrInvalidMessage = errors.New("noisehandshake: invalid message for current state")
)

// Role selects which side of the XX exchange a handshake instance plays.
type Role uint8

const (
	// Initiator opens the connection (the client, dialing WhatsApp's server).
	Initiator Role = iota
	// Responder accepts the connection.
	Responder
)

// Step identifies which of the three XX messages a call to WriteMessage or
// ReadMessage produces or consumes: -> e  /  <- e, ee, s, es  /  -> s, se.
type Step int

const (
	StepOne   Step = iota // initiator writes e
	StepTwo               // responder writes e, ee, s, es
	StepThree             // initiator writes s, se
)

// XXHandshake drives one run of the Noise XX pattern over AESGCM/SHA256,
// the cipher suite spec.md §4.B calls for ("X25519 + AES-GCM + SHA-256").
type XXHandshake struct {
	role     Role
	state    *noise.HandshakeState
	send     *noise.CipherState
	recv     *noise.CipherState
	complete bool
	step     Step
}

// New creates a handshake instance. staticPriv is the local long-term
// private key (the credentials' noiseKey, §3). The XX pattern does not
// require knowing the peer's static key up front.
func New(staticPriv []byte, role Role) (*XXHandshake, error) {
	if len(staticPriv) != 32 {
		return nil, fmt.Errorf("noisehandshake: static private key must be 32 bytes, got %d", len(staticPriv))
	}

	pub, err := curve25519.X25519(staticPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("noisehandshake: failed to derive static public key: %w", err)
	}
	staticKey := noise.DHKey{
		Private: append([]byte(nil), staticPriv...),
		Public:  pub,
	}

	cs := noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)
	cfg := noise.Config{
		CipherSuite:   cs,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	}

	state, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("noisehandshake: failed to create handshake state: %w", err)
	}

	return &XXHandshake{role: role, state: state}, nil
}

// WriteMessage produces the next outbound handshake message carrying
// payload as the embedded (encrypted-once-keys-exist) application data —
// the protobuf ClientHello/ClientFinish bodies described in spec.md §4.B.
func (h *XXHandshake) WriteMessage(payload []byte) ([]byte, error) {
	if h.complete {
		return nil, ErrHandshakeComplete
	}
	msg, cs1, cs2, err := h.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("noisehandshake: write failed at step %d: %w", h.step, err)
	}
	h.advance(cs1, cs2)
	return msg, nil
}

// ReadMessage consumes an inbound handshake message and returns its
// embedded payload.
func (h *XXHandshake) ReadMessage(message []byte) ([]byte, error) {
	if h.complete {
		return nil, ErrHandshakeComplete
	}
	payload, cs1, cs2, err := h.state.ReadMessage(nil, message)
	if err != nil {
		return nil, fmt.Errorf("noisehandshake: read failed at step %d: %w", h.step, err)
	}
	h.advance(cs1, cs2)
	return payload, nil
}

// advance records cipher states once both sides of the pattern have been
// exchanged three times (XX completes on the third message) and tracks
// which step comes next.
func (h *XXHandshake) advance(cs1, cs2 *noise.CipherState) {
	h.step++
	if cs1 != nil && cs2 != nil {
		// cs1 always encrypts initiator->responder, cs2 responder->initiator.
		if h.role == Initiator {
			h.send, h.recv = cs1, cs2
		} else {
			h.send, h.recv = cs2, cs1
		}
		h.complete = true
	}
}

// Complete reports whether the three-message XX exchange has finished.
func (h *XXHandshake) Complete() bool { return h.complete }

// Ciphers returns the send/receive AEAD cipher states negotiated by the
// handshake. Valid only once Complete() is true.
func (h *XXHandshake) Ciphers() (send, recv *noise.CipherState, err error) {
	if !h.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	return h.send, h.recv, nil
}

// PeerStatic returns the peer's static public key, authenticated by the
// handshake. Valid only once Complete() is true.
func (h *XXHandshake) PeerStatic() ([]byte, error) {
	if !h.complete {
		return nil, ErrHandshakeNotComplete
	}
	return h.state.PeerStatic(), nil
}

// HandshakeHash returns the final h value from the Noise transcript, used
// to key the post-handshake frame ratchet (spec.md §4.B: "ratcheting
// send/receive keys keyed by the handshake hash").
func (h *XXHandshake) HandshakeHash() ([]byte, error) {
	if !h.complete {
		return nil, ErrHandshakeNotComplete
	}
	return h.state.ChannelBinding(), nil
}
