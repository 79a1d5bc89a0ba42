// Package signalcipher implements the per-device Signal session cipher
// and the group sender-key cipher spec.md §4.D (component D) describes:
// establishing a session from a pre-key bundle, then encrypting/decrypting
// the pkmsg/msg envelopes exchanged afterwards, plus the symmetric
// sender-key cipher used for group fan-out. It is grounded on the
// teacher's crypto/shared_secret.go (X25519 ECDH + HKDF expansion) and
// crypto/session_keys.go (per-message key derivation via a ratcheting
// chain key), generalized from Tox's one-shot NaCl box exchange to
// Signal's X3DH-style agreement and symmetric-ratchet chain.
package signalcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrUntrustedIdentity is returned by the trust hook (see Trust) when it
// rejects a peer's identity key.
var ErrUntrustedIdentity = errors.New("signalcipher: untrusted identity key")

// ErrNoSession is returned by Encrypt/Decrypt when no session has been
// established yet for this cipher. The receiver pipeline treats this as
// a "missing keys" persistent failure (spec.md §4.G point 4): it nacks
// with parsing_error immediately rather than asking the peer to retry,
// since retrying cannot help without a pre-key-bundle exchange first.
var ErrNoSession = errors.New("signalcipher: no session")

// PreKeyBundle is what the server hands back for a device with no
// existing session (spec.md §4.D "processPreKeyBundle"): the peer's
// identity key, one of their one-time pre-keys (optional, consumed by the
// server on fetch), and their signed pre-key plus its signature.
type PreKeyBundle struct {
	RegistrationID      uint32
	IdentityKey         [32]byte
	SignedPreKeyID      uint32
	SignedPreKeyPublic  [32]byte
	SignedPreKeySig     [64]byte
	OneTimePreKeyID     uint32
	OneTimePreKeyPublic [32]byte
	HasOneTimePreKey    bool
}

// LocalIdentity is the caller's own long-lived key material needed to
// originate or accept a session.
type LocalIdentity struct {
	IdentityPriv [32]byte
	IdentityPub  [32]byte
}

// SessionState is the persisted, opaque-to-the-caller state a
// SignalKeyStore row holds for one (user, device) pair. It carries a
// root key and a send/receive chain key each, following a symmetric-
// ratchet-only simplification of the Double Ratchet: each message
// advances its chain via HMAC-SHA256, without a further DH step per
// message (spec.md §1 scopes media/calling out; the connection-level
// session cipher here only needs forward-secret text frames, not the
// full asynchronous multi-party ratchet).
type SessionState struct {
	RootKey       [32]byte
	SendChainKey  [32]byte
	RecvChainKey  [32]byte
	SendCounter   uint32
	RecvCounter   uint32
	PeerIdentity  [32]byte
	Initiated     bool
}

// TrustFunc decides whether a peer's identity key is acceptable for a
// given address. Embedders wanting TOFU, a pinned set, or a safety-number
// prompt install their own; PermissiveTrust (below) always accepts,
// matching spec.md's "no certificate/trust verification ... permissive"
// default.
type TrustFunc func(address string, identityKey [32]byte) error

// PermissiveTrust accepts any identity key unconditionally.
func PermissiveTrust(string, [32]byte) error { return nil }

// SessionCipher encrypts and decrypts the envelope bodies of `enc` nodes
// for one peer device, holding its SessionState under a mutex so the
// receiver and sender packages can share one cipher per address safely.
type SessionCipher struct {
	mu    sync.Mutex
	local LocalIdentity
	trust TrustFunc
	state *SessionState
}

// NewSessionCipher wraps an existing (possibly nil) session state. A nil
// trust defaults to PermissiveTrust.
func NewSessionCipher(local LocalIdentity, state *SessionState, trust TrustFunc) *SessionCipher {
	if trust == nil {
		trust = PermissiveTrust
	}
	return &SessionCipher{local: local, trust: trust, state: state}
}

// State returns the current session state for persistence. Callers must
// write it back to the SignalKeyStore after any Encrypt/Decrypt/
// ProcessPreKeyBundle call that returns no error.
func (c *SessionCipher) State() *SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HasSession reports whether a session has been established.
func (c *SessionCipher) HasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != nil
}

// ProcessPreKeyBundle runs the initiator side of X3DH against a freshly
// fetched bundle and installs the resulting session (spec.md §4.D).
// ephemeralPriv is a one-time key generated by the caller for this
// session only; its public half is returned so the caller can embed it
// in the pkmsg envelope sent to the peer.
func (c *SessionCipher) ProcessPreKeyBundle(address string, bundle PreKeyBundle, ephemeralPriv [32]byte) ([32]byte, error) {
	if err := c.trust(address, bundle.IdentityKey); err != nil {
		return [32]byte{}, fmt.Errorf("signalcipher: %s: %w", address, err)
	}

	ephemeralPub, err := x25519(ephemeralPriv)
	if err != nil {
		return [32]byte{}, err
	}

	// X3DH: DH1 = IK_local x SPK_remote, DH2 = EK_local x IK_remote,
	// DH3 = EK_local x SPK_remote, DH4 (optional) = EK_local x OPK_remote.
	dh1, err := dh(c.local.IdentityPriv, bundle.SignedPreKeyPublic)
	if err != nil {
		return [32]byte{}, err
	}
	dh2, err := dh(ephemeralPriv, bundle.IdentityKey)
	if err != nil {
		return [32]byte{}, err
	}
	dh3, err := dh(ephemeralPriv, bundle.SignedPreKeyPublic)
	if err != nil {
		return [32]byte{}, err
	}

	secretMaterial := append(append(append([]byte{}, dh1[:]...), dh2[:]...), dh3[:]...)
	if bundle.HasOneTimePreKey {
		dh4, err := dh(ephemeralPriv, bundle.OneTimePreKeyPublic)
		if err != nil {
			return [32]byte{}, err
		}
		secretMaterial = append(secretMaterial, dh4[:]...)
	}

	rootKey, sendKey, recvKey := deriveSessionKeys(secretMaterial, c.local.IdentityPub[:], bundle.IdentityKey[:])

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = &SessionState{
		RootKey:      rootKey,
		SendChainKey: sendKey,
		RecvChainKey: recvKey,
		PeerIdentity: bundle.IdentityKey,
		Initiated:    true,
	}
	return ephemeralPub, nil
}

// AcceptPreKeyMessage installs a session from the responder's side, given
// the initiator's identity key, the ephemeral public key carried on the
// pkmsg, and which of our own pre-keys they used. It mirrors
// ProcessPreKeyBundle with the DH roles swapped.
func (c *SessionCipher) AcceptPreKeyMessage(peerIdentity, peerEphemeral [32]byte, ourSignedPreKeyPriv [32]byte, ourOneTimePreKeyPriv *[32]byte) error {
	dh1, err := dh(ourSignedPreKeyPriv, peerIdentity)
	if err != nil {
		return err
	}
	dh2, err := dh(c.local.IdentityPriv, peerEphemeral)
	if err != nil {
		return err
	}
	dh3, err := dh(ourSignedPreKeyPriv, peerEphemeral)
	if err != nil {
		return err
	}
	secretMaterial := append(append(append([]byte{}, dh1[:]...), dh2[:]...), dh3[:]...)
	if ourOneTimePreKeyPriv != nil {
		dh4, err := dh(*ourOneTimePreKeyPriv, peerEphemeral)
		if err != nil {
			return err
		}
		secretMaterial = append(secretMaterial, dh4[:]...)
	}

	// Roles swapped relative to ProcessPreKeyBundle: the responder's send
	// chain is the initiator's recv chain and vice versa.
	rootKey, recvKey, sendKey := deriveSessionKeys(secretMaterial, peerIdentity[:], c.local.IdentityPub[:])

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = &SessionState{
		RootKey:      rootKey,
		SendChainKey: sendKey,
		RecvChainKey: recvKey,
		PeerIdentity: peerIdentity,
		Initiated:    false,
	}
	return nil
}

// Encrypt advances the send chain and AEAD-seals plaintext under the
// resulting message key (spec.md §4.D/§4.H).
func (c *SessionCipher) Encrypt(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return nil, ErrNoSession
	}
	msgKey, nextChain := ratchetChainKey(c.state.SendChainKey)
	c.state.SendChainKey = nextChain
	c.state.SendCounter++

	return sealWithCounter(msgKey, c.state.SendCounter, plaintext)
}

// Decrypt advances the receive chain and opens ciphertext. Out-of-order
// delivery within a single step is not handled here — spec.md §1 scopes
// the message-key skip/gap cache (needed for that) out as a media/group
// history concern beyond the connection engine's remit.
func (c *SessionCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return nil, ErrNoSession
	}
	msgKey, nextChain := ratchetChainKey(c.state.RecvChainKey)
	counter := c.state.RecvCounter + 1

	plaintext, err := openWithCounter(msgKey, counter, ciphertext)
	if err != nil {
		return nil, err
	}
	c.state.RecvChainKey = nextChain
	c.state.RecvCounter = counter
	return plaintext, nil
}

// --- shared key-derivation and AEAD primitives ---

func x25519(priv [32]byte) ([32]byte, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return [32]byte{}, fmt.Errorf("signalcipher: deriving public key: %w", err)
	}
	var out [32]byte
	copy(out[:], pub)
	return out, nil
}

func dh(priv, pub [32]byte) ([32]byte, error) {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("signalcipher: ECDH failed: %w", err)
	}
	var out [32]byte
	copy(out[:], shared)
	return out, nil
}

// deriveSessionKeys expands the concatenated DH outputs into a root key
// and two directional chain keys via HKDF-SHA256, info-separated by
// initiator/responder identity order so both sides derive matching
// values (spec.md §4.D).
func deriveSessionKeys(secretMaterial, initiatorIdentity, responderIdentity []byte) (root, chainA, chainB [32]byte) {
	salt := make([]byte, 32) // zero salt, per X3DH's defined derivation
	info := append(append([]byte("waengine-x3dh|"), initiatorIdentity...), responderIdentity...)
	r := hkdf.New(sha256.New, secretMaterial, salt, info)

	var buf [96]byte
	_, _ = io.ReadFull(r, buf[:])
	copy(root[:], buf[0:32])
	copy(chainA[:], buf[32:64])
	copy(chainB[:], buf[64:96])
	return
}

// ratchetChainKey derives the next message key and chain key from the
// current chain key via two HMAC-SHA256 calls with fixed labels, the
// standard Signal chain-key KDF step.
func ratchetChainKey(chainKey [32]byte) (messageKey, nextChainKey [32]byte) {
	mk := hmac.New(sha256.New, chainKey[:])
	mk.Write([]byte{0x01})
	copy(messageKey[:], mk.Sum(nil))

	ck := hmac.New(sha256.New, chainKey[:])
	ck.Write([]byte{0x02})
	copy(nextChainKey[:], ck.Sum(nil))
	return
}

func sealWithCounter(key [32]byte, counter uint32, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := counterNonce(counter, gcm.NonceSize())
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return sealed, nil
}

func openWithCounter(key [32]byte, counter uint32, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := counterNonce(counter, gcm.NonceSize())
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("signalcipher: decryption failed: %w", err)
	}
	return plaintext, nil
}

// counterNonce deterministically derives a nonce from the message
// counter, safe because each (key, counter) pair is used at most once —
// a fresh message key is ratcheted for every message.
func counterNonce(counter uint32, size int) []byte {
	nonce := make([]byte, size)
	nonce[size-4] = byte(counter >> 24)
	nonce[size-3] = byte(counter >> 16)
	nonce[size-2] = byte(counter >> 8)
	nonce[size-1] = byte(counter)
	return nonce
}
