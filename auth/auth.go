// Package auth drives the two device-linking flows spec.md §4.E
// (component E) describes — scan-a-QR and enter-a-pairing-code — plus
// the lightweight ClientPayload flow a reconnecting, already-paired
// device sends instead. It is grounded on the teacher's friend-request
// exchange (crypto/key_rotation.go's advSecretKey-equivalent derivation,
// friend/request.go's offer/accept shape), generalized from Tox's
// symmetric friend-request handshake to WhatsApp's asymmetric
// QR/pairing-code device-linking ceremony.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"crypto/sha256"

	"github.com/Kunboruto20/borutowaileys-library/signalstore"
)

// pairingCodePBKDF2Iterations is 2^17, the iteration count spec.md §4.E
// calls for deriving the pairing-code encryption key.
const pairingCodePBKDF2Iterations = 1 << 17

// QRPayload is one of the rotating strings the device display renders as
// a QR code, built fresh every RefRotateInterval while unpaired (spec.md
// §4.E "QR pairing flow").
type QRPayload struct {
	Ref         string
	NoisePublic [32]byte
	IdentityPub [32]byte
	AdvSecret   [32]byte
}

// String renders the payload the way the official app encodes it into
// the QR code: ref,noiseKeyB64,identityKeyB64,advSecretB64.
func (p QRPayload) String() string {
	enc := base64.StdEncoding.EncodeToString
	return strings.Join([]string{
		p.Ref,
		enc(p.NoisePublic[:]),
		enc(p.IdentityPub[:]),
		enc(p.AdvSecret[:]),
	}, ",")
}

// NewQRPayload builds the payload for the current ref using the
// credentials already generated for this install.
func NewQRPayload(ref string, creds *signalstore.AuthenticationCreds) QRPayload {
	return QRPayload{
		Ref:         ref,
		NoisePublic: creds.NoiseKey.Public,
		IdentityPub: creds.SignedIdentityKey.Public,
		AdvSecret:   creds.AdvSecretKey,
	}
}

// PairingCode is the 8-character, dash-grouped code a user types into
// their phone to link without scanning (spec.md §4.E "pairing-code
// flow").
type PairingCode struct {
	Code string // "XXXX-XXXX"
	key  [32]byte
}

// pairingCodeAlphabet excludes visually ambiguous characters (0/O, 1/I/l).
const pairingCodeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// GeneratePairingCode produces a fresh random code and the key derived
// from it via PBKDF2, used to encrypt the payload the phone decrypts to
// learn our identity key (spec.md §4.E "PBKDF2 2^17 iterations").
func GeneratePairingCode(salt []byte) (PairingCode, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return PairingCode{}, fmt.Errorf("auth: generating pairing code: %w", err)
	}
	var b strings.Builder
	for i, v := range raw {
		b.WriteByte(pairingCodeAlphabet[int(v)%len(pairingCodeAlphabet)])
		if i == 3 {
			b.WriteByte('-')
		}
	}
	code := b.String()

	key := pbkdf2.Key([]byte(code), salt, pairingCodePBKDF2Iterations, 32, sha256.New)
	var out [32]byte
	copy(out[:], key)
	return PairingCode{Code: code, key: out}, nil
}

// EncryptCompanionEphemeral seals our ephemeral public key under the
// pairing-code-derived key, the payload the phone decrypts and signs
// back (spec.md §4.E). It's a single HKDF-expanded stream XOR, matching
// the teacher's lightweight symmetric obfuscation for offline friend
// requests rather than a full AEAD, since the phone-side channel is
// itself already authenticated by the user having typed the code.
func (p PairingCode) EncryptCompanionEphemeral(ephemeralPub [32]byte) ([32]byte, error) {
	stream, err := hkdfStream(p.key, "pairing-code-companion-ephemeral", 32)
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	for i := range out {
		out[i] = ephemeralPub[i] ^ stream[i]
	}
	return out, nil
}

func hkdfStream(key [32]byte, info string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, key[:], nil, []byte(info))
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("auth: hkdf expand: %w", err)
	}
	return buf, nil
}

// DeriveAdvSecret derives the advSecretKey HKDF-expands once at
// credential-creation time and never again (spec.md §3: "generated
// client-side, stable for the lifetime of the installation").
func DeriveAdvSecret(seed [32]byte) ([32]byte, error) {
	stream, err := hkdfStream(seed, "WA-ADV-SECRET", 32)
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], stream)
	return out, nil
}

// ComputeSharedAdvSign computes the HMAC-like binding between our
// identity key and the phone-issued device identity ("account") blob,
// authenticating that the paired account really issued it (spec.md §4.E
// post-pairing "Account" field).
func ComputeSharedAdvSign(advSecret [32]byte, accountDetails []byte) [32]byte {
	r := hkdf.New(sha256.New, advSecret[:], nil, accountDetails)
	var out [32]byte
	_, _ = r.Read(out[:])
	return out
}

// x25519Public derives the public half of a private key, used by callers
// generating a fresh per-pairing ephemeral key pair.
func x25519Public(priv [32]byte) ([32]byte, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return [32]byte{}, fmt.Errorf("auth: deriving public key: %w", err)
	}
	var out [32]byte
	copy(out[:], pub)
	return out, nil
}
