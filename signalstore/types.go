// Package signalstore owns the writable credentials and keyed Signal
// stores described in spec.md §3/§4.C/§6.1 (component C): identity keys,
// pre-keys, the signed pre-key, session records, sender-key records, and
// the registration id, with cache-first reads and transactional batch
// writes. It is grounded on the teacher's crypto.EncryptedKeyStore (at-rest
// protection shape) and async.PreKeyStore (at-most-once key consumption,
// batch persistence to disk).
package signalstore

import "time"

// RowType identifies which keyed store a row belongs to (spec.md §3
// "Keyed stores").
type RowType string

const (
	RowPreKey              RowType = "pre-key"
	RowSession             RowType = "session"
	RowSenderKey            RowType = "sender-key"
	RowSenderKeyMemory      RowType = "sender-key-memory"
	RowAppStateSyncKey      RowType = "app-state-sync-key"
	RowAppStateSyncVersion  RowType = "app-state-sync-version"
)

// PreKeyPair is an X25519 one-time key published for others to begin a
// session with us (GLOSSARY "Pre-key").
type PreKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// SignedPreKey is a medium-lived pre-key signed by the identity key.
type SignedPreKey struct {
	KeyID     uint32
	Public    [32]byte
	Private   [32]byte
	Signature [64]byte
}

// KeyPair is a generic X25519 key pair, used for noiseKey, the pairing
// ephemeral key, and the identity key (spec.md §3 Credentials).
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// Me identifies the paired account once login succeeds.
type Me struct {
	ID   string // jid.JID.String()
	LID  string
	Name string
}

// AuthenticationCreds is the persisted credential set spec.md §3 names.
// It is mutated only through MutateCreds, under a transaction, per
// spec.md §5 "Shared-resource policy".
type AuthenticationCreds struct {
	NoiseKey                 KeyPair
	PairingEphemeralKeyPair  KeyPair
	SignedIdentityKey        KeyPair
	SignedPreKey             SignedPreKey
	RegistrationID           uint16 // 14-bit unsigned
	AdvSecretKey             [32]byte
	Me                       *Me
	Account                  []byte
	NextPreKeyID             uint32
	FirstUnuploadedPreKeyID  uint32
	ProcessedHistoryMessages []string
	AccountSettings          map[string]string
	RoutingInfo              []byte
	Platform                 string
	Registered               bool
	LastPropHash             string
}

// Clone deep-copies creds so callers can mutate a working copy before
// committing it back via MutateCreds.
func (c *AuthenticationCreds) Clone() *AuthenticationCreds {
	if c == nil {
		return nil
	}
	out := *c
	if c.Me != nil {
		meCopy := *c.Me
		out.Me = &meCopy
	}
	out.ProcessedHistoryMessages = append([]string(nil), c.ProcessedHistoryMessages...)
	out.AccountSettings = make(map[string]string, len(c.AccountSettings))
	for k, v := range c.AccountSettings {
		out.AccountSettings[k] = v
	}
	out.Account = append([]byte(nil), c.Account...)
	out.RoutingInfo = append([]byte(nil), c.RoutingInfo...)
	return &out
}

// InitAuthCreds generates a fresh credential set for a brand-new client
// install (spec.md §3: "created once and mutated over time"). Registration
// id is immutable after this call per the §3 invariant.
func InitAuthCreds(randRegistrationID uint16, noiseKey, pairingEphemeral, identityKey KeyPair, signedPreKey SignedPreKey, advSecret [32]byte) *AuthenticationCreds {
	return &AuthenticationCreds{
		NoiseKey:                noiseKey,
		PairingEphemeralKeyPair: pairingEphemeral,
		SignedIdentityKey:       identityKey,
		SignedPreKey:            signedPreKey,
		RegistrationID:          randRegistrationID & 0x3FFF, // 14-bit
		AdvSecretKey:            advSecret,
		NextPreKeyID:            1,
		FirstUnuploadedPreKeyID: 1,
		AccountSettings:         make(map[string]string),
	}
}

// CallSnapshot holds call-offer bookkeeping (spec.md §3 "Call offer
// cache"): later accept/reject/timeout events inherit isVideo/isGroup from
// whichever offer they reference.
type CallSnapshot struct {
	CallID    string
	From      string
	IsVideo   bool
	IsGroup   bool
	Timestamp time.Time
}

// SignalKeyStore is the application-provided persistence interface
// (spec.md §6.1). Values are opaque bytes for session/sender-key rows and
// typed Go values for everything else; the boundary is simply "get/set a
// map of (type,id)->value", batched and atomic.
type SignalKeyStore interface {
	// Get reads multiple ids of one type in one round-trip. Missing ids are
	// simply absent from the returned map (no error).
	Get(rowType RowType, ids []string) (map[string]any, error)
	// Set batches mutations across possibly many types/ids into one
	// atomic commit. A nil value for an id deletes that row.
	Set(data map[RowType]map[string]any) error
	// Clear flushes any cache and delegates to the store-specific wipe.
	Clear() error
}
