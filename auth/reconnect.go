package auth

import (
	"github.com/Kunboruto20/borutowaileys-library/internal/waproto"
	"github.com/Kunboruto20/borutowaileys-library/signalstore"
)

// ConnectType/ConnectReason values mirror waWa6's enum, narrowed to the
// two cases the connection engine actually distinguishes (spec.md §4.E
// "post-pairing reconnect ClientPayload flow").
const (
	ConnectTypeFresh      uint32 = 1
	ConnectTypeReconnect  uint32 = 2

	ConnectReasonUserInitiated uint32 = 0
	ConnectReasonScheduled     uint32 = 1
)

// BuildClientPayload assembles the ClientPayload carried on the
// handshake's third message. A registered device (creds.Registered with
// creds.Me set) sends ConnectTypeReconnect and its server-issued Account
// blob; any other device sends ConnectTypeFresh with Passive false and no
// Account. Neither form carries public keys or a QR/pairing-code offer.
func BuildClientPayload(creds *signalstore.AuthenticationCreds, platform, device, appVersion string) *waproto.ClientPayload {
	payload := &waproto.ClientPayload{
		RegistrationID: uint32(creds.RegistrationID),
		UserAgent: &waproto.UserAgent{
			Platform: platform,
			Device:   device,
			OSVersion: appVersion,
		},
	}

	if creds.Registered && creds.Me != nil {
		payload.ConnectType = ConnectTypeReconnect
		payload.Account = creds.Account
	} else {
		payload.ConnectType = ConnectTypeFresh
		payload.Passive = false
	}
	return payload
}

// EphemeralKeyPair is a freshly generated X25519 key pair used once per
// pairing attempt (not persisted past a successful link), mirroring
// creds.pairingEphemeralKeyPair in spec.md §3.
type EphemeralKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// NewEphemeralKeyPair generates a fresh key pair from a 32-byte seed
// (typically crypto/rand output supplied by the caller so tests can be
// deterministic).
func NewEphemeralKeyPair(priv [32]byte) (EphemeralKeyPair, error) {
	pub, err := x25519Public(priv)
	if err != nil {
		return EphemeralKeyPair{}, err
	}
	return EphemeralKeyPair{Private: priv, Public: pub}, nil
}
