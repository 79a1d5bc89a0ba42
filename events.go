package waengine

import (
	"time"

	"github.com/Kunboruto20/borutowaileys-library/jid"
)

// Connected fires once the transport is open and the post-handshake
// ClientPayload has been accepted (spec.md component I: connecting ->
// open transition).
type Connected struct {
	Me jid.JID
}

// Disconnected fires on any teardown, classified so the embedder can
// decide whether to let the client's own reconnect loop handle it or
// treat it as final (spec.md component I disconnect classification).
type Disconnected struct {
	Reason    string
	Permanent bool // true for a server-issued logout/ban, false for a transient network failure
	At        time.Time
}

// PairingQRCode carries one QR payload string (spec.md §4.E). Client does
// not emit it: nothing in this module constructs a PairingQRCode.
type PairingQRCode struct {
	Payload string
}

// PairingCodeGenerated carries a human-readable pairing code. Client does
// not emit it: nothing in this module constructs a PairingCodeGenerated.
type PairingCodeGenerated struct {
	Code string
}

// LoggedIn carries the paired account's jid. Client does not emit it:
// nothing in this module constructs a LoggedIn.
type LoggedIn struct {
	Me jid.JID
}

// MessageReceived fires for every decrypted inbound message (spec.md §4.G).
type MessageReceived struct {
	From      jid.JID
	Plaintext []byte
	StanzaID  string
}

// ReceiptReceived fires for an inbound delivery/read receipt.
type ReceiptReceived struct {
	From     jid.JID
	StanzaID string
	Type     string
}

// AuthClearRequired fires when a disconnect's reason means the current
// credentials can never recover the session (spec.md §4.I/§7's "auth"
// disconnect class, seed test #5): the application must wipe its
// credential store and re-pair from scratch.
type AuthClearRequired struct {
	Code   int
	Reason string
}
