package binarynode

// singleByteTokens is the dictionary mapping common protocol strings to a
// single token byte on the wire (§4.A point 2/3: "a token id (single
// byte) or an inline UTF-8 length-prefixed string"). Index 0 is reserved
// (LIST_EMPTY marker namespace) so real tokens start at 1.
//
// This is a representative subset of the real dictionary: large enough to
// compress the hot stanza vocabulary (iq, message, receipt, ack, …) while
// staying reviewable. Readers MUST tolerate token ids above the table's
// length (decoded as "unknown-token", §4.A/§8) rather than panic.
var singleByteTokens = []string{
	"", // 0 unused
	"iq", "message", "receipt", "notification", "call", "ack", "presence",
	"stream:error", "stream:features", "success", "failure",
	"type", "id", "to", "from", "class", "xmlns", "t", "participant",
	"count", "reason", "code", "jid", "offline", "status",
	"get", "set", "result", "error",
	"text", "conversation", "enc", "pkmsg", "msg", "skmsg",
	"key", "device", "platform", "verified_name",
	"w:p", "urn:xmpp:ping", "usync", "query", "list", "item",
	"read", "read-self", "played", "retry", "sender", "inactive",
	"peer_msg", "hist_sync", "v", "name", "media", "mimetype",
	"group", "add", "remove", "promote", "demote", "subject",
	"s.whatsapp.net", "g.us", "broadcast", "lid",
}

var tokenIndex = func() map[string]byte {
	m := make(map[string]byte, len(singleByteTokens))
	for i, s := range singleByteTokens {
		if i == 0 {
			continue
		}
		m[s] = byte(i)
	}
	return m
}()

// lookupToken returns the single-byte token for s, if the dictionary knows it.
func lookupToken(s string) (byte, bool) {
	b, ok := tokenIndex[s]
	return b, ok
}

// tokenString returns the dictionary string for a token byte. ok is false
// for unknown tokens — callers must surface this as the single
// "unknown-token" decode error rather than guessing (spec.md §8).
func tokenString(b byte) (string, bool) {
	if int(b) == 0 || int(b) >= len(singleByteTokens) {
		return "", false
	}
	return singleByteTokens[b], true
}
