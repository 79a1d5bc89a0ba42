// Package jid implements the Jabber-style identifiers used throughout the
// WhatsApp multi-device wire protocol: user[_agent][:device]@server.
//
// Equality between two JIDs for routing purposes ignores the device part
// ("same user"); lid addresses are an alias of a user identity, compared
// literally here and unified with a regular jid only through a LIDMapper.
package jid

import (
	"fmt"
	"strconv"
	"strings"
)

// Server constants recognized on the wire.
const (
	ServerDefault   = "s.whatsapp.net"
	ServerGroup     = "g.us"
	ServerBroadcast = "broadcast"
	ServerLID       = "lid"
)

// JID is a parsed user[_agent][:device]@server identifier.
type JID struct {
	User   string
	Agent  uint8
	Device uint16
	Server string
}

// String renders the JID back to its wire form.
func (j JID) String() string {
	var b strings.Builder
	b.WriteString(j.User)
	if j.Agent != 0 {
		b.WriteByte('_')
		b.WriteString(strconv.Itoa(int(j.Agent)))
	}
	if j.Device != 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(int(j.Device)))
	}
	b.WriteByte('@')
	b.WriteString(j.Server)
	return b.String()
}

// IsEmpty reports whether j is the zero value.
func (j JID) IsEmpty() bool {
	return j.User == "" && j.Server == ""
}

// IsGroup reports whether j addresses a group chat.
func (j JID) IsGroup() bool {
	return j.Server == ServerGroup
}

// IsLID reports whether j is an anonymous lid-style alias.
func (j JID) IsLID() bool {
	return j.Server == ServerLID
}

// SignalAddress returns the "user.device" form used to key Signal session
// rows (§3 Keyed stores).
func (j JID) SignalAddress() string {
	device := j.Device
	return fmt.Sprintf("%s.%d", j.User, device)
}

// ToNonAD returns a copy of j with the device part stripped, matching the
// "same user" comparison semantics (§3 JID: "Equality is same user — ignores
// device").
func (j JID) ToNonAD() JID {
	j.Device = 0
	return j
}

// SameUser reports whether a and b refer to the same user, ignoring device.
// lid and non-lid representations of the same person are NOT automatically
// equal here: callers that need lid/jid unification must route through a
// LIDMapper (see LIDMapper.SameIdentity) — spec.md §9 leaves the preference of
// representation in outbound attrs to the application, so this package only
// implements literal (server, user) equality.
func SameUser(a, b JID) bool {
	return a.User == b.User && a.Server == b.Server
}

// Parse decodes a wire-form JID string ("user[_agent][:device]@server").
func Parse(s string) (JID, error) {
	if s == "" {
		return JID{}, fmt.Errorf("jid: empty string")
	}
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return JID{}, fmt.Errorf("jid: missing '@' in %q", s)
	}
	userPart, server := s[:at], s[at+1:]
	if server == "" {
		return JID{}, fmt.Errorf("jid: missing server in %q", s)
	}

	j := JID{Server: server}

	if colon := strings.IndexByte(userPart, ':'); colon >= 0 {
		devStr := userPart[colon+1:]
		userPart = userPart[:colon]
		dev, err := strconv.ParseUint(devStr, 10, 16)
		if err != nil {
			return JID{}, fmt.Errorf("jid: invalid device in %q: %w", s, err)
		}
		j.Device = uint16(dev)
	}

	if underscore := strings.IndexByte(userPart, '_'); underscore >= 0 {
		agentStr := userPart[underscore+1:]
		userPart = userPart[:underscore]
		agent, err := strconv.ParseUint(agentStr, 10, 8)
		if err != nil {
			return JID{}, fmt.Errorf("jid: invalid agent in %q: %w", s, err)
		}
		j.Agent = uint8(agent)
	}

	if userPart == "" {
		return JID{}, fmt.Errorf("jid: empty user in %q", s)
	}
	j.User = userPart

	return j, nil
}

// NewUserJID builds a regular device-qualified user jid on the default server.
func NewUserJID(user string, device uint16) JID {
	return JID{User: user, Device: device, Server: ServerDefault}
}

// NewGroupJID builds a group jid from its numeric group id.
func NewGroupJID(groupID string) JID {
	return JID{User: groupID, Server: ServerGroup}
}

// IsNumeric reports whether the user part consists only of digits, '+'
// and '-' (candidate for nibble-packed encoding by the binary node codec —
// §4.A).
func (j JID) IsNumeric() bool {
	if j.User == "" {
		return false
	}
	for _, r := range j.User {
		if r < '0' || r > '9' {
			if r == '+' || r == '-' {
				continue
			}
			return false
		}
	}
	return true
}
