package binarynode

import "github.com/Kunboruto20/borutowaileys-library/jid"

// FromJID converts a jid.JID into the codec's dedicated JID content variant.
func FromJID(j jid.JID) JIDContent {
	return JIDContent{User: j.User, Agent: j.Agent, Device: j.Device, Server: j.Server}
}

// ToJID converts a decoded JID content variant back into a jid.JID.
func (c JIDContent) ToJID() jid.JID {
	return jid.JID{User: c.User, Agent: c.Agent, Device: c.Device, Server: c.Server}
}
