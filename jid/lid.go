package jid

import "sync"

// LIDMapper resolves the 1:1 correspondence between a lid alias and the jid
// of the underlying Signal identity (GLOSSARY: "LID"). spec.md §9 leaves the
// policy of which representation an application should prefer in outbound
// attrs open; this type only supplies the lookup both directions need,
// letting callers decide.
type LIDMapper struct {
	mu       sync.RWMutex
	lidToJID map[string]JID
	jidToLID map[string]JID
}

// NewLIDMapper creates an empty mapper.
func NewLIDMapper() *LIDMapper {
	return &LIDMapper{
		lidToJID: make(map[string]JID),
		jidToLID: make(map[string]JID),
	}
}

// Put records that lid and real refer to the same Signal identity.
func (m *LIDMapper) Put(lid, real JID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lidToJID[lid.ToNonAD().String()] = real
	m.jidToLID[real.ToNonAD().String()] = lid
}

// ResolveLID returns the real jid behind a lid alias, if known.
func (m *LIDMapper) ResolveLID(lid JID) (JID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.lidToJID[lid.ToNonAD().String()]
	return j, ok
}

// ResolveJID returns the lid alias for a real jid, if known.
func (m *LIDMapper) ResolveJID(real JID) (JID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jidToLID[real.ToNonAD().String()]
	return j, ok
}

// SameIdentity reports whether a and b address the same Signal identity,
// unifying lid and jid representations via the mapper before falling back
// to literal SameUser comparison.
func (m *LIDMapper) SameIdentity(a, b JID) bool {
	if SameUser(a, b) {
		return true
	}
	if a.IsLID() && !b.IsLID() {
		if real, ok := m.ResolveLID(a); ok {
			return SameUser(real, b)
		}
	}
	if b.IsLID() && !a.IsLID() {
		if real, ok := m.ResolveLID(b); ok {
			return SameUser(a, real)
		}
	}
	return false
}
