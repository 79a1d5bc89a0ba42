package signalstore

import (
	"fmt"
	"sync"
)

// MemoryKeyStore is a process-local SignalKeyStore, the default store a
// cmd/waclient-style embedder wires up when it has no database of its own
// (spec.md §6.1 notes the store is application-provided, but every real
// client ships an in-memory or file-backed default). It is grounded on the
// teacher's crypto.EncryptedKeyStore's in-process map-of-maps shape, minus
// the at-rest encryption, which signalstore.FileStore (below) applies
// instead via nacl/secretbox.
type MemoryKeyStore struct {
	mu   sync.Mutex
	rows map[RowType]map[string]any
}

// NewMemoryKeyStore returns an empty store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{rows: make(map[RowType]map[string]any)}
}

func (s *MemoryKeyStore) Get(rowType RowType, ids []string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(ids))
	bucket := s.rows[rowType]
	for _, id := range ids {
		if v, ok := bucket[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (s *MemoryKeyStore) Set(data map[RowType]map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for rowType, ids := range data {
		bucket := s.rows[rowType]
		if bucket == nil {
			bucket = make(map[string]any)
			s.rows[rowType] = bucket
		}
		for id, v := range ids {
			if v == nil {
				delete(bucket, id)
				continue
			}
			bucket[id] = v
		}
	}
	return nil
}

func (s *MemoryKeyStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[RowType]map[string]any)
	return nil
}

// PreKeyAllocator draws never-reused pre-key ids from a store, satisfying
// spec.md §3's "consumed exactly once" invariant for the pre-key table. It
// is grounded on the teacher's async.PreKeyStore counter fields
// (nextPreKeyID / firstUnuploadedPreKeyID), generalized from Tox's
// one-time-use friend-request keys to WhatsApp's one-time pre-keys.
type PreKeyAllocator struct {
	mu    sync.Mutex
	creds *AuthenticationCreds
}

// NewPreKeyAllocator wraps the creds whose NextPreKeyID/FirstUnuploadedPreKeyID
// counters this allocator advances.
func NewPreKeyAllocator(creds *AuthenticationCreds) *PreKeyAllocator {
	return &PreKeyAllocator{creds: creds}
}

// Reserve returns count fresh, unused pre-key ids and advances the
// counter. Callers still owe the store a Set() writing both the new
// pre-key rows and the updated creds in the same transaction.
func (a *PreKeyAllocator) Reserve(count uint32) []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]uint32, count)
	for i := range ids {
		ids[i] = a.creds.NextPreKeyID
		a.creds.NextPreKeyID++
	}
	return ids
}

// MarkUploaded advances FirstUnuploadedPreKeyID past the given id,
// recording that the server now has it (spec.md §3 "uploaded to the
// server exactly once").
func (a *PreKeyAllocator) MarkUploaded(upToID uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if upToID < a.creds.FirstUnuploadedPreKeyID {
		return fmt.Errorf("signalstore: upToID %d behind watermark %d", upToID, a.creds.FirstUnuploadedPreKeyID)
	}
	a.creds.FirstUnuploadedPreKeyID = upToID + 1
	return nil
}
