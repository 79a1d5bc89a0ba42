package signalstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKeyStoreSetGetClear(t *testing.T) {
	s := NewMemoryKeyStore()
	require.NoError(t, s.Set(map[RowType]map[string]any{
		RowSession: {"a": []byte("one"), "b": []byte("two")},
	}))

	got, err := s.Get(RowSession, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got["a"])
	assert.Equal(t, []byte("two"), got["b"])
	_, ok := got["missing"]
	assert.False(t, ok)

	require.NoError(t, s.Set(map[RowType]map[string]any{RowSession: {"a": nil}}))
	got, err = s.Get(RowSession, []string{"a"})
	require.NoError(t, err)
	_, ok = got["a"]
	assert.False(t, ok, "nil value should delete the row")

	require.NoError(t, s.Clear())
	got, err = s.Get(RowSession, []string{"b"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPreKeyAllocatorReservesDistinctIDsOnce(t *testing.T) {
	creds := InitAuthCreds(1, KeyPair{}, KeyPair{}, KeyPair{}, SignedPreKey{}, [32]byte{})
	alloc := NewPreKeyAllocator(creds)

	first := alloc.Reserve(3)
	second := alloc.Reserve(2)
	assert.Equal(t, []uint32{1, 2, 3}, first)
	assert.Equal(t, []uint32{4, 5}, second)
	assert.EqualValues(t, 6, creds.NextPreKeyID)

	require.NoError(t, alloc.MarkUploaded(3))
	assert.EqualValues(t, 4, creds.FirstUnuploadedPreKeyID)
	assert.Error(t, alloc.MarkUploaded(1), "cannot move the watermark backwards")
}

func TestCachedStoreServesFromCacheOnSecondGet(t *testing.T) {
	backing := NewMemoryKeyStore()
	require.NoError(t, backing.Set(map[RowType]map[string]any{RowPreKey: {"1": "v1"}}))
	cached := NewCachedStore(backing, nil)
	defer cached.Close()

	got, err := cached.Get(RowPreKey, []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, "v1", got["1"])

	// Mutate the backing store directly; the cached value should still win
	// until the cache entry expires or is explicitly invalidated.
	require.NoError(t, backing.Set(map[RowType]map[string]any{RowPreKey: {"1": "v2-bypassing-cache"}}))
	got, err = cached.Get(RowPreKey, []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, "v1", got["1"])

	require.NoError(t, cached.Set(map[RowType]map[string]any{RowPreKey: {"1": "v3"}}))
	got, err = cached.Get(RowPreKey, []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, "v3", got["1"])
}

func TestTransactorBuffersUntilOutermostCommit(t *testing.T) {
	backing := NewMemoryKeyStore()
	tx := NewTransactor(backing, nil)

	err := tx.Run(func(outer Transaction) error {
		outer.Set(RowSession, "s1", []byte("outer-write"))

		return outer.Run(func(inner Transaction) error {
			got, err := inner.Get(RowSession, []string{"s1"})
			require.NoError(t, err)
			assert.Equal(t, []byte("outer-write"), got["s1"], "nested tx sees outer's uncommitted write")

			// backing store must not see it yet.
			raw, _ := backing.Get(RowSession, []string{"s1"})
			assert.Empty(t, raw, "commit has not happened yet")

			inner.Set(RowSession, "s2", []byte("inner-write"))
			return nil
		})
	})
	require.NoError(t, err)

	got, err := backing.Get(RowSession, []string{"s1", "s2"})
	require.NoError(t, err)
	assert.Equal(t, []byte("outer-write"), got["s1"])
	assert.Equal(t, []byte("inner-write"), got["s2"])
}

func TestTransactorRollsBackOnError(t *testing.T) {
	backing := NewMemoryKeyStore()
	tx := NewTransactor(backing, nil)

	sentinel := assert.AnError
	err := tx.Run(func(txn Transaction) error {
		txn.Set(RowSession, "s1", []byte("should-not-persist"))
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	got, _ := backing.Get(RowSession, []string{"s1"})
	assert.Empty(t, got)
}

// TestTransactorSerializesConcurrentRuns guards against the two
// unrelated top-level transactions sharing Transactor.depth/buffer: each
// goroutine's writes must land as its own atomic commit, never merged
// with another goroutine's in-flight transaction.
func TestTransactorSerializesConcurrentRuns(t *testing.T) {
	backing := NewMemoryKeyStore()
	tx := NewTransactor(backing, nil)

	const goroutines = 20
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			err := tx.Run(func(txn Transaction) error {
				key := fmt.Sprintf("s%d", i)
				txn.Set(RowSession, key, []byte(key))
				got, err := txn.Get(RowSession, []string{key})
				require.NoError(t, err)
				assert.Equal(t, []byte(key), got[key], "own uncommitted write must be visible within its own transaction")
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i := 0; i < goroutines; i++ {
		key := fmt.Sprintf("s%d", i)
		got, err := backing.Get(RowSession, []string{key})
		require.NoError(t, err)
		assert.Equal(t, []byte(key), got[key], "every goroutine's write must have committed")
	}
}

func TestMutateCredsClonesBeforeEditing(t *testing.T) {
	creds := InitAuthCreds(1, KeyPair{}, KeyPair{}, KeyPair{}, SignedPreKey{}, [32]byte{})
	backing := NewMemoryKeyStore()
	tx := NewTransactor(backing, nil)

	updated, err := MutateCreds(tx, creds, func(c *AuthenticationCreds) {
		c.Registered = true
		c.Platform = "android"
	})
	require.NoError(t, err)
	assert.True(t, updated.Registered)
	assert.False(t, creds.Registered, "original creds must be untouched")
	assert.Equal(t, "android", updated.Platform)
}

func TestFileStoreRoundTripsThroughEncryption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.store")
	pass := []byte("correct horse battery staple")

	fs1, err := NewFileStore(path, pass)
	require.NoError(t, err)
	require.NoError(t, fs1.Set(map[RowType]map[string]any{RowSession: {"dev1": []byte("secret-session")}}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-session", "plaintext must not appear on disk")

	fs2, err := NewFileStore(path, pass)
	require.NoError(t, err)
	got, err := fs2.Get(RowSession, []string{"dev1"})
	require.NoError(t, err)
	assert.Equal(t, []byte("secret-session"), got["dev1"])

	_, err = NewFileStore(path, []byte("wrong passphrase"))
	assert.Error(t, err)
}
