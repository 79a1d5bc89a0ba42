package signalstore

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"
)

// fileStorePBKDF2Iterations and saltSize follow the teacher's
// EncryptedKeyStore at-rest scheme; the AEAD itself is swapped from
// AES-GCM to nacl/secretbox (still XSalsa20-Poly1305, an x/crypto
// primitive distinct from the curve25519/hkdf surface already used by
// the handshake) so the credential-at-rest path and the handshake path
// exercise different corners of the same dependency.
const (
	fileStorePBKDF2Iterations = 200_000
	saltSize                  = 16
)

// FileStore persists a SignalKeyStore's rows to a single encrypted file on
// disk, atomically (write to a temp file, then rename), grounded on the
// teacher's SaveData/LoadSaveData + atomic-write helper.
type FileStore struct {
	mu   sync.Mutex
	path string
	key  [32]byte
	salt []byte
	rows map[RowType]map[string]any
}

// NewFileStore derives an encryption key from passphrase via PBKDF2 and
// either loads path if it exists or starts empty.
func NewFileStore(path string, passphrase []byte) (*FileStore, error) {
	fs := &FileStore{path: path, rows: make(map[RowType]map[string]any)}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		salt := make([]byte, saltSize)
		if _, rerr := rand.Read(salt); rerr != nil {
			return nil, fmt.Errorf("signalstore: generating salt: %w", rerr)
		}
		fs.deriveKey(passphrase, salt)
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("signalstore: reading %s: %w", path, err)
	}
	if len(raw) < saltSize+24 {
		return nil, fmt.Errorf("signalstore: %s too short to be a valid store", path)
	}
	salt := raw[:saltSize]
	fs.deriveKey(passphrase, salt)

	var nonce [24]byte
	copy(nonce[:], raw[saltSize:saltSize+24])
	ciphertext := raw[saltSize+24:]

	plain, ok := secretbox.Open(nil, ciphertext, &nonce, &fs.key)
	if !ok {
		return nil, fmt.Errorf("signalstore: %s: decryption failed (wrong passphrase or corrupt file)", path)
	}
	dec := gob.NewDecoder(bytes.NewReader(plain))
	if err := dec.Decode(&fs.rows); err != nil {
		return nil, fmt.Errorf("signalstore: decoding %s: %w", path, err)
	}
	return fs, nil
}

func (fs *FileStore) deriveKey(passphrase, salt []byte) {
	derived := pbkdf2.Key(passphrase, salt, fileStorePBKDF2Iterations, 32, sha256.New)
	copy(fs.key[:], derived)
	fs.salt = append([]byte(nil), salt...)
}

func (fs *FileStore) Get(rowType RowType, ids []string) (map[string]any, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make(map[string]any, len(ids))
	bucket := fs.rows[rowType]
	for _, id := range ids {
		if v, ok := bucket[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (fs *FileStore) Set(data map[RowType]map[string]any) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for rowType, ids := range data {
		bucket := fs.rows[rowType]
		if bucket == nil {
			bucket = make(map[string]any)
			fs.rows[rowType] = bucket
		}
		for id, v := range ids {
			if v == nil {
				delete(bucket, id)
				continue
			}
			bucket[id] = v
		}
	}
	return fs.flushLocked()
}

func (fs *FileStore) Clear() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.rows = make(map[RowType]map[string]any)
	return fs.flushLocked()
}

// flushLocked encrypts the whole row set and atomically replaces path,
// mirroring the teacher's write-to-temp-then-rename SaveData helper.
func (fs *FileStore) flushLocked() error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(fs.rows); err != nil {
		return fmt.Errorf("signalstore: encoding store: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("signalstore: generating nonce: %w", err)
	}
	sealed := secretbox.Seal(nil, buf.Bytes(), &nonce, &fs.key)

	out := make([]byte, 0, saltSize+24+len(sealed))
	out = append(out, fs.salt...)
	out = append(out, nonce[:]...)
	out = append(out, sealed...)

	dir := filepath.Dir(fs.path)
	tmp, err := os.CreateTemp(dir, ".signalstore-*.tmp")
	if err != nil {
		return fmt.Errorf("signalstore: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("signalstore: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("signalstore: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, fs.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("signalstore: renaming into place: %w", err)
	}
	return nil
}
