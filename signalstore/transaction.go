package signalstore

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// maxCommitRetries and the backoff schedule mirror spec.md §5 "Shared-
// resource policy": nestable transactions around the keyed stores, with
// exponential backoff retry on commit conflict, grounded on the teacher's
// crypto.KeyRotationManager retry loop (same doubling schedule, applied
// there to key-rotation persistence instead of a mutation buffer).
const (
	maxCommitRetries  = 5
	initialRetryDelay = 100 * time.Millisecond
)

// ErrTooManyRetries is returned once a transaction has exhausted
// maxCommitRetries commit attempts.
var ErrTooManyRetries = fmt.Errorf("signalstore: commit failed after %d retries", maxCommitRetries)

// Transactor runs nestable, buffered mutations against a SignalKeyStore.
// Mutations made inside nested transactions are visible to reads made by
// the same goroutine's transaction before any of them commit, but are not
// flushed to the backing store until the outermost transaction commits
// (spec.md §5: "reads inside a transaction observe the transaction's own
// uncommitted writes").
type Transactor struct {
	store SignalKeyStore
	log   *logrus.Logger

	// runMu serializes distinct top-level Run call stacks so two unrelated
	// goroutines never share depth/buffer state at once; a goroutine that
	// is merely nesting (calling Run again from within its own fn) never
	// blocks on it, since it already holds it for the outermost call.
	runMu sync.Mutex

	mu     sync.Mutex
	depth  int
	buffer map[RowType]map[string]any
}

// NewTransactor wraps store. A nil logger defaults to logrus.StandardLogger().
func NewTransactor(store SignalKeyStore, log *logrus.Logger) *Transactor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Transactor{store: store, log: log, buffer: make(map[RowType]map[string]any)}
}

// Transaction is the handle passed into a transactional closure. Get
// checks the buffer first, then falls through to the backing store, so
// reads see uncommitted writes made earlier in the same (possibly nested)
// transaction.
type Transaction struct {
	t *Transactor
}

// Get reads ids of rowType, preferring buffered (uncommitted) values.
func (tx Transaction) Get(rowType RowType, ids []string) (map[string]any, error) {
	tx.t.mu.Lock()
	bucket := tx.t.buffer[rowType]
	out := make(map[string]any, len(ids))
	var remaining []string
	for _, id := range ids {
		if bucket != nil {
			if v, ok := bucket[id]; ok {
				if v != nil {
					out[id] = v
				}
				continue // present in buffer (possibly as a tombstone): don't re-fetch
			}
		}
		remaining = append(remaining, id)
	}
	tx.t.mu.Unlock()

	if len(remaining) == 0 {
		return out, nil
	}
	fetched, err := tx.t.store.Get(rowType, remaining)
	if err != nil {
		return nil, err
	}
	for id, v := range fetched {
		out[id] = v
	}
	return out, nil
}

// Set buffers a mutation for commit when the outermost transaction ends.
// A nil value buffers a delete (tombstone), distinct from "not buffered".
func (tx Transaction) Set(rowType RowType, id string, value any) {
	tx.t.mu.Lock()
	defer tx.t.mu.Unlock()
	bucket := tx.t.buffer[rowType]
	if bucket == nil {
		bucket = make(map[string]any)
		tx.t.buffer[rowType] = bucket
	}
	bucket[id] = value
}

// Run executes fn inside a new top-level transaction, serialized via
// runMu against every other top-level Run call on this Transactor so two
// unrelated goroutines never share depth/buffer state at once — the
// previous version tracked depth as plain Transactor state with no lock
// around the whole call, so a concurrent unrelated Run could observe a
// nonzero depth left behind by someone else's in-flight transaction and
// wrongly skip its own commit, merging the two transactions' writes into
// one. To nest a transaction inside a closure already running under Run,
// call Run on the Transaction handle, not on the Transactor, so the
// nested call reuses the lock already held instead of trying to take it
// again.
func (t *Transactor) Run(fn func(tx Transaction) error) error {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	return t.runLocked(fn)
}

// Run nests fn inside the transaction tx belongs to, sharing its buffer
// and only committing once the outermost Run returns (spec.md §5: "reads
// inside a transaction observe the transaction's own uncommitted
// writes"). Only call this on a Transaction received from inside a
// closure already passed to Transactor.Run — runMu is assumed held.
func (tx Transaction) Run(fn func(tx Transaction) error) error {
	return tx.t.runLocked(fn)
}

func (t *Transactor) runLocked(fn func(tx Transaction) error) error {
	t.mu.Lock()
	t.depth++
	isOutermost := t.depth == 1
	t.mu.Unlock()

	runErr := fn(Transaction{t: t})

	t.mu.Lock()
	t.depth--
	stillNested := t.depth > 0
	t.mu.Unlock()

	if runErr != nil {
		if isOutermost {
			t.rollback()
		}
		return runErr
	}
	if stillNested {
		return nil
	}
	return t.commit()
}

func (t *Transactor) rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffer = make(map[RowType]map[string]any)
}

// commit flushes the buffer to the backing store with exponential backoff
// retry, then clears it regardless of outcome so a failed commit doesn't
// silently reapply on the next unrelated transaction.
func (t *Transactor) commit() error {
	t.mu.Lock()
	pending := t.buffer
	t.buffer = make(map[RowType]map[string]any)
	t.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	delay := initialRetryDelay
	var lastErr error
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		if err := t.store.Set(pending); err != nil {
			lastErr = err
			t.log.WithError(err).WithField("attempt", attempt+1).Warn("signalstore: transaction commit failed, retrying")
			jitter := time.Duration(rand.Int63n(int64(delay) / 2))
			time.Sleep(delay + jitter)
			delay *= 2
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTooManyRetries, lastErr)
}

// MutateCreds is the single sanctioned way to change AuthenticationCreds
// (spec.md §3's "created once and mutated over time" plus §5's
// transaction policy): load, clone, let fn edit the clone, persist.
func MutateCreds(t *Transactor, current *AuthenticationCreds, fn func(creds *AuthenticationCreds)) (*AuthenticationCreds, error) {
	working := current.Clone()
	fn(working)
	err := t.Run(func(tx Transaction) error {
		tx.Set(RowAppStateSyncVersion, "creds", working)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return working, nil
}
