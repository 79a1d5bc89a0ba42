package signalstore

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Kunboruto20/borutowaileys-library/internal/ttlcache"
)

// cacheKey addresses one row across all row types, since ttlcache.Cache
// is keyed by a single comparable type (spec.md §9 "one reusable
// TtlCache<K,V>").
type cacheKey struct {
	rowType RowType
	id      string
}

// CachedStore wraps a SignalKeyStore with a read-through TTL cache, so a
// hot session record or sender-key isn't re-fetched from the backing
// store (disk, SQL, whatever the embedder wired up) on every decrypt. It
// is grounded on the teacher's crypto.NonceStore/rate-limit cache pattern,
// generalized from the Tox "seen nonce" cache to "seen key-store row".
type CachedStore struct {
	backing SignalKeyStore
	cache   *ttlcache.Cache[cacheKey, any]
	log     *logrus.Logger
}

// DefaultCacheTTL mirrors the teacher's NonceStore default window; a row
// cached five minutes ago is evicted (reads do not extend its lifetime)
// and re-read from the backing store on next use rather than kept forever.
const DefaultCacheTTL = 5 * time.Minute

// NewCachedStore wraps backing with a TTL cache. A nil logger defaults to
// logrus.StandardLogger(), following the teacher's zero-value logger
// convention.
func NewCachedStore(backing SignalKeyStore, log *logrus.Logger) *CachedStore {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CachedStore{
		backing: backing,
		cache:   ttlcache.New[cacheKey, any](DefaultCacheTTL, ttlcache.DefaultTimeProvider{}),
		log:     log,
	}
}

func (c *CachedStore) Get(rowType RowType, ids []string) (map[string]any, error) {
	out := make(map[string]any, len(ids))
	var miss []string
	for _, id := range ids {
		if v, ok := c.cache.Get(cacheKey{rowType, id}); ok {
			out[id] = v
			continue
		}
		miss = append(miss, id)
	}
	if len(miss) == 0 {
		return out, nil
	}

	fetched, err := c.backing.Get(rowType, miss)
	if err != nil {
		return nil, err
	}
	for id, v := range fetched {
		out[id] = v
		c.cache.Set(cacheKey{rowType, id}, v)
	}
	c.log.WithFields(logrus.Fields{
		"row_type": rowType,
		"hits":     len(ids) - len(miss),
		"misses":   len(miss),
	}).Debug("signalstore: cache lookup")
	return out, nil
}

func (c *CachedStore) Set(data map[RowType]map[string]any) error {
	if err := c.backing.Set(data); err != nil {
		return err
	}
	for rowType, ids := range data {
		for id, v := range ids {
			key := cacheKey{rowType, id}
			if v == nil {
				c.cache.Delete(key)
				continue
			}
			c.cache.Set(key, v)
		}
	}
	return nil
}

func (c *CachedStore) Clear() error {
	c.cache.Clear()
	return c.backing.Clear()
}

// Close stops the cache's background sweeper. Call it when the store is
// no longer needed to avoid leaking the sweeper goroutine.
func (c *CachedStore) Close() {
	c.cache.Close()
}
