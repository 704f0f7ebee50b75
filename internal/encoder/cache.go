package encoder

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/dgraph-io/ristretto"
)

// Cache memoizes vectors by content hash so repeated embeddings of the
// same text skip the worker round trip entirely.
type Cache struct {
	inner *ristretto.Cache
}

// NewCache builds a cache sized for maxEntries vectors.
func NewCache(maxEntries int64) (*Cache, error) {
	inner, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries * Dimensions * 4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner}, nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) Get(text string) ([]float32, bool) {
	v, ok := c.inner.Get(cacheKey(text))
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

func (c *Cache) Put(text string, vec []float32) {
	c.inner.Set(cacheKey(text), vec, int64(len(vec)*4))
	// Flush the write buffer so a vector cached by this invocation is
	// visible to its very next call.
	c.inner.Wait()
}

func (c *Cache) Close() {
	c.inner.Close()
}
