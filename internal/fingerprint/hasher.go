package fingerprint

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is used by NewHasher when size <= 0.
const DefaultCacheSize = 512

// Hasher memoizes HashImage by content digest. Identical bytes always hash
// identically, so a cached entry never goes stale.
type Hasher struct {
	cache *lru.Cache[string, ImageHashes]
}

// NewHasher returns a Hasher with an LRU of the given size.
func NewHasher(size int) (*Hasher, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, ImageHashes](size)
	if err != nil {
		return nil, err
	}
	return &Hasher{cache: c}, nil
}

// Hash returns the fingerprints of data, reusing a cached result when the
// same bytes were seen before. Undecodable input is not cached.
func (h *Hasher) Hash(data []byte) (ImageHashes, error) {
	d := Digest(data)
	if v, ok := h.cache.Get(d); ok {
		return v, nil
	}
	v, err := HashImage(data)
	if err != nil {
		return v, err
	}
	h.cache.Add(d, v)
	return v, nil
}

// Len reports the number of cached entries.
func (h *Hasher) Len() int { return h.cache.Len() }
