package cache

import (
	"time"

	goCache "github.com/patrickmn/go-cache"
)

// LocalDedup keeps the dedup window in process memory. Use it for a single instance.
type LocalDedup struct {
	c *goCache.Cache
}

func NewLocalDedup(window time.Duration) *LocalDedup {
	return &LocalDedup{c: goCache.New(window, 2*window)}
}

func (ld *LocalDedup) Claim(key string, ttl time.Duration) (bool, error) {
	if err := ld.c.Add(key, struct{}{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (ld *LocalDedup) Close() {
	ld.c.Flush()
}
