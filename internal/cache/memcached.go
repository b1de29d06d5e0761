package cache

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/IliaW/crawl-ingestor/config"
	"github.com/bradfitz/gomemcache/memcache"
)

const keyPrefix = "crawl-ingestor-dedup-"

// DedupStore remembers claimed keys for a ttl. It backs the dedup window of ordered kafka topics.
type DedupStore interface {
	Claim(key string, ttl time.Duration) (bool, error)
	Close()
}

type memcachedAPI interface {
	Add(item *memcache.Item) error
	Ping() error
	Close() error
}

// MemcachedDedup shares the dedup window between all ingestor instances.
type MemcachedDedup struct {
	client memcachedAPI
}

func NewMemcachedDedup(cfg *config.DedupConfig) *MemcachedDedup {
	slog.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	err := ss.SetServers(cfg.Servers...)
	if err != nil {
		slog.Error("failed to set memcached servers.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c := &MemcachedDedup{client: memcache.NewFromSelector(ss)}
	slog.Info("pinging the memcached.")
	err = c.client.Ping()
	if err != nil {
		slog.Error("connection to the memcached is failed.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	slog.Info("connected to memcached!")

	return c
}

// Claim uses Add, which only stores the key when it is absent, so concurrent claims have one winner.
func (mc *MemcachedDedup) Claim(key string, ttl time.Duration) (bool, error) {
	err := mc.client.Add(&memcache.Item{
		Key:        keyPrefix + key,
		Value:      []byte("1"),
		Expiration: expiration(ttl),
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, memcache.ErrNotStored):
		slog.Debug("dedup key already claimed.", slog.String("key", key))
		return false, nil
	default:
		return false, err
	}
}

func (mc *MemcachedDedup) Close() {
	slog.Info("closing memcached connection.")
	err := mc.client.Close()
	if err != nil {
		slog.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}

// expiration rounds up to whole seconds; memcached treats 0 as "never expire".
func expiration(ttl time.Duration) int32 {
	s := int32((ttl + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
