package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMemcached struct {
	items map[string]*memcache.Item
	err   error
}

func (f *fakeMemcached) Add(item *memcache.Item) error {
	if f.err != nil {
		return f.err
	}
	if _, ok := f.items[item.Key]; ok {
		return memcache.ErrNotStored
	}
	f.items[item.Key] = item
	return nil
}

func (f *fakeMemcached) Ping() error  { return nil }
func (f *fakeMemcached) Close() error { return nil }

func TestMemcachedDedupClaim(t *testing.T) {
	fake := &fakeMemcached{items: map[string]*memcache.Item{}}
	d := &MemcachedDedup{client: fake}

	ok, err := d.Claim("abc", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(300), fake.items[keyPrefix+"abc"].Expiration)

	ok, err = d.Claim("abc", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	fake.err = errors.New("connection refused")
	ok, err = d.Claim("def", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestExpiration(t *testing.T) {
	assert.Equal(t, int32(1), expiration(0))
	assert.Equal(t, int32(1), expiration(10*time.Millisecond))
	assert.Equal(t, int32(2), expiration(1500*time.Millisecond))
	assert.Equal(t, int32(60), expiration(time.Minute))
}

func TestLocalDedupClaim(t *testing.T) {
	d := NewLocalDedup(time.Minute)
	defer d.Close()

	ok, _ := d.Claim("abc", time.Minute)
	assert.True(t, ok)
	ok, _ = d.Claim("abc", time.Minute)
	assert.False(t, ok)
	ok, _ = d.Claim("def", time.Minute)
	assert.True(t, ok)
}

func TestLocalDedupExpires(t *testing.T) {
	d := NewLocalDedup(time.Minute)
	ok, _ := d.Claim("abc", 20*time.Millisecond)
	require.True(t, ok)
	time.Sleep(40 * time.Millisecond)
	ok, _ = d.Claim("abc", time.Minute)
	assert.True(t, ok)
}
