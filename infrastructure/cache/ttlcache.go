package cache

import (
	"sync"
	"time"
)

// TTLCache is a small in-memory cache backed by sync.Map. Items carry an
// optional TTL; a background cleanup goroutine runs when New is given a
// positive cleanupInterval. The notification router uses it as the
// time-windowed dedup store for recently routed event keys.
type TTLCache struct {
	items sync.Map
	stop  chan struct{}
	wg    sync.WaitGroup
}

type item struct {
	value      any
	expiration int64 // unix nano; 0 means no expiration
}

func New(cleanupInterval time.Duration) *TTLCache {
	c := &TTLCache{
		stop: make(chan struct{}),
	}
	if cleanupInterval > 0 {
		c.wg.Add(1)
		go func() {
			ticker := time.NewTicker(cleanupInterval)
			defer ticker.Stop()
			defer c.wg.Done()
			for {
				select {
				case <-ticker.C:
					c.cleanup()
				case <-c.stop:
					return
				}
			}
		}()
	}
	return c
}

func (c *TTLCache) Set(key string, value any, ttl time.Duration) {
	var exp int64
	if ttl > 0 {
		exp = time.Now().Add(ttl).UnixNano()
	}
	c.items.Store(key, &item{
		value:      value,
		expiration: exp,
	})
}

func (c *TTLCache) Get(key string) (any, bool) {
	v, ok := c.items.Load(key)
	if !ok {
		return nil, false
	}
	it := v.(*item)
	if it.isExpired() {
		c.items.Delete(key)
		return nil, false
	}
	return it.value, true
}

func (c *TTLCache) Exists(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// SetIfAbsent stores the value only when no live entry exists for key.
// Returns true when the value was stored. This is the single check-and-
// record step the router relies on to route a dedup key exactly once.
func (c *TTLCache) SetIfAbsent(key string, value any, ttl time.Duration) bool {
	var exp int64
	if ttl > 0 {
		exp = time.Now().Add(ttl).UnixNano()
	}
	for {
		actual, loaded := c.items.LoadOrStore(key, &item{value: value, expiration: exp})
		if !loaded {
			return true
		}
		if !actual.(*item).isExpired() {
			return false
		}
		c.items.Delete(key)
	}
}

func (c *TTLCache) Delete(key string) {
	c.items.Delete(key)
}

func (c *TTLCache) Len() int {
	n := 0
	now := time.Now().UnixNano()
	c.items.Range(func(_, v any) bool {
		it := v.(*item)
		if it.expiration == 0 || now <= it.expiration {
			n++
		}
		return true
	})
	return n
}

func (c *TTLCache) Keys() []string {
	keys := make([]string, 0)
	now := time.Now().UnixNano()
	c.items.Range(func(k, v any) bool {
		it := v.(*item)
		if it.expiration == 0 || now <= it.expiration {
			if ks, ok := k.(string); ok {
				keys = append(keys, ks)
			}
		}
		return true
	})
	return keys
}

func (c *TTLCache) Close() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	c.wg.Wait()
}

func (it *item) isExpired() bool {
	if it == nil || it.expiration == 0 {
		return false
	}
	return time.Now().UnixNano() > it.expiration
}

func (c *TTLCache) cleanup() {
	now := time.Now().UnixNano()
	c.items.Range(func(k, v any) bool {
		it := v.(*item)
		if it.expiration != 0 && now > it.expiration {
			c.items.Delete(k)
		}
		return true
	})
}
