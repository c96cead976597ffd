// Package cache is a small in-process read-through cache with request
// coalescing. The adapter keeps symbol resolution on it so repeated
// resolve tasks do not hammer the store: a key is loaded once even
// under concurrent lookups, served fresh until TTL, served stale while
// a single background refresh runs, and evicted least recently used
// past the size bound. Lookup misses can be cached too, with their own
// shorter TTL, so an unknown symbol does not turn every retry into a
// store query.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// refreshTimeout bounds background refreshes, which outlive the request
// that triggered them and therefore cannot inherit its context.
const refreshTimeout = 10 * time.Second

// Options tunes one cache instance.
type Options struct {
	// TTL is how long a loaded value is served without question.
	TTL time.Duration
	// StaleWhileRevalidate extends TTL as a window in which the old
	// value is still served while one refresh runs in the background.
	StaleWhileRevalidate time.Duration
	// NegativeTTL is the lifetime of a cached miss. Zero disables
	// negative caching entirely.
	NegativeTTL time.Duration
	// MaxEntries bounds the cache, zero means unbounded.
	MaxEntries int
}

// Hooks receive cache traffic for instrumentation. Nil hooks are
// skipped.
type Hooks struct {
	OnHit   func()
	OnMiss  func()
	OnStale func()
}

// Loader fetches the value behind a key. ok=false with a nil error is
// an authoritative miss and may be cached negatively; a non-nil error
// is a load failure and is only cached when NegativeTTL allows it.
type Loader func(ctx context.Context, key string) (interface{}, bool, error)

type entry struct {
	key       string
	value     interface{}
	err       error
	negative  bool
	expiresAt time.Time
	staleAt   time.Time
	elem      *list.Element
}

// Cache is safe for concurrent use.
type Cache struct {
	mu    sync.Mutex
	items map[string]*entry
	lru   *list.List
	opts  Options
	hooks Hooks
	sf    singleflight.Group
}

func New(opts Options, hooks Hooks) *Cache {
	return &Cache{
		items: make(map[string]*entry),
		lru:   list.New(),
		opts:  opts,
		hooks: hooks,
	}
}

type loadResult struct {
	val interface{}
	ok  bool
	err error
}

// Get returns the cached value for key, loading it through load on a
// miss. Concurrent misses on the same key share one load.
func (c *Cache) Get(ctx context.Context, key string, load Loader) (interface{}, bool, error) {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.items[key]; ok {
		switch {
		case now.Before(e.expiresAt):
			c.lru.MoveToFront(e.elem)
			val, neg, err := e.value, e.negative, e.err
			c.mu.Unlock()
			call(c.hooks.OnHit)
			if neg {
				return nil, false, err
			}
			return val, true, nil

		case now.Before(e.staleAt):
			c.lru.MoveToFront(e.elem)
			val, neg, err := e.value, e.negative, e.err
			c.mu.Unlock()
			call(c.hooks.OnStale)
			go func() {
				_, _, _ = c.sf.Do("refresh:"+key, func() (interface{}, error) {
					rctx, rcancel := context.WithTimeout(context.Background(), refreshTimeout)
					defer rcancel()
					v, ok, err := load(rctx, key)
					c.store(key, v, ok, err)
					return nil, nil
				})
			}()
			if neg {
				return nil, false, err
			}
			return val, true, nil

		default:
			c.drop(e)
		}
	}
	c.mu.Unlock()

	call(c.hooks.OnMiss)
	res, _, _ := c.sf.Do(key, func() (interface{}, error) {
		val, ok, err := load(ctx, key)
		c.store(key, val, ok, err)
		return loadResult{val: val, ok: ok, err: err}, nil
	})
	r := res.(loadResult)
	if !r.ok {
		return nil, false, r.err
	}
	return r.val, true, nil
}

// Delete removes a key so the next Get loads fresh.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	if e, ok := c.items[key]; ok {
		c.drop(e)
	}
	c.mu.Unlock()
}

// Len reports the number of cached entries, negatives included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) store(key string, val interface{}, ok bool, err error) {
	now := time.Now()
	e := &entry{key: key}
	if ok {
		e.value = val
		e.expiresAt = now.Add(c.opts.TTL)
		e.staleAt = e.expiresAt.Add(c.opts.StaleWhileRevalidate)
	} else {
		if c.opts.NegativeTTL <= 0 {
			return
		}
		// Misses never get a revalidation window, they expire hard.
		e.err = err
		e.negative = true
		e.expiresAt = now.Add(c.opts.NegativeTTL)
		e.staleAt = e.expiresAt
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, exists := c.items[key]; exists {
		c.drop(prev)
	}
	e.elem = c.lru.PushFront(e)
	c.items[key] = e
	for c.opts.MaxEntries > 0 && len(c.items) > c.opts.MaxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.drop(oldest.Value.(*entry))
	}
}

// drop removes an entry; callers hold c.mu.
func (c *Cache) drop(e *entry) {
	delete(c.items, e.key)
	c.lru.Remove(e.elem)
}

func call(hook func()) {
	if hook != nil {
		hook()
	}
}
