// File: pool/cache.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-goroutine LIFO cache in front of the shared free-list.

package pool

import (
	"fmt"

	"github.com/momentics/hioload-reflector/api"
)

// Cache keeps recently freed slot indices local to one goroutine and moves
// them to and from the shared free-list in bulk. A Cache is not safe for
// concurrent use; give each polling goroutine its own.
type Cache struct {
	p    *Pool
	objs []uint32
	size int
	bulk int
}

// NewCache returns a cache of the pool's configured depth, or nil when the
// pool was created without one.
func (p *Pool) NewCache() *Cache {
	if p.cacheSize == 0 {
		return nil
	}
	bulk := p.cacheSize / 2
	if bulk < 1 {
		bulk = 1
	}
	return &Cache{
		p:    p,
		objs: make([]uint32, 0, p.cacheSize+bulk),
		size: p.cacheSize,
		bulk: bulk,
	}
}

// Len reports how many free slots the cache holds.
func (c *Cache) Len() int { return len(c.objs) }

// Alloc checks out one buffer, refilling from the shared free-list when empty.
func (c *Cache) Alloc() (api.Mbuf, error) {
	if err := c.p.ready(); err != nil {
		return 0, err
	}
	if len(c.objs) == 0 {
		c.refill()
		if len(c.objs) == 0 {
			c.p.allocFail.Add(1)
			return 0, fmt.Errorf("pool %q: %w", c.p.name, api.ErrResourceExhausted)
		}
	}
	i := c.objs[len(c.objs)-1]
	c.objs = c.objs[:len(c.objs)-1]
	c.p.cached.Add(-1)
	return c.p.checkout(i), nil
}

// AllocBulk checks out len(bufs) buffers or none.
func (c *Cache) AllocBulk(bufs []api.Mbuf) error {
	if err := c.p.ready(); err != nil {
		return err
	}
	if len(bufs) > cap(c.objs) {
		return c.p.AllocBulk(bufs)
	}
	for len(c.objs) < len(bufs) {
		before := len(c.objs)
		c.refill()
		if len(c.objs) == before {
			break
		}
	}
	if len(c.objs) < len(bufs) {
		c.p.allocFail.Add(1)
		return fmt.Errorf("pool %q: %d of %d buffers available: %w", c.p.name, len(c.objs), len(bufs), api.ErrResourceExhausted)
	}
	for k := range bufs {
		i := c.objs[len(c.objs)-1]
		c.objs = c.objs[:len(c.objs)-1]
		bufs[k] = c.p.checkout(i)
	}
	c.p.cached.Add(-int64(len(bufs)))
	return nil
}

// Free validates m and parks its slot in the cache, spilling half the cache
// to the shared free-list when it grows past its depth.
func (c *Cache) Free(m api.Mbuf) error {
	i, err := c.p.release(m)
	if err != nil {
		return err
	}
	c.objs = append(c.objs, i)
	c.p.cached.Add(1)
	if len(c.objs) > c.size {
		c.spill(len(c.objs) - c.size + c.bulk)
	}
	return nil
}

// Flush returns every cached slot to the shared free-list.
func (c *Cache) Flush() {
	c.spill(len(c.objs))
}

func (c *Cache) refill() {
	n := len(c.objs)
	want := min(c.bulk, cap(c.objs)-n)
	if want <= 0 {
		return
	}
	c.objs = c.objs[:n+want]
	got := c.p.free.DequeueBulk(c.objs[n:])
	c.objs = c.objs[:n+got]
	c.p.cached.Add(int64(got))
}

func (c *Cache) spill(n int) {
	if n <= 0 || c.p.ready() != nil {
		return
	}
	from := len(c.objs) - n
	put := c.p.free.EnqueueBulk(c.objs[from:])
	left := copy(c.objs[from:], c.objs[from+put:])
	c.objs = c.objs[:from+left]
	c.p.cached.Add(-int64(put))
}
