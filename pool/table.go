// File: pool/table.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Process-wide pool table. A handle carries its pool id, so a buffer can be
// returned without the caller knowing where it came from.

package pool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-reflector/api"
)

var table struct {
	mu     sync.Mutex
	byName map[string]*Pool
	byID   [api.MaxPools + 1]atomic.Pointer[Pool]
}

// register assigns the lowest free id in 1..MaxPools.
func register(p *Pool) error {
	table.mu.Lock()
	defer table.mu.Unlock()
	if table.byName == nil {
		table.byName = make(map[string]*Pool)
	}
	if _, dup := table.byName[p.name]; dup {
		return api.PoolPopulationError(fmt.Errorf("pool %q: %w", p.name, api.ErrAlreadyExists))
	}
	for id := 1; id <= api.MaxPools; id++ {
		if table.byID[id].Load() == nil {
			p.id = uint8(id)
			table.byID[id].Store(p)
			table.byName[p.name] = p
			return nil
		}
	}
	return api.PoolPopulationError(fmt.Errorf("pool table full (%d): %w", api.MaxPools, api.ErrResourceExhausted))
}

func unregister(p *Pool) {
	table.mu.Lock()
	defer table.mu.Unlock()
	if table.byName[p.name] == p {
		delete(table.byName, p.name)
	}
	table.byID[p.id].CompareAndSwap(p, nil)
}

// Lookup returns the registered pool with the given name.
func Lookup(name string) (*Pool, bool) {
	table.mu.Lock()
	defer table.mu.Unlock()
	p, ok := table.byName[name]
	return p, ok
}

// ByID returns the pool a handle's id refers to, or nil.
func ByID(id uint8) *Pool {
	return table.byID[id].Load()
}

// Pools lists every registered pool in id order.
func Pools() []*Pool {
	var out []*Pool
	for id := 1; id <= api.MaxPools; id++ {
		if p := table.byID[id].Load(); p != nil {
			out = append(out, p)
		}
	}
	return out
}

// FreeMbuf returns m to whichever pool it came from.
func FreeMbuf(m api.Mbuf) error {
	p := ByID(m.PoolID())
	if p == nil {
		return fmt.Errorf("mbuf %#x: no pool %d: %w", uint64(m), m.PoolID(), api.ErrStaleMbuf)
	}
	return p.Free(m)
}

// FreeMbufs returns every handle in bufs to its pool and zeroes the array.
// It reports the first failure after attempting all of them.
func FreeMbufs(bufs []api.Mbuf) error {
	var first error
	for i, m := range bufs {
		if err := FreeMbuf(m); err != nil && first == nil {
			first = err
		}
		bufs[i] = 0
	}
	return first
}
