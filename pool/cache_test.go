package pool_test

import (
	"testing"

	"github.com/momentics/hioload-reflector/api"
	"github.com/momentics/hioload-reflector/pool"
)

func TestCacheRefillAndFlush(t *testing.T) {
	cfg := pool.DefaultConfig()
	cfg.Name = "cache_" + t.Name()
	cfg.Count = 64
	cfg.CacheSize = 8
	p, err := pool.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	c := p.NewCache()
	m, err := c.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	// One bulk of CacheSize/2 came over, one went out.
	if c.Len() != 3 {
		t.Errorf("cache len = %d, want 3", c.Len())
	}
	st := p.Stats()
	if st.InUse != 1 || st.Cached != 3 || st.Free != 60 {
		t.Errorf("stats: %+v", st)
	}

	bufs := make([]api.Mbuf, 12)
	if err := c.AllocBulk(bufs); err != nil {
		t.Fatal(err)
	}
	for _, b := range append(bufs, m) {
		if err := c.Free(b); err != nil {
			t.Fatal(err)
		}
	}
	if c.Len() > 8 {
		t.Errorf("cache grew past its depth: %d", c.Len())
	}
	c.Flush()
	if st := p.Stats(); st.Free != 64 || st.Cached != 0 || st.InUse != 0 {
		t.Errorf("after flush: %+v", st)
	}
}

func TestCacheRejectsDoubleFree(t *testing.T) {
	cfg := pool.DefaultConfig()
	cfg.Name = "cache_" + t.Name()
	cfg.Count = 16
	cfg.CacheSize = 4
	p, err := pool.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	c := p.NewCache()
	m, _ := c.Alloc()
	if err := c.Free(m); err != nil {
		t.Fatal(err)
	}
	if err := c.Free(m); err == nil {
		t.Error("double free through cache accepted")
	}
	if p.NewCache() == nil {
		t.Error("configured pool returned no cache")
	}
}
