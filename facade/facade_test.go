package facade_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/momentics/hioload-reflector/api"
	"github.com/momentics/hioload-reflector/facade"
	"github.com/momentics/hioload-reflector/internal/device"
	"github.com/momentics/hioload-reflector/internal/device/memdev"
	"github.com/momentics/hioload-reflector/pool"
)

// syncBuffer guards the report output shared with the loop goroutine.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func memTable(t *testing.T, vdevs ...string) (*device.Table, []*memdev.Port) {
	t.Helper()
	tbl := device.NewTable()
	var ports []*memdev.Port
	for _, s := range vdevs {
		v, p, err := device.Open(s, api.NoNUMA)
		if err != nil {
			t.Fatal(err)
		}
		tbl.Attach(v.Name, p)
		ports = append(ports, p.(*memdev.Port))
	}
	t.Cleanup(func() { tbl.Close() })
	return tbl, ports
}

func testConfig() *facade.Config {
	cfg := facade.DefaultConfig()
	cfg.RingSize = 64
	cfg.NumMbufs = 128
	cfg.CacheSize = 0
	return cfg
}

func frames(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("frame-%02d", i))
	}
	return out
}

func newReflector(t *testing.T, cfg *facade.Config, tbl *device.Table) (*facade.Reflector, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	r, err := facade.New(cfg, facade.WithTable(tbl), facade.WithOutput(out))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r, out
}

func TestFullAcceptance(t *testing.T) {
	tbl, ports := memTable(t, "net_ring0")
	r, out := newReflector(t, testConfig(), tbl)
	p := ports[0]

	in := frames(4)
	p.Inject(0, in...)
	it := r.Forwarder().Step()
	if it.Received != 4 || it.Accepted != 4 || it.Released != 0 {
		t.Fatalf("iteration %+v, want 4/4", it)
	}
	p.Flush()
	if diff := cmp.Diff(in, p.Transmitted()); diff != "" {
		t.Errorf("transmitted (-want +got):\n%s", diff)
	}
	if st := r.Ports()[0].Pool.Stats(); st.InUse != 0 {
		t.Errorf("pool still has %d buffers out", st.InUse)
	}
	for _, line := range []string{
		"Port 0 MAC: 02:00:00:00:00:00",
		"Total forwarded packets: 4",
		"Total dropped packets: 0",
	} {
		if !strings.Contains(out.String(), line) {
			t.Errorf("output lacks %q:\n%s", line, out)
		}
	}
}

func TestPartialAcceptance(t *testing.T) {
	tbl, ports := memTable(t, "net_ring0,tx_limit=10")
	cfg := testConfig()
	cfg.BurstSize = 32
	r, out := newReflector(t, cfg, tbl)
	p := ports[0]
	mp := r.Ports()[0].Pool

	in := frames(32)
	p.Inject(0, in...)
	it := r.Forwarder().Step()
	if it.Received != 32 || it.Accepted != 10 || it.Released != 22 {
		t.Fatalf("iteration %+v, want 32 -> 10 accepted, 22 released", it)
	}
	if st := mp.Stats(); st.InUse != 10 {
		t.Errorf("in use after step = %d, want the 10 held by TX", st.InUse)
	}
	p.Flush()
	if diff := cmp.Diff(in[:10], p.Transmitted()); diff != "" {
		t.Errorf("transmitted prefix (-want +got):\n%s", diff)
	}
	if st := mp.Stats(); st.InUse != 0 || st.Free != st.Count {
		t.Errorf("pool not whole after flush: %+v", st)
	}
	c := r.Forwarder().Counters()
	if c.Received != c.Forwarded+c.Dropped || c.Dropped != 22 {
		t.Errorf("counters %+v", c)
	}
	if !strings.Contains(out.String(), "Total dropped packets: 22") {
		t.Errorf("report lacks drop total:\n%s", out)
	}
}

func TestTwoPorts(t *testing.T) {
	tbl, ports := memTable(t, "net_ring0", "net_ring1")
	cfg := testConfig()
	cfg.OutPort = 1
	r, out := newReflector(t, cfg, tbl)
	if len(r.Ports()) != 2 {
		t.Fatalf("%d ports set up", len(r.Ports()))
	}

	in := frames(3)
	ports[0].Inject(0, in...)
	r.Forwarder().Step()
	ports[1].Flush()
	if diff := cmp.Diff(in, ports[1].Transmitted()); diff != "" {
		t.Errorf("out port (-want +got):\n%s", diff)
	}
	if got := ports[0].Transmitted(); len(got) != 0 {
		t.Errorf("in port transmitted %d frames", len(got))
	}
	if !strings.Contains(out.String(), "Port 1 MAC: 02:00:00:00:00:01") {
		t.Errorf("output lacks second port MAC:\n%s", out)
	}
}

func TestCustomPool(t *testing.T) {
	tbl, ports := memTable(t, "net_ring0")
	cfg := testConfig()
	cfg.CustomPool = true
	r, _ := newReflector(t, cfg, tbl)
	if name := r.Ports()[0].Pool.Name(); name != "MBUF_POOL_0" {
		t.Errorf("pool name %q", name)
	}
	ports[0].Inject(0, frames(2)...)
	if it := r.Forwarder().Step(); it.Accepted != 2 {
		t.Fatalf("iteration %+v", it)
	}
}

func TestRunAndClose(t *testing.T) {
	tbl, ports := memTable(t, "net_ring0,loopback=1")
	cfg := testConfig()
	cfg.IdleBackoff = true
	r, out := newReflector(t, cfg, tbl)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	ports[0].Inject(0, frames(8)...)

	deadline := time.Now().Add(5 * time.Second)
	for r.Forwarder().Counters().Forwarded < 8 {
		if time.Now().After(deadline) {
			t.Fatalf("forwarded only %d", r.Forwarder().Counters().Forwarded)
		}
		time.Sleep(time.Millisecond)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run = %v, want nil after Close", err)
	}
	for _, line := range []string{"Starting packet forwarding:", "  IN:  Port 0", "  OUT: Port 0"} {
		if !strings.Contains(out.String(), line) {
			t.Errorf("output lacks %q", line)
		}
	}
	if _, ok := pool.Lookup("MBUF_POOL_0"); ok {
		t.Error("pool still registered after Close")
	}
	if !tbl.IsValidPort(0) {
		t.Error("Close emptied a table the caller owns")
	}
	if st := ports[0].State(); st != device.StateStopped {
		t.Errorf("port state %v after Close, want stopped", st)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestRunCancel(t *testing.T) {
	tbl, _ := memTable(t, "net_ring0")
	r, _ := newReflector(t, testConfig(), tbl)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}

func TestInvalidPort(t *testing.T) {
	tbl, _ := memTable(t, "net_ring0")
	cfg := testConfig()
	cfg.InPort = 3
	_, err := facade.New(cfg, facade.WithTable(tbl), facade.WithOutput(&syncBuffer{}))
	var se *facade.SetupError
	if !errors.As(err, &se) {
		t.Fatalf("want SetupError, got %v", err)
	}
	if se.Stage != api.StageValidate || se.Port != 3 || se.Code != -22 {
		t.Errorf("setup error %+v", se)
	}
	if !strings.HasPrefix(err.Error(), "validate port failed on port 3: status -22 (") {
		t.Errorf("message %q", err)
	}
}

func TestPoolFailureStartsNothing(t *testing.T) {
	taken, err := pool.New(pool.Config{Name: facade.PoolName(0), Count: 8, DataRoom: pool.DefaultDataRoom, Headroom: pool.DefaultHeadroom, Node: api.NoNUMA})
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()

	tbl, ports := memTable(t, "net_ring0")
	defer tbl.Close()
	_, err = facade.PortInit(tbl, 0, testConfig())
	var se *facade.SetupError
	if !errors.As(err, &se) || se.Stage != api.StagePool {
		t.Fatalf("want pool stage error, got %v", err)
	}
	if !errors.Is(err, api.ErrAlreadyExists) {
		t.Errorf("cause %v, want ErrAlreadyExists", err)
	}
	if st := ports[0].State(); st != device.StateNew {
		t.Errorf("port state %v, want new", st)
	}
}

func TestAllocationFailure(t *testing.T) {
	if runtime.GOOS != "linux" || strconv.IntSize < 64 {
		t.Skip("relies on mmap refusing an oversized mapping")
	}
	if mode, err := os.ReadFile("/proc/sys/vm/overcommit_memory"); err != nil || strings.TrimSpace(string(mode)) == "1" {
		t.Skip("overcommit would grant the mapping")
	}
	tbl, ports := memTable(t, "net_ring0")
	defer tbl.Close()
	cfg := testConfig()
	maxSlots := uint64(math.MaxUint32)
	cfg.NumMbufs = int(maxSlots) // 8 TiB of 2 KiB slots
	cfg.CacheSize = 0
	_, err := facade.PortInit(tbl, 0, cfg)
	var se *facade.SetupError
	if !errors.As(err, &se) || se.Stage != api.StagePool {
		t.Fatalf("want pool stage error, got %v", err)
	}
	if !errors.Is(err, &api.Error{Code: api.ErrCodeAllocation}) {
		t.Errorf("cause %v, want allocation error", err)
	}
	if st := ports[0].State(); st != device.StateNew {
		t.Errorf("port state %v, want new", st)
	}
}

func TestPoolCountBeyondIndexSpace(t *testing.T) {
	if strconv.IntSize < 64 {
		t.Skip("needs a 64-bit int")
	}
	tbl, ports := memTable(t, "net_ring0")
	defer tbl.Close()
	cfg := testConfig()
	slots := uint64(1) << 40
	cfg.NumMbufs = int(slots)
	_, err := facade.PortInit(tbl, 0, cfg)
	var se *facade.SetupError
	if !errors.As(err, &se) || se.Stage != api.StagePool {
		t.Fatalf("want pool stage error, got %v", err)
	}
	if !errors.Is(err, &api.Error{Code: api.ErrCodePoolPopulation}) || !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("cause %v, want invalid slot count", err)
	}
	if st := ports[0].State(); st != device.StateNew {
		t.Errorf("port state %v, want new", st)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*facade.Config)
		ok   bool
	}{
		{"defaults", func(*facade.Config) {}, true},
		{"ring not power of two", func(c *facade.Config) { c.RingSize = 1000 }, false},
		{"ring too large", func(c *facade.Config) { c.RingSize = 8192 }, false},
		{"burst zero", func(c *facade.Config) { c.BurstSize = 0 }, false},
		{"burst 64", func(c *facade.Config) { c.BurstSize = 64 }, true},
		{"burst 65", func(c *facade.Config) { c.BurstSize = 65 }, false},
		{"cache too big", func(c *facade.Config) { c.NumMbufs = 300 }, false},
		{"negative port", func(c *facade.Config) { c.InPort = -1 }, false},
		{"negative retry", func(c *facade.Config) { c.Retry = -1 }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := facade.DefaultConfig()
			tc.mod(cfg)
			err := cfg.Validate()
			if tc.ok != (err == nil) {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
			if err != nil && !errors.Is(err, api.ErrInvalidArgument) {
				t.Errorf("error %v does not wrap ErrInvalidArgument", err)
			}
		})
	}
}
