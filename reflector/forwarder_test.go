package reflector_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/momentics/hioload-reflector/api"
	"github.com/momentics/hioload-reflector/pool"
	"github.com/momentics/hioload-reflector/reflector"
)

// scriptedRx hands out the next scripted burst size per poll, allocating
// from a real pool so releases can be verified.
type scriptedRx struct {
	t      *testing.T
	p      *pool.Pool
	script []int
	sent   []api.Mbuf
}

func (s *scriptedRx) RxBurst(bufs []api.Mbuf) int {
	if len(s.script) == 0 {
		return 0
	}
	n := min(s.script[0], len(bufs))
	s.script = s.script[1:]
	if err := s.p.AllocBulk(bufs[:n]); err != nil {
		s.t.Fatalf("rx alloc: %v", err)
	}
	s.sent = append(s.sent, bufs[:n]...)
	return n
}

// cappedTx accepts at most accept[i] buffers on call i (all when exhausted)
// and keeps what it took.
type cappedTx struct {
	accept []int
	got    []api.Mbuf
	calls  int
}

func (c *cappedTx) TxBurst(bufs []api.Mbuf) int {
	n := len(bufs)
	if c.calls < len(c.accept) {
		n = min(c.accept[c.calls], n)
	}
	c.calls++
	c.got = append(c.got, bufs[:n]...)
	return n
}

func newPool(t *testing.T, count int) *pool.Pool {
	t.Helper()
	cfg := pool.DefaultConfig()
	cfg.Name = "reflector_" + t.Name()
	cfg.Count = count
	cfg.CacheSize = 0
	p, err := pool.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestStepFullAcceptance(t *testing.T) {
	p := newPool(t, 16)
	rx := &scriptedRx{t: t, p: p, script: []int{4}}
	tx := &cappedTx{}
	f, err := reflector.New(reflector.Config{BurstSize: 4, Ingress: rx, Egress: tx})
	if err != nil {
		t.Fatal(err)
	}
	it := f.Step()
	want := reflector.Iteration{Received: 4, Accepted: 4}
	if diff := cmp.Diff(want, it); diff != "" {
		t.Errorf("iteration (-want +got):\n%s", diff)
	}
	c := f.Counters()
	if c.Forwarded != 4 || c.Dropped != 0 {
		t.Errorf("counters %+v", c)
	}
	if diff := cmp.Diff(rx.sent, tx.got); diff != "" {
		t.Errorf("egress order differs (-rx +tx):\n%s", diff)
	}
	if st := p.Stats(); st.InUse != 4 {
		t.Errorf("accepted buffers must stay checked out, in use = %d", st.InUse)
	}
}

func TestStepPartialAcceptance(t *testing.T) {
	p := newPool(t, 64)
	rx := &scriptedRx{t: t, p: p, script: []int{32}}
	tx := &cappedTx{accept: []int{10}}
	var released []api.Mbuf
	f, err := reflector.New(reflector.Config{BurstSize: 32, Ingress: rx, Egress: tx},
		reflector.WithRelease(func(m api.Mbuf) error {
			released = append(released, m)
			return pool.FreeMbuf(m)
		}))
	if err != nil {
		t.Fatal(err)
	}
	it := f.Step()
	if it.Received != 32 || it.Accepted != 10 || it.Released != 22 {
		t.Fatalf("iteration %+v", it)
	}
	if diff := cmp.Diff(rx.sent[:10], tx.got); diff != "" {
		t.Errorf("accepted prefix (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(rx.sent[10:], released); diff != "" {
		t.Errorf("released suffix (-want +got):\n%s", diff)
	}
	c := f.Counters()
	if c.Forwarded != 10 || c.Dropped != 22 || c.Received != 32 {
		t.Errorf("counters %+v", c)
	}
	if st := p.Stats(); st.InUse != 10 || st.TotalFree != 22 {
		t.Errorf("pool stats %+v", st)
	}
	// Every released handle went back exactly once.
	for _, m := range released {
		if err := pool.FreeMbuf(m); !errors.Is(err, api.ErrDoubleFree) {
			t.Errorf("handle %#x: %v", uint64(m), err)
		}
	}
}

func TestStepEmptyPollIsNoop(t *testing.T) {
	p := newPool(t, 4)
	rx := &scriptedRx{t: t, p: p}
	tx := &cappedTx{}
	f, _ := reflector.New(reflector.Config{BurstSize: 4, Ingress: rx, Egress: tx})
	if it := f.Step(); it != (reflector.Iteration{}) {
		t.Errorf("empty poll produced %+v", it)
	}
	if tx.calls != 0 {
		t.Error("egress called on an empty poll")
	}
	c := f.Counters()
	if c.Forwarded != 0 || c.Dropped != 0 || c.EmptyPolls != 1 {
		t.Errorf("counters %+v", c)
	}
}

func TestStepRetry(t *testing.T) {
	p := newPool(t, 16)
	rx := &scriptedRx{t: t, p: p, script: []int{8}}
	tx := &cappedTx{accept: []int{3, 0, 2}}
	f, _ := reflector.New(reflector.Config{BurstSize: 8, Ingress: rx, Egress: tx, Retry: 2})
	it := f.Step()
	if it.Accepted != 5 || it.Released != 3 || it.Retries != 2 {
		t.Fatalf("iteration %+v", it)
	}
	if diff := cmp.Diff(rx.sent[:5], tx.got); diff != "" {
		t.Errorf("retry broke ordering (-want +got):\n%s", diff)
	}
	if c := f.Counters(); c.Retries != 2 || c.Dropped != 3 {
		t.Errorf("counters %+v", c)
	}
}

func TestCountersConservationAndMonotonic(t *testing.T) {
	p := newPool(t, 256)
	script := []int{4, 0, 4, 2, 4, 1, 0, 3}
	rx := &scriptedRx{t: t, p: p, script: script}
	tx := &cappedTx{accept: []int{4, 0, 1, 4, 2, 0, 3, 1}}
	f, _ := reflector.New(reflector.Config{BurstSize: 4, Ingress: rx, Egress: tx})

	var prev reflector.Counters
	for range script {
		f.Step()
		c := f.Counters()
		if c.Forwarded < prev.Forwarded || c.Dropped < prev.Dropped || c.Received < prev.Received {
			t.Fatalf("counters went backwards: %+v -> %+v", prev, c)
		}
		if c.Received != c.Forwarded+c.Dropped {
			t.Fatalf("received %d != forwarded %d + dropped %d", c.Received, c.Forwarded, c.Dropped)
		}
		prev = c
	}
	st := p.Stats()
	if uint64(st.InUse) != prev.Forwarded || st.TotalFree != prev.Dropped {
		t.Errorf("pool %+v vs counters %+v", st, prev)
	}
}

func TestConfigValidate(t *testing.T) {
	q := &cappedTx{}
	rx := &scriptedRx{}
	tests := []struct {
		name string
		cfg  reflector.Config
		ok   bool
	}{
		{"default burst", reflector.Config{Ingress: rx, Egress: q}, true},
		{"max burst", reflector.Config{BurstSize: 64, Ingress: rx, Egress: q}, true},
		{"burst too big", reflector.Config{BurstSize: 65, Ingress: rx, Egress: q}, false},
		{"negative burst", reflector.Config{BurstSize: -1, Ingress: rx, Egress: q}, false},
		{"no egress", reflector.Config{BurstSize: 4, Ingress: rx}, false},
		{"negative retry", reflector.Config{BurstSize: 4, Ingress: rx, Egress: q, Retry: -1}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok != (err == nil) {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
			if err != nil && !errors.Is(err, api.ErrInvalidArgument) {
				t.Errorf("error %v is not ErrInvalidArgument", err)
			}
		})
	}
}

func TestLogObserver(t *testing.T) {
	p := newPool(t, 16)
	rx := &scriptedRx{t: t, p: p, script: []int{4, 4}}
	tx := &cappedTx{accept: []int{3, 0}}
	var out bytes.Buffer
	f, _ := reflector.New(reflector.Config{BurstSize: 4, Ingress: rx, Egress: tx},
		reflector.WithObserver(reflector.NewLogObserver(&out)))
	f.Step()
	f.Step()
	want := "Total forwarded packets: 3\nTotal dropped packets: 1\n"
	if out.String() != want {
		t.Errorf("output %q, want %q", out.String(), want)
	}
}

func TestLogObserverThrottledSkipsDropOnlyBursts(t *testing.T) {
	p := newPool(t, 16)
	rx := &scriptedRx{t: t, p: p, script: []int{4, 4}}
	tx := &cappedTx{accept: []int{0, 4}}
	var out bytes.Buffer
	f, _ := reflector.New(reflector.Config{BurstSize: 4, Ingress: rx, Egress: tx, ReportEvery: time.Hour},
		reflector.WithObserver(reflector.NewLogObserver(&out)))
	f.Step()
	f.Step()
	want := "Total forwarded packets: 4\nTotal dropped packets: 4\n"
	if out.String() != want {
		t.Errorf("output %q, want %q", out.String(), want)
	}
}

// scriptedTx returns the scripted counts verbatim and takes ownership of
// at most len(bufs) buffers.
type scriptedTx struct {
	ret []int
	got []api.Mbuf
}

func (s *scriptedTx) TxBurst(bufs []api.Mbuf) int {
	n := s.ret[0]
	s.ret = s.ret[1:]
	s.got = append(s.got, bufs[:min(max(n, 0), len(bufs))]...)
	return n
}

func TestStepClampsEgressReturn(t *testing.T) {
	tests := []struct {
		name  string
		ret   []int
		retry int
		want  reflector.Iteration
	}{
		{"over-report", []int{9}, 0, reflector.Iteration{Received: 4, Accepted: 4}},
		{"negative", []int{-3}, 0, reflector.Iteration{Received: 4, Released: 4}},
		{"over-report on retry", []int{1, 7}, 1, reflector.Iteration{Received: 4, Accepted: 4, Retries: 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := newPool(t, 16)
			rx := &scriptedRx{t: t, p: p, script: []int{4}}
			tx := &scriptedTx{ret: tc.ret}
			f, _ := reflector.New(reflector.Config{BurstSize: 4, Ingress: rx, Egress: tx, Retry: tc.retry})
			if diff := cmp.Diff(tc.want, f.Step()); diff != "" {
				t.Errorf("iteration (-want +got):\n%s", diff)
			}
			c := f.Counters()
			if c.Received != c.Forwarded+c.Dropped {
				t.Errorf("counters %+v", c)
			}
			if st := p.Stats(); st.InUse != len(tx.got) {
				t.Errorf("in use %d, egress holds %d", st.InUse, len(tx.got))
			}
		})
	}
}

func TestRunStops(t *testing.T) {
	p := newPool(t, 64)
	rx := &scriptedRx{t: t, p: p, script: []int{4, 4, 4}}
	tx := &cappedTx{}
	f, _ := reflector.New(reflector.Config{BurstSize: 4, Ingress: rx, Egress: tx, IdleBackoff: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for f.Counters().Forwarded < 12 {
		select {
		case <-deadline:
			t.Fatal("loop did not forward scripted bursts")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	f.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not observe Stop")
	}
	if f.Running() {
		t.Error("still running after return")
	}

	g, _ := reflector.New(reflector.Config{BurstSize: 4, Ingress: &scriptedRx{}, Egress: tx, IdleBackoff: true})
	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	if err := g.Run(ctx2); !errors.Is(err, context.Canceled) {
		t.Errorf("Run on cancelled context: %v", err)
	}
}
