package pcapdev

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gopacket/gopacket"

	"github.com/momentics/hioload-reflector/api"
	"github.com/momentics/hioload-reflector/internal/device"
	"github.com/momentics/hioload-reflector/pool"
)

func testFrames(n int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		f := make([]byte, 60+i)
		copy(f, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x02, 0, 0, 0, 0, byte(i), 0x08, 0x00})
		f[len(f)-1] = byte(i)
		frames[i] = f
	}
	return frames
}

func writeCapture(t *testing.T, path string, frames [][]byte) {
	t.Helper()
	w, err := createCapture(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range frames {
		ci := gopacket.CaptureInfo{Timestamp: time.Unix(1700000000, 0), CaptureLength: len(f), Length: len(f)}
		if err := w.w.WritePacket(ci, f); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func newPort(t *testing.T, args string) (*Port, *pool.Pool) {
	t.Helper()
	cfg := pool.DefaultConfig()
	cfg.Name = "pcap_" + t.Name()
	cfg.Count = 64
	cfg.CacheSize = 0
	mp, err := pool.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mp.Close() })
	v, err := device.ParseVdev("net_pcap0" + args)
	if err != nil {
		t.Fatal(err)
	}
	p, err := New(v, api.NoNUMA)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Configure(1, 1, api.PortConf{}); err != nil {
		t.Fatal(err)
	}
	if err := p.SetupRxQueue(0, 32, api.NoNUMA, mp); err != nil {
		t.Fatal(err)
	}
	if err := p.SetupTxQueue(0, 32, api.NoNUMA, api.TxConf{}); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return p, mp
}

func TestReflectThroughFiles(t *testing.T) {
	for _, ext := range []string{".pcap", ".pcap.gz", ".pcap.zst", ".pcapng", ".pcapng.zst"} {
		t.Run(ext, func(t *testing.T) {
			dir := t.TempDir()
			in, out := filepath.Join(dir, "in"+ext), filepath.Join(dir, "out"+ext)
			frames := testFrames(10)
			writeCapture(t, in, frames)

			p, mp := newPort(t, fmt.Sprintf(",rx_pcap=%s,tx_pcap=%s", in, out))
			bufs := make([]api.Mbuf, 4)
			total := 0
			for !p.Exhausted() {
				n := p.RxBurst(0, bufs)
				if got := p.TxBurst(0, bufs[:n]); got != n {
					t.Fatalf("TxBurst took %d of %d", got, n)
				}
				total += n
			}
			if total != len(frames) {
				t.Fatalf("replayed %d frames, want %d", total, len(frames))
			}
			if st := mp.Stats(); st.InUse != 0 {
				t.Errorf("buffers leaked: %+v", st)
			}
			if err := p.Stop(); err != nil {
				t.Fatal(err)
			}
			got, err := readAll(out)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(frames, got); diff != "" {
				t.Errorf("tx capture (-want +got):\n%s", diff)
			}
			if st := p.Stats(); st.IPackets != 10 || st.OPackets != 10 {
				t.Errorf("stats %+v", st)
			}
		})
	}
}

func TestInfiniteReplay(t *testing.T) {
	in := filepath.Join(t.TempDir(), "loop.pcap")
	frames := testFrames(3)
	writeCapture(t, in, frames)
	p, mp := newPort(t, ",infinite_rx=1,rx_pcap="+in)
	bufs := make([]api.Mbuf, 8)
	n := p.RxBurst(0, bufs)
	if n != 8 {
		t.Fatalf("RxBurst = %d", n)
	}
	for i := 0; i < n; i++ {
		data, _ := mp.Data(bufs[i])
		if diff := cmp.Diff(frames[i%3], data); diff != "" {
			t.Errorf("frame %d (-want +got):\n%s", i, diff)
		}
	}
	if p.TxBurst(0, bufs[:n]) != n {
		t.Error("TX without tx_pcap must still accept and discard")
	}
	if p.Exhausted() {
		t.Error("infinite replay reported exhaustion")
	}
}

func TestNewRejectsBadArgs(t *testing.T) {
	for _, s := range []string{
		"net_pcap0,infinite_rx=1",
		"net_pcap0,infinite_rx=maybe,rx_pcap=x",
		"net_pcap0,rx_iface=eth0",
		"net_pcap0,mac=zz",
	} {
		v, err := device.ParseVdev(s)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := New(v, 0); err == nil {
			t.Errorf("%s accepted", s)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		path string
		comp compression
		ng   bool
	}{
		{"a.pcap", compressNone, false},
		{"a.PCAP.GZ", compressGzip, false},
		{"a.pcapng.zst", compressZstd, true},
		{"a.pcapng", compressNone, true},
	}
	for _, tc := range tests {
		comp, ng := classify(tc.path)
		if comp != tc.comp || ng != tc.ng {
			t.Errorf("classify(%q) = %v, %v", tc.path, comp, ng)
		}
	}
}
