package device_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/momentics/hioload-reflector/api"
	"github.com/momentics/hioload-reflector/internal/device"
)

func TestParseVdev(t *testing.T) {
	tests := []struct {
		in      string
		want    device.Vdev
		wantErr bool
	}{
		{in: "net_ring0", want: device.Vdev{Name: "net_ring0", Driver: "net_ring", Args: map[string]string{}}},
		{
			in: "net_pcap0,rx_pcap=test.pcap,tx_pcap=out.pcap",
			want: device.Vdev{Name: "net_pcap0", Driver: "net_pcap", Args: map[string]string{
				"rx_pcap": "test.pcap", "tx_pcap": "out.pcap",
			}},
		},
		{
			in: " net_af_xdp12, iface=eth0 ,queue=3",
			want: device.Vdev{Name: "net_af_xdp12", Driver: "net_af_xdp", Args: map[string]string{
				"iface": "eth0", "queue": "3",
			}},
		},
		{in: "", wantErr: true},
		{in: "net_ring", wantErr: true},
		{in: "net_pcap0,rx_pcap", wantErr: true},
		{in: "net_pcap0,rx_pcap=a,rx_pcap=b", wantErr: true},
		{in: "net_pcap0,=x", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := device.ParseVdev(tc.in)
			if tc.wantErr {
				if !errors.Is(err, api.ErrInvalidArgument) {
					t.Fatalf("want ErrInvalidArgument, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.want, got, cmpopts.IgnoreUnexported(device.Vdev{})); diff != "" {
				t.Errorf("ParseVdev (-want +got):\n%s", diff)
			}
		})
	}
}

func TestVdevAccessors(t *testing.T) {
	v, err := device.ParseVdev("net_x1,n=7,on=1,bad=zz")
	if err != nil {
		t.Fatal(err)
	}
	if n, err := v.Int("n", 0); err != nil || n != 7 {
		t.Errorf("Int = %d, %v", n, err)
	}
	if n, _ := v.Int("missing", 42); n != 42 {
		t.Errorf("default Int = %d", n)
	}
	if on, err := v.Bool("on", false); err != nil || !on {
		t.Errorf("Bool = %v, %v", on, err)
	}
	if _, err := v.Int("bad", 0); !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("bad Int: %v", err)
	}
	if err := v.CheckKeys("n", "on"); err == nil {
		t.Error("unknown key accepted")
	}
	if v.String() != "net_x1,n=7,on=1,bad=zz" {
		t.Errorf("String = %q", v.String())
	}
}

func init() {
	device.RegisterDriver("net_tabletest", func(v device.Vdev, socket int) (api.Port, error) {
		return nil, errors.New("not a real port")
	})
}

func TestTable(t *testing.T) {
	tbl := device.NewTable()
	if tbl.IsValidPort(0) {
		t.Fatal("empty table has port 0")
	}
	err := tbl.Probe([]string{"net_tabletest0"}, api.NoNUMA)
	if err == nil {
		t.Fatal("failing driver probed")
	}
	if err := tbl.Probe([]string{"net_nosuch0"}, api.NoNUMA); !errors.Is(err, api.ErrNotSupported) {
		t.Errorf("unknown driver: %v", err)
	}
	if tbl.IsValidPort(-1) || tbl.IsValidPort(0) {
		t.Error("invalid ids reported valid")
	}
	if _, err := tbl.Port(3); !errors.Is(err, api.ErrNotFound) {
		t.Errorf("Port(3): %v", err)
	}
}

func testInfo() api.DevInfo {
	return api.DevInfo{
		Driver:       "test",
		MaxRxQueues:  2,
		MaxTxQueues:  2,
		RxDescLimits: api.DescLimits{Min: 64, Max: 1024, Align: 32},
		TxDescLimits: api.DescLimits{Min: 64, Max: 1024, Align: 32},
		MaxRxPktLen:  1518,
	}
}

func TestBaseLifecycle(t *testing.T) {
	b := device.NewBase("net_test0", testInfo(), 0)
	if err := b.SetupTxQueue(0, 64, 0, api.TxConf{}); !errors.Is(err, api.ErrPortState) {
		t.Errorf("setup before configure: %v", err)
	}
	if err := b.Configure(3, 1, api.PortConf{}); !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("too many RX queues: %v", err)
	}
	if err := b.Configure(1, 1, api.PortConf{MTU: 9000}); !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("MTU above max: %v", err)
	}
	if err := b.Configure(1, 1, api.PortConf{MTU: 1500}); err != nil {
		t.Fatal(err)
	}
	if err := b.SetupRxQueue(0, 64, 0, nil); !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("nil pool: %v", err)
	}
	if err := b.SetupTxQueue(1, 64, 0, api.TxConf{}); !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("queue out of range: %v", err)
	}
	if err := b.SetupTxQueue(0, 64, 0, api.TxConf{FreeThresh: 65}); !errors.Is(err, api.ErrInvalidArgument) {
		t.Errorf("threshold above depth: %v", err)
	}
	if err := b.SetupTxQueue(0, 64, 0, api.TxConf{FreeThresh: 32}); err != nil {
		t.Fatal(err)
	}
	if err := b.BeginStart(); !errors.Is(err, api.ErrPortState) {
		t.Errorf("start with RX queue missing: %v", err)
	}
	b.MarkStarted()
	if err := b.Configure(1, 1, api.PortConf{}); !errors.Is(err, api.ErrPortState) {
		t.Errorf("configure while started: %v", err)
	}
	if !b.MarkStopped() || b.MarkStopped() {
		t.Error("MarkStopped should report the running transition once")
	}
	if got := b.State(); got != device.StateStopped {
		t.Errorf("state %s", got)
	}
	if !b.MarkClosed() || b.MarkClosed() {
		t.Error("MarkClosed should succeed once")
	}
}

func TestAdjustDescriptors(t *testing.T) {
	b := device.NewBase("net_test1", testInfo(), 0)
	tests := []struct {
		rx, tx int
		want   api.DescCounts
	}{
		{2048, 2048, api.DescCounts{Rx: 1024, Tx: 1024}},
		{1, 100, api.DescCounts{Rx: 64, Tx: 128}},
		{512, 513, api.DescCounts{Rx: 512, Tx: 544}},
	}
	for _, tc := range tests {
		got, err := b.AdjustDescriptors(tc.rx, tc.tx)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("AdjustDescriptors(%d,%d) = %+v, want %+v", tc.rx, tc.tx, got, tc.want)
		}
	}
	if _, err := b.AdjustDescriptors(0, 64); err == nil {
		t.Error("zero descriptors accepted")
	}
}
