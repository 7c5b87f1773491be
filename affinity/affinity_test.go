package affinity_test

import (
	"errors"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/momentics/hioload-reflector/affinity"
	"github.com/momentics/hioload-reflector/api"
)

func TestParseList(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{in: "0", want: []int{0}},
		{in: "0-3", want: []int{0, 1, 2, 3}},
		{in: "8, 2-3,2", want: []int{2, 3, 8}},
		{in: "", wantErr: true},
		{in: "a", wantErr: true},
		{in: "3-1", wantErr: true},
		{in: "-1", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := affinity.ParseList(tc.in)
			if tc.wantErr {
				if !errors.Is(err, api.ErrInvalidArgument) {
					t.Fatalf("want ErrInvalidArgument, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("ParseList (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPinUnpin(t *testing.T) {
	th := affinity.New()
	if err := th.Pin(-1); !errors.Is(err, api.ErrInvalidArgument) {
		t.Fatalf("Pin(-1) = %v", err)
	}
	err := th.Pin(0)
	if runtime.GOOS != "linux" {
		if !errors.Is(err, api.ErrNotSupported) {
			t.Fatalf("Pin on %s = %v, want ErrNotSupported", runtime.GOOS, err)
		}
		return
	}
	if err != nil {
		t.Skipf("cpu 0 not available: %v", err)
	}
	if err := th.Pin(0); !errors.Is(err, api.ErrPortState) {
		t.Errorf("second Pin = %v, want ErrPortState", err)
	}
	if err := th.Unpin(); err != nil {
		t.Fatal(err)
	}
	if err := th.Unpin(); err != nil {
		t.Errorf("Unpin of an unpinned thread = %v", err)
	}
}
