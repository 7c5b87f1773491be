// File: internal/device/afxdp/afxdp_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build !linux

package afxdp

import (
	"fmt"

	"github.com/momentics/hioload-reflector/api"
	"github.com/momentics/hioload-reflector/internal/device"
)

func init() {
	device.RegisterDriver(DriverName, func(v device.Vdev, _ int) (api.Port, error) {
		if _, err := ParseOptions(v); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s: AF_XDP needs Linux: %w", v.Name, api.ErrNotSupported)
	})
}
