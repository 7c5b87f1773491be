// File: internal/device/table.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/momentics/hioload-reflector/api"
)

// Table assigns port ids to probed devices in probe order.
type Table struct {
	mu    sync.RWMutex
	ports []api.Port
	names []string
}

// NewTable returns an empty table.
func NewTable() *Table { return &Table{} }

// Attach adds p and returns its port id.
func (t *Table) Attach(name string, p api.Port) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ports = append(t.ports, p)
	t.names = append(t.names, name)
	return len(t.ports) - 1
}

// Probe opens every vdev in order. On failure the ports opened so far stay
// attached; the caller closes the table.
func (t *Table) Probe(vdevs []string, socket int) error {
	for _, s := range vdevs {
		v, p, err := Open(s, socket)
		if err != nil {
			return err
		}
		id := t.Attach(v.Name, p)
		slog.Debug("probed device", "port", id, "vdev", v.String(), "driver", p.Info().Driver)
	}
	return nil
}

// IsValidPort reports whether id names an attached port.
func (t *Table) IsValidPort(id int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return id >= 0 && id < len(t.ports)
}

// Port returns the port with the given id.
func (t *Table) Port(id int) (api.Port, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id < 0 || id >= len(t.ports) {
		return nil, fmt.Errorf("port %d (have %d): %w", id, len(t.ports), api.ErrNotFound)
	}
	return t.ports[id], nil
}

// Name returns the vdev name of port id.
func (t *Table) Name(id int) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id < 0 || id >= len(t.names) {
		return ""
	}
	return t.names[id]
}

// Count is the number of attached ports.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ports)
}

// Close stops and closes every port and empties the table.
func (t *Table) Close() error {
	t.mu.Lock()
	ports := t.ports
	t.ports, t.names = nil, nil
	t.mu.Unlock()

	var errs []error
	for i, p := range ports {
		if err := p.Stop(); err != nil && !errors.Is(err, api.ErrPortState) {
			errs = append(errs, fmt.Errorf("stop port %d: %w", i, err))
		}
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close port %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
