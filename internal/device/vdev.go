// File: internal/device/vdev.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Virtual device arguments: "net_pcap0,rx_pcap=in.pcap,tx_pcap=out.pcap".

package device

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/momentics/hioload-reflector/api"
)

// Vdev is a parsed virtual device specification.
type Vdev struct {
	Name   string // net_pcap0
	Driver string // net_pcap
	Args   map[string]string
	keys   []string
}

// ParseVdev splits a vdev string into name, driver and key=value arguments.
func ParseVdev(s string) (Vdev, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return Vdev{}, fmt.Errorf("vdev %q: missing device name: %w", s, api.ErrInvalidArgument)
	}
	driver := strings.TrimRight(name, "0123456789")
	if driver == "" || driver == name {
		return Vdev{}, fmt.Errorf("vdev %q: name must be a driver followed by an instance number: %w", s, api.ErrInvalidArgument)
	}
	v := Vdev{Name: name, Driver: driver, Args: make(map[string]string)}
	for _, kv := range parts[1:] {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, val, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return Vdev{}, fmt.Errorf("vdev %q: argument %q is not key=value: %w", s, kv, api.ErrInvalidArgument)
		}
		if _, dup := v.Args[k]; dup {
			return Vdev{}, fmt.Errorf("vdev %q: duplicate argument %q: %w", s, k, api.ErrInvalidArgument)
		}
		v.Args[k] = val
		v.keys = append(v.keys, k)
	}
	return v, nil
}

func (v Vdev) String() string {
	var sb strings.Builder
	sb.WriteString(v.Name)
	for _, k := range v.keys {
		sb.WriteString(",")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(v.Args[k])
	}
	return sb.String()
}

// Str returns the argument or def when absent.
func (v Vdev) Str(key, def string) string {
	if s, ok := v.Args[key]; ok {
		return s
	}
	return def
}

// Int parses an integer argument.
func (v Vdev) Int(key string, def int) (int, error) {
	s, ok := v.Args[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %s=%q: %w", v.Name, key, s, api.ErrInvalidArgument)
	}
	return n, nil
}

// Bool parses a 0/1 (or true/false) argument.
func (v Vdev) Bool(key string, def bool) (bool, error) {
	s, ok := v.Args[key]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%s: %s=%q: %w", v.Name, key, s, api.ErrInvalidArgument)
	}
	return b, nil
}

// CheckKeys rejects arguments the driver does not know.
func (v Vdev) CheckKeys(known ...string) error {
	for k := range v.Args {
		if !slices.Contains(known, k) {
			return fmt.Errorf("%s: unknown argument %q: %w", v.Name, k, api.ErrInvalidArgument)
		}
	}
	return nil
}

// Driver creates a port from a vdev. socket is the NUMA node hint.
type Driver func(v Vdev, socket int) (api.Port, error)

var registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// RegisterDriver makes a driver available under name. Drivers register
// from init, so a binary only carries the drivers it imports.
func RegisterDriver(name string, d Driver) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.drivers == nil {
		registry.drivers = make(map[string]Driver)
	}
	if _, dup := registry.drivers[name]; dup {
		panic("device: driver registered twice: " + name)
	}
	registry.drivers[name] = d
}

// Drivers lists registered driver names, sorted.
func Drivers() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.drivers))
	for n := range registry.drivers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Open parses s and creates the port with its driver.
func Open(s string, socket int) (Vdev, api.Port, error) {
	v, err := ParseVdev(s)
	if err != nil {
		return Vdev{}, nil, err
	}
	registry.mu.RLock()
	d, ok := registry.drivers[v.Driver]
	registry.mu.RUnlock()
	if !ok {
		return v, nil, fmt.Errorf("vdev %s: driver %q not available (have %v): %w", v.Name, v.Driver, Drivers(), api.ErrNotSupported)
	}
	p, err := d(v, socket)
	if err != nil {
		return v, nil, fmt.Errorf("vdev %s: %w", v.Name, err)
	}
	return v, p, nil
}
