// Package api
// Author: momentics@gmail.com
//
// CPU/NUMA affinity for the polling thread.

package api

// Affinity controls execution on particular CPUs.
type Affinity interface {
	// Pin locks the calling goroutine to its OS thread and binds that
	// thread to cpuID.
	Pin(cpuID int) error
	// Unpin restores the original CPU mask and unlocks the thread.
	Unpin() error
}
