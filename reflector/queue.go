// File: reflector/queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reflector

import "github.com/momentics/hioload-reflector/api"

// RxQueue is the ingress side of the loop: a non-blocking burst receive.
type RxQueue interface {
	RxBurst(bufs []api.Mbuf) int
}

// TxQueue is the egress side of the loop: a non-blocking burst transmit that
// takes ownership of the accepted prefix.
type TxQueue interface {
	TxBurst(bufs []api.Mbuf) int
}

// Queue addresses one queue of a port.
type Queue struct {
	Port api.Port
	ID   uint16
}

// RxBurst polls the port's RX queue.
func (q Queue) RxBurst(bufs []api.Mbuf) int { return q.Port.RxBurst(q.ID, bufs) }

// TxBurst submits to the port's TX queue.
func (q Queue) TxBurst(bufs []api.Mbuf) int { return q.Port.TxBurst(q.ID, bufs) }
