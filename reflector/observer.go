// File: reflector/observer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reflector

import (
	"fmt"
	"io"
	"os"
)

// Observer is notified from the loop goroutine after non-empty iterations.
// Implementations must not block.
type Observer interface {
	Observe(it Iteration, total Counters)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(it Iteration, total Counters)

func (f ObserverFunc) Observe(it Iteration, total Counters) { f(it, total) }

// LogObserver prints running totals whenever an iteration forwarded
// something.
type LogObserver struct {
	w io.Writer
}

// NewLogObserver writes to w, or stdout when w is nil.
func NewLogObserver(w io.Writer) *LogObserver {
	if w == nil {
		w = os.Stdout
	}
	return &LogObserver{w: w}
}

func (o *LogObserver) Observe(it Iteration, total Counters) {
	if it.Accepted == 0 {
		return
	}
	fmt.Fprintf(o.w, "Total forwarded packets: %d\n", total.Forwarded)
	fmt.Fprintf(o.w, "Total dropped packets: %d\n", total.Dropped)
}
