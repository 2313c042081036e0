// Package eventloop drives dynamic-import settlement to completion. It
// is the module-graph analogue of the teacher's setTimeout/fetch drain
// loop: instead of firing JS timer callbacks and resolving pending HTTP
// fetches, each tick drains the DynamicImportDispatcher's two queues and
// runs an engine microtask checkpoint so any `.then()` chained off an
// import() promise gets a chance to run before the next tick.
package eventloop

import (
	"context"
	"time"

	"github.com/cryguy/esmgraph/internal/dynamicimport"
	"github.com/cryguy/esmgraph/internal/engine"
)

// Loop ticks a Dispatcher until it has no pending dynamic imports left.
type Loop struct {
	dispatcher *dynamicimport.Dispatcher
	eng        engine.Engine
	// PollInterval is how long Run sleeps after each tick that leaves
	// the dispatcher with pending loads in flight (e.g. waiting on a
	// loader fetch goroutine).
	PollInterval time.Duration
}

// New creates a Loop over dispatcher, using eng for microtask checkpoints.
func New(dispatcher *dynamicimport.Dispatcher, eng engine.Engine) *Loop {
	return &Loop{dispatcher: dispatcher, eng: eng, PollInterval: time.Millisecond}
}

// Tick drains one round of preparing and pending dynamic imports and
// runs a microtask checkpoint. Safe to call even when nothing is
// pending — it is then a no-op plus one (cheap) checkpoint.
func (l *Loop) Tick(ctx context.Context) {
	l.dispatcher.DrainPreparing(ctx)
	l.dispatcher.DrainPending()
	l.eng.RunMicrotasks()
}

// Run ticks until the dispatcher has no pending work, ctx is cancelled,
// or deadline elapses. deadline's zero value means no deadline.
func (l *Loop) Run(ctx context.Context, deadline time.Time) {
	for {
		l.Tick(ctx)

		if !l.dispatcher.HasPending() {
			return
		}
		if err := ctx.Err(); err != nil {
			return
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.PollInterval):
		}
	}
}

// HasPending reports whether the underlying dispatcher still has work
// in flight.
func (l *Loop) HasPending() bool {
	return l.dispatcher.HasPending()
}
