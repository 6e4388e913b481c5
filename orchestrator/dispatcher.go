// Copyright (c) Huck-dev
// SPDX-License-Identifier: MPL-2.0

package orchestrator

import (
	"time"

	metrics "github.com/armon/go-metrics"
	log "github.com/hashicorp/go-hclog"
)

// Dispatcher is the single periodic driver of the control plane. Every
// sweep interval, and on demand when state changes, it advances liveness
// and then lets the queue time out and assign work. Keeping one loop
// means sweep and assignment never race each other.
type Dispatcher struct {
	logger   log.Logger
	interval time.Duration
	registry *NodeRegistry
	queue    *JobQueue

	notifyCh   chan struct{}
	shutdownCh chan struct{}
	doneCh     chan struct{}
}

// NewDispatcher wires the registry and queue into one event loop. Run
// must be started by the caller.
func NewDispatcher(logger log.Logger, interval time.Duration, registry *NodeRegistry, queue *JobQueue) *Dispatcher {
	return &Dispatcher{
		logger:     logger.Named("dispatcher"),
		interval:   interval,
		registry:   registry,
		queue:      queue,
		notifyCh:   make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Notify requests an immediate pass. Non-blocking; a pending request is
// coalesced with the next one.
func (d *Dispatcher) Notify() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

// Run loops until Shutdown. Blocks; callers run it on a goroutine.
func (d *Dispatcher) Run() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.pass(time.Now())
		case <-d.notifyCh:
			d.pass(time.Now())
		case <-d.shutdownCh:
			return
		}
	}
}

// pass does one sweep-then-tick cycle.
func (d *Dispatcher) pass(now time.Time) {
	defer metrics.MeasureSince([]string{"modchain", "dispatcher", "pass"}, time.Now())

	d.registry.Sweep(now)
	d.queue.Tick(now)
}

// Shutdown stops the loop and waits for the in-flight pass to finish.
func (d *Dispatcher) Shutdown() {
	close(d.shutdownCh)
	<-d.doneCh
}
