// Package sink implements a fan-out interface over zero or more metric
// destinations, isolating a slow or failing sink from the scheduler and
// from its siblings via a bounded per-sink queue and worker goroutine.
package sink

import (
	"context"

	"go.uber.org/zap"

	"gpumon/internal/gpu"
	"gpumon/internal/llmproxy"
)

// queueDepth bounds each sink's backlog; a sink that cannot keep up
// drops the incoming event rather than blocking the caller.
const queueDepth = 256

// Sink receives device snapshots, finalized LLM sessions, and LLM
// backend presence checks. Calls MUST return quickly; a sink that needs
// to do network I/O queues internally.
type Sink interface {
	RecordDevice(gpu.DeviceSnapshot)
	RecordSession(llmproxy.Session)
	RecordPresence(up bool)
	Close()
}

type deviceEvent struct{ snap gpu.DeviceSnapshot }
type sessionEvent struct{ sess llmproxy.Session }
type presenceEvent struct{ up bool }

// worker wraps one Sink with its own queue and goroutine so a stuck
// sink only ever stalls itself.
type worker struct {
	sink   Sink
	events chan any
	logger *zap.Logger
	done   chan struct{}
}

func newWorker(s Sink, logger *zap.Logger) *worker {
	w := &worker{sink: s, events: make(chan any, queueDepth), logger: logger, done: make(chan struct{})}
	go w.run()
	return w
}

func (w *worker) run() {
	defer close(w.done)
	for ev := range w.events {
		switch e := ev.(type) {
		case deviceEvent:
			w.sink.RecordDevice(e.snap)
		case sessionEvent:
			w.sink.RecordSession(e.sess)
		case presenceEvent:
			w.sink.RecordPresence(e.up)
		}
	}
}

func (w *worker) enqueue(ev any) {
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("sink: queue full, dropping event")
	}
}

func (w *worker) stop() {
	close(w.events)
	<-w.done
	w.sink.Close()
}

// FanOut dispatches to every registered Sink through an isolated queue,
// so one sink backing up or erroring never blocks or breaks the others.
type FanOut struct {
	workers []*worker
	logger  *zap.Logger
}

// NewFanOut wraps sinks; an empty slice is valid (no-op fan-out).
func NewFanOut(logger *zap.Logger, sinks ...Sink) *FanOut {
	f := &FanOut{logger: logger}
	for _, s := range sinks {
		f.workers = append(f.workers, newWorker(s, logger))
	}
	return f
}

// RecordDevice implements gpu-facing consumers' non-blocking fan-out.
func (f *FanOut) RecordDevice(snap gpu.DeviceSnapshot) {
	for _, w := range f.workers {
		w.enqueue(deviceEvent{snap})
	}
}

// RecordSession implements llmproxy.SessionRecorder for the fan-out as
// a whole.
func (f *FanOut) RecordSession(sess llmproxy.Session) {
	for _, w := range f.workers {
		w.enqueue(sessionEvent{sess})
	}
}

// RecordPresence fans out an LLM backend presence check, reported by
// the monitor loop independently of whether the proxy is enabled.
func (f *FanOut) RecordPresence(up bool) {
	for _, w := range f.workers {
		w.enqueue(presenceEvent{up})
	}
}

// Close drains and stops every worker, waiting for in-flight events to
// be delivered before returning.
func (f *FanOut) Close(ctx context.Context) {
	for _, w := range f.workers {
		w.stop()
	}
}
