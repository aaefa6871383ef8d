package sink

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"gpumon/internal/gpu"
	"gpumon/internal/llmproxy"
)

type recordingSink struct {
	mu       sync.Mutex
	devices  []gpu.DeviceSnapshot
	sessions []llmproxy.Session
	block    chan struct{}
}

func (r *recordingSink) RecordDevice(s gpu.DeviceSnapshot) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, s)
}

func (r *recordingSink) RecordSession(s llmproxy.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
}

func (r *recordingSink) RecordPresence(up bool) {}

func (r *recordingSink) Close() {}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

func TestFanOutDeliversToAllSinks(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	f := NewFanOut(zap.NewNop(), a, b)

	f.RecordDevice(gpu.DeviceSnapshot{Index: 0, UtilizationGPU: 42})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a.count() == 1 && b.count() == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("expected both sinks to receive the event, got a=%d b=%d", a.count(), b.count())
	}
}

func TestFanOutIsolatesASlowSink(t *testing.T) {
	slow := &recordingSink{block: make(chan struct{})}
	fast := &recordingSink{}
	f := NewFanOut(zap.NewNop(), slow, fast)

	f.RecordDevice(gpu.DeviceSnapshot{Index: 0})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && fast.count() != 1 {
		time.Sleep(time.Millisecond)
	}
	if fast.count() != 1 {
		t.Fatal("expected fast sink to receive its event despite the slow sink blocking")
	}

	close(slow.block)
}
