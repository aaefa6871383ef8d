package gpu

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func stubRunner(gpuLine, procLine string, err error) cliRunner {
	return func(ctx context.Context, name string, args ...string) (string, error) {
		if err != nil {
			return "", err
		}
		for _, a := range args {
			if strings.HasPrefix(a, "--query-compute-apps") {
				return procLine, nil
			}
		}
		return gpuLine, nil
	}
}

func TestCLIBackendParsesSingleDevice(t *testing.T) {
	line := "0, NVIDIA GeForce RTX 3080, 45, 30, 8192, 10240, 65, 250.5"
	b := newCLIBackend(stubRunner(line, "", nil))

	snaps, err := b.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}

	s := snaps[0]
	if s.Index != 0 || s.Name != "NVIDIA GeForce RTX 3080" {
		t.Errorf("unexpected identity: %+v", s)
	}
	if s.UtilizationGPU != 45 || s.UtilizationMemory != 30 {
		t.Errorf("unexpected utilization: %+v", s)
	}
	if s.MemoryUsedBytes != 8192*1024*1024 || s.MemoryTotalBytes != 10240*1024*1024 {
		t.Errorf("unexpected memory: %+v", s)
	}
	if s.TemperatureC != 65 {
		t.Errorf("unexpected temperature: %+v", s)
	}
	if s.Stale {
		t.Error("fresh poll should not be marked stale")
	}
}

func TestCLIBackendFallsBackToStaleOnTransientFailure(t *testing.T) {
	good := "0, RTX 3080, 45, 30, 8192, 10240, 65, 250.5"
	calls := 0
	runner := func(ctx context.Context, name string, args ...string) (string, error) {
		calls++
		if calls <= 2 {
			return good, nil
		}
		return "", errors.New("exit status 1")
	}
	b := newCLIBackend(runner)

	if _, err := b.Poll(); err != nil {
		t.Fatalf("first poll: %v", err)
	}

	snaps, err := b.Poll()
	if err != nil {
		t.Fatalf("second poll should return stale snapshot, not error: %v", err)
	}
	if len(snaps) != 1 || !snaps[0].Stale {
		t.Fatalf("expected one stale snapshot, got %+v", snaps)
	}
}

func TestCLIBackendReturnsTransientWithNoPriorSnapshot(t *testing.T) {
	b := newCLIBackend(stubRunner("", "", errors.New("no such device")))

	_, err := b.Poll()
	if err == nil || !IsTransient(err) {
		t.Fatalf("expected a transient error, got %v", err)
	}
}

func TestParseSMILinesTwoDevices(t *testing.T) {
	out := "0, GPU0, 42, 10, 2000, 8000, 55, 120\n1, GPU1, 0, 0, 100, 8000, 40, 30\n"
	snaps, err := parseSMILines(out)
	if err != nil {
		t.Fatalf("parseSMILines: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(snaps))
	}
}
