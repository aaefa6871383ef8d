package gpu

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// cliTimeout bounds each nvidia-smi invocation.
const cliTimeout = 5 * time.Second

// cliRunner abstracts process execution so tests can substitute a stub
// without shelling out to a real nvidia-smi.
type cliRunner func(ctx context.Context, name string, args ...string) (string, error)

// cliBackend is the fallback strategy: parse nvidia-smi's pinned CSV
// query format.
type cliBackend struct {
	run cliRunner

	mu   sync.Mutex
	last []DeviceSnapshot
}

func newCLIBackend(run cliRunner) *cliBackend {
	return &cliBackend{run: run}
}

const smiQueryFields = "index,name,utilization.gpu,utilization.memory,memory.used,memory.total,temperature.gpu,power.draw"

func (b *cliBackend) Poll() ([]DeviceSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()

	out, err := b.run(ctx, "nvidia-smi", "--query-gpu="+smiQueryFields, "--format=csv,noheader,nounits")
	if err != nil {
		return b.staleOrError(err)
	}

	snapshots, err := parseSMILines(out)
	if err != nil {
		return b.staleOrError(err)
	}

	procCtx, procCancel := context.WithTimeout(context.Background(), cliTimeout)
	procsByGPU, _ := b.pollProcesses(procCtx)
	procCancel()
	if len(snapshots) != 1 {
		procsByGPU = nil
	}
	now := time.Now()
	for i := range snapshots {
		snapshots[i].Timestamp = now
		snapshots[i].Processes = procsByGPU[snapshots[i].Index]
	}

	b.mu.Lock()
	b.last = snapshots
	b.mu.Unlock()

	return snapshots, nil
}

// staleOrError returns the last-good snapshot marked stale when one
// exists, so a single failed poll doesn't blank out the dashboard;
// otherwise it surfaces a transient error.
func (b *cliBackend) staleOrError(cause error) ([]DeviceSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.last) == 0 {
		return nil, fmt.Errorf("%w: nvidia-smi: %v", errTransient, cause)
	}

	stale := make([]DeviceSnapshot, len(b.last))
	copy(stale, b.last)
	for i := range stale {
		stale[i].Stale = true
	}
	return stale, nil
}

func parseSMILines(out string) ([]DeviceSnapshot, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	snapshots := make([]DeviceSnapshot, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if len(fields) < 8 {
			continue
		}

		snap := DeviceSnapshot{Name: fields[1]}
		var err error
		if snap.Index, err = strconv.Atoi(fields[0]); err != nil {
			continue
		}
		snap.UtilizationGPU = atoiOr(fields[2], 0)
		snap.UtilizationMemory = atoiOr(fields[3], 0)
		snap.MemoryUsedBytes = uint64(atoiOr(fields[4], 0)) * 1024 * 1024
		snap.MemoryTotalBytes = uint64(atoiOr(fields[5], 0)) * 1024 * 1024
		snap.TemperatureC = atoiOr(fields[6], 0)
		if p, err := strconv.ParseFloat(fields[7], 64); err == nil {
			snap.PowerUsageWatts = p
		}

		snapshots = append(snapshots, snap)
	}

	if len(snapshots) == 0 {
		return nil, fmt.Errorf("nvidia-smi: no parsable device lines")
	}
	return snapshots, nil
}

// pollProcesses runs the second nvidia-smi invocation that enumerates
// compute processes and their per-device memory footprint.
func (b *cliBackend) pollProcesses(ctx context.Context) (map[int][]ProcessMemory, error) {
	out, err := b.run(ctx, "nvidia-smi", "--query-compute-apps=gpu_uuid,pid,used_memory", "--format=csv,noheader,nounits")
	if err != nil {
		return nil, err
	}

	byGPU := make(map[int][]ProcessMemory)
	// nvidia-smi's compute-apps query reports GPU by UUID, not index;
	// without a UUID->index map from this invocation alone all processes
	// are returned under device 0, and Poll keeps them only when there is
	// exactly one device, leaving the per-process breakdown empty
	// otherwise rather than guess.
	lines := strings.Split(strings.TrimSpace(out), "\n")
	var procs []ProcessMemory
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 3 {
			continue
		}
		pid := atoiOr(strings.TrimSpace(fields[1]), -1)
		if pid < 0 {
			continue
		}
		mem := uint64(atoiOr(strings.TrimSpace(fields[2]), 0)) * 1024 * 1024
		procs = append(procs, ProcessMemory{PID: int32(pid), Bytes: mem})
	}
	if len(procs) > 0 {
		byGPU[0] = procs
	}
	return byGPU, nil
}

func atoiOr(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}
