package gpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlBackend is the primary strategy: a direct binding to the vendor
// library.
type nvmlBackend struct {
	mu sync.Mutex
}

func newNVMLBackend() (*nvmlBackend, error) {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml init: %s", nvml.ErrorString(ret))
	}
	if _, ret := nvml.DeviceGetCount(); ret != nvml.SUCCESS {
		nvml.Shutdown()
		return nil, fmt.Errorf("nvml device count: %s", nvml.ErrorString(ret))
	}
	return &nvmlBackend{}, nil
}

func (b *nvmlBackend) Poll() ([]DeviceSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("%w: device count: %s", errTransient, nvml.ErrorString(ret))
	}

	now := time.Now()
	snapshots := make([]DeviceSnapshot, 0, count)

	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}

		snap := DeviceSnapshot{Timestamp: now, Index: i}

		if name, ret := device.GetName(); ret == nvml.SUCCESS {
			snap.Name = name
		}
		if util, ret := device.GetUtilizationRates(); ret == nvml.SUCCESS {
			snap.UtilizationGPU = int(util.Gpu)
			snap.UtilizationMemory = int(util.Memory)
		}
		if mem, ret := device.GetMemoryInfo(); ret == nvml.SUCCESS {
			snap.MemoryUsedBytes = mem.Used
			snap.MemoryTotalBytes = mem.Total
		}
		if temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
			snap.TemperatureC = int(temp)
		}
		if power, ret := device.GetPowerUsage(); ret == nvml.SUCCESS {
			snap.PowerUsageWatts = float64(power) / 1000.0
		}

		snap.Processes = b.runningProcesses(device)
		snapshots = append(snapshots, snap)
	}

	if len(snapshots) == 0 && count > 0 {
		return nil, fmt.Errorf("%w: no device yielded a snapshot", errTransient)
	}

	return snapshots, nil
}

func (b *nvmlBackend) runningProcesses(device nvml.Device) []ProcessMemory {
	seen := make(map[uint32]bool)
	var procs []ProcessMemory

	addAll := func(list []nvml.ProcessInfo) {
		for _, p := range list {
			if seen[p.Pid] {
				continue
			}
			seen[p.Pid] = true
			procs = append(procs, ProcessMemory{PID: int32(p.Pid), Bytes: p.UsedGpuMemory})
		}
	}

	if list, ret := device.GetComputeRunningProcesses(); ret == nvml.SUCCESS {
		addAll(list)
	}
	if list, ret := device.GetGraphicsRunningProcesses(); ret == nvml.SUCCESS {
		addAll(list)
	}

	return procs
}

func (b *nvmlBackend) Close() {
	nvml.Shutdown()
}
