// Package gpu produces per-device telemetry snapshots, using a direct
// NVML binding when available and falling back to parsing nvidia-smi
// output otherwise.
package gpu

import "time"

// ProcessMemory is one GPU-resident process's memory footprint at the
// time of a snapshot.
type ProcessMemory struct {
	PID   int32
	Bytes uint64
}

// DeviceSnapshot is an immutable value describing one physical GPU at
// one instant. Timestamps across a poll are stamped from the same
// wall-clock read so every device in a tick compares equal.
type DeviceSnapshot struct {
	Timestamp         time.Time
	Index             int
	Name              string
	UtilizationGPU    int
	UtilizationMemory int
	MemoryUsedBytes   uint64
	MemoryTotalBytes  uint64
	TemperatureC      int
	PowerUsageWatts   float64
	Processes         []ProcessMemory
	Stale             bool
}
