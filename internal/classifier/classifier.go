// Package classifier assigns each GPU-resident process one of four
// workload categories using a priority-ordered rule chain.
package classifier

import (
	"path/filepath"
	"strings"
	"time"

	"gpumon/internal/gpu"
	"gpumon/internal/processinfo"
)

// Record is a classification event: one (pid, category) observation
// for one tick.
type Record struct {
	Timestamp       time.Time
	PID             int32
	Name            string
	Category        Category
	GPUMemoryBytes  uint64
	GPUUtilization  int
	CommandLine     string
	ExePath         string
	DurationSeconds float64
}

type residencyKey struct {
	pid      int32
	category Category
}

type residency struct {
	firstSeen time.Time
	absences  int
}

// Classifier holds per-(pid,category) residency state across ticks; it
// is not safe for concurrent use — the scheduler calls it from a single
// sampling loop goroutine.
type Classifier struct {
	rules      Rules
	residency  map[residencyKey]*residency
	firstSeenAt map[int32]time.Time // pid -> first observed time, for the heavy-memory residency heuristic
}

// New returns a Classifier using the given tunable rules.
func New(rules Rules) *Classifier {
	return &Classifier{
		rules:       rules,
		residency:   make(map[residencyKey]*residency),
		firstSeenAt: make(map[int32]time.Time),
	}
}

// Classify consumes the union of pids reported across all device
// snapshots' process-memory lists, looks each up in table, and applies
// the priority-ordered classification rules.
func (c *Classifier) Classify(now time.Time, snapshots []gpu.DeviceSnapshot, table *processinfo.Table) []Record {
	type residentProc struct {
		gpuMemory uint64
		gpuUtil   int
	}
	byPID := make(map[int32]residentProc)
	for _, snap := range snapshots {
		for _, p := range snap.Processes {
			existing := byPID[p.PID]
			existing.gpuMemory += p.Bytes
			if snap.UtilizationGPU > existing.gpuUtil {
				existing.gpuUtil = snap.UtilizationGPU
			}
			byPID[p.PID] = existing
		}
	}

	seenThisTick := make(map[int32]bool, len(byPID))
	records := make([]Record, 0, len(byPID))

	for pid, rp := range byPID {
		info, ok := table.Lookup(pid)
		if !ok {
			continue
		}
		seenThisTick[pid] = true

		if _, ok := c.firstSeenAt[pid]; !ok {
			c.firstSeenAt[pid] = now
		}
		residentSecs := now.Sub(c.firstSeenAt[pid]).Seconds()

		category := c.determineCategory(info, rp.gpuMemory, rp.gpuUtil, residentSecs)

		key := residencyKey{pid: pid, category: category}
		res, ok := c.residency[key]
		if !ok {
			res = &residency{firstSeen: now}
			c.residency[key] = res
		}
		res.absences = 0

		records = append(records, Record{
			Timestamp:       now,
			PID:             pid,
			Name:            info.Name,
			Category:        category,
			GPUMemoryBytes:  rp.gpuMemory,
			GPUUtilization:  rp.gpuUtil,
			CommandLine:     info.CommandLine,
			ExePath:         info.ExePath,
			DurationSeconds: now.Sub(res.firstSeen).Seconds(),
		})
	}

	c.evict(seenThisTick)
	return records
}

// evict drops residency (and first-seen) state for pids absent from
// this tick, after two consecutive absences — a short gap (one missed
// poll) keeps the running duration intact instead of resetting it.
func (c *Classifier) evict(seenThisTick map[int32]bool) {
	for key, res := range c.residency {
		if seenThisTick[key.pid] {
			continue
		}
		res.absences++
		if res.absences >= 2 {
			delete(c.residency, key)
		}
	}
	for pid := range c.firstSeenAt {
		if !seenThisTick[pid] {
			stillTracked := false
			for key := range c.residency {
				if key.pid == pid {
					stillTracked = true
					break
				}
			}
			if !stillTracked {
				delete(c.firstSeenAt, pid)
			}
		}
	}
}

// determineCategory applies the four priority-ordered rules; first
// match wins and later rules never override an earlier classification.
func (c *Classifier) determineCategory(info processinfo.Info, gpuMemory uint64, gpuUtil int, residentSecs float64) Category {
	name := info.LowerName()
	cmdline := info.LowerCommandLine()

	if c.isLLMInference(name, cmdline) {
		return LLMInference
	}

	if c.isMLTraining(cmdline, gpuMemory, residentSecs) {
		return MLTraining
	}

	if c.isGaming(info, gpuUtil) {
		return Gaming
	}

	if gpuMemory > 0 {
		return GeneralCompute
	}

	return GeneralCompute
}

// isLLMInference implements rule 1: exact/glob match on the configured
// model-server binary, or a Python interpreter with an ML framework and
// an inference keyword.
func (c *Classifier) isLLMInference(name, cmdline string) bool {
	server := strings.ToLower(c.rules.ModelServerBinary)
	if server != "" {
		if ok, _ := filepath.Match(server, name); ok || name == server || strings.Contains(name, server) {
			return true
		}
	}

	if !isPythonInterpreter(name) {
		return false
	}
	if !containsAny(cmdline, mlFrameworkKeywords) {
		return false
	}
	return containsAny(cmdline, inferenceKeywords)
}

// isMLTraining implements rule 2: Python + ML framework without an
// inference keyword, or the heavy-memory heuristic.
func (c *Classifier) isMLTraining(cmdline string, gpuMemory uint64, residentSecs float64) bool {
	if isPythonInterpreterCmdline(cmdline) && containsAny(cmdline, mlFrameworkKeywords) && !containsAny(cmdline, inferenceKeywords) {
		return true
	}

	if gpuMemory >= uint64(c.rules.HeavyMemoryBytes) && residentSecs >= float64(c.rules.HeavyResidencySecs) {
		return true
	}

	return false
}

// isGaming implements rule 3: known game-library path or a configured
// game-binary glob, both gated on device utilization — a process idling
// under a Steam path at low utilization is not a gaming workload.
func (c *Classifier) isGaming(info processinfo.Info, gpuUtil int) bool {
	if gpuUtil < c.rules.GamingUtilThreshold {
		return false
	}

	pathLower := strings.ToLower(info.ExePath)
	for _, marker := range gameLibraryMarkers {
		if strings.Contains(pathLower, marker) {
			return true
		}
	}

	base := filepath.Base(info.ExePath)
	if base == "." || base == "" {
		base = info.Name
	}
	for _, pattern := range c.rules.GameBinaryGlobs {
		if ok, _ := filepath.Match(strings.ToLower(pattern), strings.ToLower(base)); ok {
			return true
		}
	}

	return false
}

func isPythonInterpreter(name string) bool {
	return strings.HasPrefix(name, "python")
}

func isPythonInterpreterCmdline(cmdline string) bool {
	return strings.Contains(cmdline, "python")
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
