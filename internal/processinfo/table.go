// Package processinfo maintains a pid-keyed view of OS processes,
// refreshed on demand from a single enumeration per call.
package processinfo

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Info is a mutable, per-pid view derived from the OS. Its lifetime is
// tied to the OS process it describes.
type Info struct {
	PID         int32
	Name        string
	CommandLine string
	ExePath     string
}

// Table is a pid-keyed cache refreshed immediately before each
// classification pass via a single OS-level enumeration.
type Table struct {
	byPID map[int32]Info
}

// New returns an empty table; call Refresh before the first Lookup.
func New() *Table {
	return &Table{byPID: make(map[int32]Info)}
}

// NewSeeded returns a table pre-populated with infos, bypassing OS
// enumeration. Used by tests that exercise classification without a
// real process table refresh.
func NewSeeded(infos ...Info) *Table {
	t := New()
	for _, info := range infos {
		t.byPID[info.PID] = info
	}
	return t
}

// Refresh re-enumerates all OS processes and replaces the cache
// wholesale — pids that vanished since the last refresh are dropped.
func (t *Table) Refresh(ctx context.Context) error {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[int32]Info, len(pids))
	for _, pid := range pids {
		p, err := process.NewProcess(pid)
		if err != nil {
			continue // pid disappeared between enumeration and lookup
		}

		name, _ := p.NameWithContext(ctx)
		cmdline, _ := p.CmdlineWithContext(ctx)
		exe, _ := p.ExeWithContext(ctx)

		fresh[pid] = Info{
			PID:         pid,
			Name:        name,
			CommandLine: cmdline,
			ExePath:     exe,
		}
	}

	t.byPID = fresh
	return nil
}

// Lookup returns the cached info for pid, or false if the pid is not
// present in the most recent refresh (it vanished or never existed).
func (t *Table) Lookup(pid int32) (Info, bool) {
	info, ok := t.byPID[pid]
	return info, ok
}

// LowerName returns the process name lowercased, a convenience used
// repeatedly by the classifier's case-insensitive matching rules.
func (i Info) LowerName() string {
	return strings.ToLower(i.Name)
}

// LowerCommandLine returns the command line lowercased.
func (i Info) LowerCommandLine() string {
	return strings.ToLower(i.CommandLine)
}
