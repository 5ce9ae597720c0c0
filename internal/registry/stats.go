package registry

import (
	"time"

	"github.com/dpedu/zhyperd/internal/procstats"
	"github.com/dpedu/zhyperd/internal/zerrors"
)

// statsInterval is the window between the two /proc snapshots used to
// compute CPU%.
const statsInterval = 250 * time.Millisecond

// MachineStats is the resource usage snapshot for one running machine's
// child process tree.
type MachineStats struct {
	CPU      float64 `json:"cpu"`
	RSSBytes uint64  `json:"rss_bytes"`
}

// ProcStats samples the child process tree of a running machine. The pid
// is read once under the supervisor lock; the sampling itself runs
// unlocked since it blocks for the sampling interval.
func (r *Registry) ProcStats(id string) (*MachineStats, error) {
	entry, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	pid := entry.sup.Pid()
	if pid == 0 {
		return nil, zerrors.New(zerrors.MachineBusy, "machine "+id+" is not running")
	}

	s1, err := procstats.Get(pid)
	if err != nil {
		return nil, zerrors.Wrap(zerrors.RuntimeError, "sample process stats", err)
	}

	time.Sleep(statsInterval)

	s2, err := procstats.Get(pid)
	if err != nil {
		return nil, zerrors.Wrap(zerrors.RuntimeError, "sample process stats", err)
	}

	return &MachineStats{CPU: s1.CPU(s2), RSSBytes: s2.Resident()}, nil
}

// Screenshot returns a PNG of a running Emulator machine's display.
func (r *Registry) Screenshot(id string, max int) ([]byte, error) {
	entry, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return entry.sup.Screenshot(max)
}
