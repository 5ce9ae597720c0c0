// Package vmrt implements the runtime driver capability (component C): a
// closed contract — BuildArgv, Spawn, StopGraceful, Kill, Status — with one
// implementation per runtime kind, keyed by the tag stored in a machine
// spec ("q" for the Emulator, "docker" for the Container).
package vmrt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dpedu/zhyperd/internal/tapmgr"
	"github.com/dpedu/zhyperd/internal/zmodel"
)

// DiskResolver resolves a disk id referenced by a machine spec to its
// backing filesystem path. Supplied by the registry, which owns the disk
// table; keeps this package free of a dependency on the registry.
type DiskResolver interface {
	ResolveDiskPath(id string) (string, error)
}

// Handle is an opaque running-child reference returned by Spawn.
type Handle interface {
	// Wait blocks until the child exits and returns its error, if any.
	Wait() error
	Pid() int
}

// Status mirrors the coarse process state a driver can observe.
type Status int

const (
	StatusStopped Status = iota
	StatusRunning
)

// Driver is the closed capability set every runtime kind implements.
type Driver interface {
	// BuildArgv is purely functional given the same inputs.
	BuildArgv(spec zmodel.MachineSpec, id string, aux Aux, disks DiskResolver) ([]string, error)
	Spawn(ctx context.Context, id string, argv []string) (Handle, error)
	StopGraceful(h Handle, id string) error
	Kill(h Handle, id string) error
	Status(h Handle) Status
}

// Aux bundles the auxiliary resources a supervisor has allocated for one
// machine (currently just its TAP interfaces, one per tap-type NIC).
type Aux struct {
	Taps []*tapmgr.Tap
}

// Screenshotter is an optional capability a driver may implement in
// addition to Driver. Callers discover it with a type assertion; a driver
// that lacks it simply cannot take screenshots.
type Screenshotter interface {
	Screenshot(h Handle, id string, max int) ([]byte, error)
}

// Registry of driver variants, keyed by the spec's runtime tag.
type Variants struct {
	mu       sync.RWMutex
	variants map[string]Driver
}

func NewVariants() *Variants {
	v := &Variants{variants: map[string]Driver{}}
	v.variants["q"] = &Emulator{}
	v.variants["docker"] = &Container{}
	return v
}

// Register installs (or replaces) the driver for tag. Used by tests to
// substitute controllable fakes.
func (v *Variants) Register(tag string, d Driver) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.variants[tag] = d
}

func (v *Variants) Get(tag string) (Driver, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	d, ok := v.variants[tag]
	return d, ok
}

// formatArgs builds a qemu-style comma-joined key=value argument, hoisting
// "type" first if present, as qemu expects for -net and -drive. Keys are
// sorted so BuildArgv stays deterministic for identical input.
func formatArgs(opts map[string]interface{}) string {
	var parts []string
	if t, ok := opts["type"]; ok {
		parts = append(parts, fmt.Sprintf("%v", t))
	}

	keys := make([]string, 0, len(opts))
	for k := range opts {
		if k != "type" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, opts[k]))
	}

	return strings.Join(parts, ",")
}

// execHandle adapts os/exec.Cmd to the Handle interface. Wait is safe to
// call from multiple goroutines (the supervisor's observer and a driver's
// own bounded-wait-before-kill path both need to observe exit); the
// underlying cmd.Wait() is only ever invoked once.
type execHandle struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	done    chan struct{}
	waitErr error
}

func newExecHandle(cmd *exec.Cmd, stdin io.WriteCloser) *execHandle {
	h := &execHandle{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()
	return h
}

func (h *execHandle) Wait() error {
	<-h.done
	return h.waitErr
}

// WaitTimeout blocks until exit or the timeout elapses, reporting which.
func (h *execHandle) WaitTimeout(d time.Duration) (exited bool) {
	select {
	case <-h.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (h *execHandle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func runCLI(ctx context.Context, timeout time.Duration, name string, args ...string) error {
	var cctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	} else {
		cctx = ctx
	}

	cmd := exec.CommandContext(cctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v: %w (%s)", name, args, err, stderr.String())
	}
	return nil
}
