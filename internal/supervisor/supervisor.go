// Package supervisor implements the per-machine state machine (component
// D): spawn, observe, respawn, graceful stop, forceful kill.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dpedu/zhyperd/internal/tapmgr"
	"github.com/dpedu/zhyperd/internal/vmrt"
	"github.com/dpedu/zhyperd/internal/zerrors"
	"github.com/dpedu/zhyperd/internal/zlog"
	"github.com/dpedu/zhyperd/internal/zmodel"
)

// AntiSpinDelay is the minimum pause between an unexpected exit and a
// respawn attempt, so a crash-looping child cannot consume the CPU.
var AntiSpinDelay = time.Second

// SpecFunc returns the spec currently installed for this machine. Only
// consulted while the supervisor is Stopped (the mutation-gate invariant
// makes this race-free).
type SpecFunc func() zmodel.MachineSpec

// Supervisor is the per-machine state machine. It owns at most one live
// child handle and any auxiliary resources (TAP interfaces) for the
// child's lifetime.
type Supervisor struct {
	id     string
	driver vmrt.Driver
	taps   *tapmgr.Manager
	disks  vmrt.DiskResolver
	spec   SpecFunc

	mu            sync.Mutex
	cond          *sync.Cond
	state         State
	handle        vmrt.Handle
	blockRespawns bool
	aux           vmrt.Aux
}

func New(id string, driver vmrt.Driver, taps *tapmgr.Manager, disks vmrt.DiskResolver, spec SpecFunc) *Supervisor {
	s := &Supervisor{
		id:     id,
		driver: driver,
		taps:   taps,
		disks:  disks,
		spec:   spec,
		state:  Stopped,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start transitions Stopped -> Starting -> Running (or back to Stopped on
// spawn failure). Fails with AlreadyRunning if not currently Stopped.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.state != Stopped {
		s.mu.Unlock()
		return zerrors.New(zerrors.AlreadyRunning, fmt.Sprintf("machine %s is %s", s.id, s.state))
	}
	return s.startLocked()
}

// startLocked assumes s.mu is held and the state is Stopped; it releases
// the lock before returning. Called both from Start and, iteratively (not
// recursively, to bound stack growth in crash loops) from the observer
// respawn.
func (s *Supervisor) startLocked() error {
	spec := s.spec()
	s.blockRespawns = false
	s.state = Starting

	aux, err := s.allocAux(spec)
	if err != nil {
		s.state = Stopped
		s.mu.Unlock()
		return zerrors.Wrap(zerrors.SpawnFailed, "allocate aux resources", err)
	}

	argv, err := s.driver.BuildArgv(spec, s.id, aux, s.disks)
	if err != nil {
		s.releaseAux(aux)
		s.state = Stopped
		s.mu.Unlock()
		return zerrors.Wrap(zerrors.SpawnFailed, "build argv", err)
	}

	handle, err := s.driver.Spawn(context.Background(), s.id, argv)
	if err != nil {
		s.releaseAux(aux)
		s.state = Stopped
		s.mu.Unlock()
		return zerrors.Wrap(zerrors.SpawnFailed, "spawn child", err)
	}

	s.handle = handle
	s.aux = aux
	s.state = Running
	s.cond.Broadcast()
	s.mu.Unlock()

	go s.observe(handle)

	return nil
}

func (s *Supervisor) allocAux(spec zmodel.MachineSpec) (vmrt.Aux, error) {
	var aux vmrt.Aux

	ifaces, _ := spec.Properties["netifaces"].([]interface{})
	for _, raw := range ifaces {
		iface, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if t, _ := iface["type"].(string); t != "tap" {
			continue
		}
		tap, err := s.taps.Acquire()
		if err != nil {
			// Non-fatal to the machine lifecycle: the NIC comes up
			// without a backing tap, which the driver tolerates.
			zlog.Warn("machine %s: acquire tap: %v", s.id, err)
			continue
		}
		aux.Taps = append(aux.Taps, tap)
	}

	return aux, nil
}

func (s *Supervisor) releaseAux(aux vmrt.Aux) {
	for _, t := range aux.Taps {
		s.taps.Release(t)
	}
}

// observe waits for the child to exit, then applies the respawn policy.
// It never holds the lock across the blocking wait.
func (s *Supervisor) observe(handle vmrt.Handle) {
	for {
		err := handle.Wait()

		s.mu.Lock()
		if err != nil {
			zlog.Info("machine %s exited: %v", s.id, err)
		} else {
			zlog.Info("machine %s exited", s.id)
		}

		wasKilled := s.state == Killed
		s.releaseAux(s.aux)
		s.aux = vmrt.Aux{}
		s.handle = nil

		if wasKilled {
			s.state = Stopped
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		}

		s.state = Stopped

		respawn := !s.blockRespawns && s.spec().Respawn()
		if !respawn {
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		}

		s.cond.Broadcast()
		s.mu.Unlock()

		time.Sleep(AntiSpinDelay)

		s.mu.Lock()
		if s.state != Stopped || s.blockRespawns {
			// Something else (explicit Start, or a stop/kill race) already
			// moved the state on; don't stomp it.
			s.mu.Unlock()
			return
		}
		if err := s.startLocked(); err != nil {
			zlog.Warn("respawn of %s failed: %v", s.id, err)
			return
		}

		// startLocked spawned a fresh observer goroutine for the new
		// handle; this goroutine's job is done.
		return
	}
}

// StopGraceful transitions Running -> Stopping, sending the runtime's
// graceful-stop signal. The observer already in flight will carry the
// supervisor on to Stopped once the child exits.
func (s *Supervisor) StopGraceful() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running {
		return zerrors.New(zerrors.MachineBusy, fmt.Sprintf("machine %s is %s, not running", s.id, s.state))
	}

	s.blockRespawns = true
	s.state = Stopping

	if err := s.driver.StopGraceful(s.handle, s.id); err != nil {
		return zerrors.Wrap(zerrors.RuntimeError, "graceful stop", err)
	}

	return nil
}

// Kill transitions Running (or Stopping) -> Killed, forcefully terminating
// the child.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running && s.state != Stopping {
		return zerrors.New(zerrors.MachineBusy, fmt.Sprintf("machine %s is %s, nothing to kill", s.id, s.state))
	}

	s.blockRespawns = true
	s.state = Killed

	if err := s.driver.Kill(s.handle, s.id); err != nil {
		return zerrors.Wrap(zerrors.RuntimeError, "kill", err)
	}

	return nil
}

// WaitStopped blocks until the supervisor reaches Stopped or the timeout
// elapses, reporting which happened. Uses condition-variable signaling on
// the Stopped transition rather than polling; a background
// timer forces one extra wakeup at the deadline.
func (s *Supervisor) WaitStopped(timeout time.Duration) (stopped bool) {
	deadline := time.Now().Add(timeout)

	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-time.After(timeout):
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-stop:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.state != Stopped {
		if !time.Now().Before(deadline) {
			return false
		}
		s.cond.Wait()
	}

	return true
}

// ID returns the machine id this supervisor governs.
func (s *Supervisor) ID() string { return s.id }

// Pid returns the live child's pid, or 0 when no child is running.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return 0
	}
	return s.handle.Pid()
}

// Screenshot asks the driver for a screendump of the running child. Only
// drivers implementing the optional vmrt.Screenshotter capability support
// it; the handle is read under the lock but the (slow) dump itself runs
// unlocked.
func (s *Supervisor) Screenshot(max int) ([]byte, error) {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return nil, zerrors.New(zerrors.MachineBusy, fmt.Sprintf("machine %s is %s, not running", s.id, s.state))
	}
	handle := s.handle
	s.mu.Unlock()

	shooter, ok := s.driver.(vmrt.Screenshotter)
	if !ok {
		return nil, zerrors.New(zerrors.MachineBusy, "screenshot not supported for machine "+s.id)
	}

	return shooter.Screenshot(handle, s.id, max)
}
