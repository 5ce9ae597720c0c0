// Package tapmgr allocates and releases host TAP network interfaces for
// machine NICs. Tag allocation uses a monotonically increasing counter
// with a collision probe against the host's current interface list.
package tapmgr

import (
	"fmt"
	"net"
	"os/exec"
	"sync"

	"github.com/dpedu/zhyperd/internal/zlog"
)

// Manager hands out unique tap<n> names and owns their lifecycle on the
// host.
type Manager struct {
	mu      sync.Mutex
	counter int
}

func New() *Manager {
	return &Manager{}
}

// Tap represents one acquired host interface.
type Tap struct {
	Name string
}

// Acquire creates a new host tap interface and returns it. Non-fatal on
// failure to run the host command is the caller's responsibility to log;
// Acquire itself reports the error so callers can decide.
func (m *Manager) Acquire() (*Tap, error) {
	name, err := m.nextName()
	if err != nil {
		return nil, err
	}

	if err := run("ip", "tuntap", "add", "mode", "tap", "name", name); err != nil {
		return nil, fmt.Errorf("create tap %s: %w", name, err)
	}

	return &Tap{Name: name}, nil
}

// Release deletes the host tap interface. Failures are logged and
// swallowed: releasing a tap must never block a supervisor's shutdown
// path.
func (m *Manager) Release(t *Tap) {
	if t == nil {
		return
	}
	if err := run("ip", "link", "delete", t.Name); err != nil {
		zlog.Warn("release tap %s: %v", t.Name, err)
	}
}

func (m *Manager) nextName() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := hostInterfaceNames()
	if err != nil {
		return "", fmt.Errorf("list host interfaces: %w", err)
	}

	for {
		m.counter++
		name := fmt.Sprintf("tap%d", m.counter)
		if !existing[name] {
			return name, nil
		}
	}
}

func hostInterfaceNames() (map[string]bool, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(ifaces))
	for _, i := range ifaces {
		names[i.Name] = true
	}
	return names, nil
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w (%s)", name, args, err, out)
	}
	return nil
}
