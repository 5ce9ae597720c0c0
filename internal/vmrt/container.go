package vmrt

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/dpedu/zhyperd/internal/zmodel"
)

// Container drives an external container runtime CLI (docker), stopping
// and killing by invoking it out-of-band keyed on the machine id rather
// than through an in-band control channel.
type Container struct {
	// CLI is the container runtime binary; defaults to "docker".
	CLI string
}

func (c *Container) cli() string {
	if c.CLI == "" {
		return "docker"
	}
	return c.CLI
}

func (c *Container) BuildArgv(spec zmodel.MachineSpec, id string, aux Aux, disks DiskResolver) ([]string, error) {
	hostname := strProp(spec.Properties, "hostname", id)

	argv := []string{c.cli(), "run", "--rm", "--name", id, "--hostname", hostname}

	if ports, ok := spec.Properties["ports"].([]interface{}); ok {
		for _, raw := range ports {
			pair, ok := raw.([]interface{})
			if !ok || len(pair) != 2 {
				continue
			}
			argv = append(argv, "-p", fmt.Sprintf("%v:%v", pair[0], pair[1]))
		}
	}

	if volumes, ok := spec.Properties["volumes"].([]interface{}); ok {
		for _, raw := range volumes {
			vol, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			diskID, _ := vol["disk"].(string)
			path, err := disks.ResolveDiskPath(diskID)
			if err != nil {
				return nil, fmt.Errorf("resolve volume disk %q: %w", diskID, err)
			}
			mountpoint, _ := vol["mountpoint"].(string)
			argv = append(argv, "-v", fmt.Sprintf("%s:%s", path, mountpoint))
		}
	}

	if sig, ok := spec.Properties["stopsignal"].(float64); ok {
		argv = append(argv, "--stop-signal", fmt.Sprintf("%d", int(sig)))
	}

	timeout := propInt(spec.Properties, "timeout", 25)
	argv = append(argv, "--stop-timeout", fmt.Sprintf("%d", timeout))

	argv = append(argv, strProp(spec.Properties, "image", ""))

	if cmd := strProp(spec.Properties, "cmd", ""); cmd != "" {
		argv = append(argv, cmd)
	}

	return argv, nil
}

func (c *Container) Spawn(ctx context.Context, id string, argv []string) (Handle, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	setDetached(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return newExecHandle(cmd, nil), nil
}

func (c *Container) StopGraceful(h Handle, id string) error {
	return runCLI(context.Background(), 0, c.cli(), "stop", id)
}

func (c *Container) Kill(h Handle, id string) error {
	if err := runCLI(context.Background(), 0, c.cli(), "kill", id); err != nil {
		return err
	}

	eh, ok := h.(*execHandle)
	if !ok || eh.cmd.Process == nil {
		return nil
	}

	if !eh.WaitTimeout(5 * time.Second) {
		eh.cmd.Process.Kill()
	}

	return nil
}

func (c *Container) Status(h Handle) Status {
	if h == nil {
		return StatusStopped
	}
	return StatusRunning
}

func strProp(m map[string]interface{}, key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}
