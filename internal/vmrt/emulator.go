package vmrt

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/dpedu/zhyperd/internal/screenshot"
	"github.com/dpedu/zhyperd/internal/zmodel"
)

const ifupScript = "/usr/local/libexec/zhyperd-ifup"

// Emulator drives a qemu-style hardware emulator process, controlling it
// over a plain text monitor on its stdin -- not QMP JSON-RPC.
type Emulator struct{}

func (e *Emulator) BuildArgv(spec zmodel.MachineSpec, id string, aux Aux, disks DiskResolver) ([]string, error) {
	argv := []string{"qemu-system-x86_64"}
	argv = append(argv, e.argsSystem(spec)...)

	drives, err := e.argsDrives(spec, disks)
	if err != nil {
		return nil, err
	}
	argv = append(argv, drives...)
	argv = append(argv, e.argsNetwork(spec, aux)...)

	return argv, nil
}

func (e *Emulator) argsSystem(spec zmodel.MachineSpec) []string {
	cores := propInt(spec.Properties, "cores", 1)
	mem := propInt(spec.Properties, "mem", 256)

	args := []string{
		"-monitor", "stdio",
		"-machine", "accel=kvm",
		"-smp", fmt.Sprintf("cpus=%d", cores),
		"-m", fmt.Sprintf("%d", mem),
		"-boot", "cd",
	}

	if vnc, ok := spec.Properties["vnc"].(float64); ok {
		args = append(args, "-vnc", fmt.Sprintf(":%d", int(vnc)))
	}

	return args
}

func (e *Emulator) argsNetwork(spec zmodel.MachineSpec, aux Aux) []string {
	var args []string

	ifaces, _ := spec.Properties["netifaces"].([]interface{})
	tapIdx := 0

	for _, raw := range ifaces {
		iface, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		ifaceType, _ := iface["type"].(string)
		ifaceArgs := map[string]interface{}{"type": ifaceType}

		if ifaceType == "tap" {
			if tapIdx < len(aux.Taps) {
				ifaceArgs["ifname"] = aux.Taps[tapIdx].Name
				tapIdx++
			}
			ifaceArgs["script"] = ifupScript
			ifaceArgs["downscript"] = "no"
		} else {
			for k, v := range iface {
				if k != "type" {
					ifaceArgs[k] = v
				}
			}
		}

		args = append(args, "-net", formatArgs(ifaceArgs))
	}

	return args
}

func (e *Emulator) argsDrives(spec zmodel.MachineSpec, disks DiskResolver) ([]string, error) {
	var args []string

	drives, _ := spec.Properties["drives"].([]interface{})
	for _, raw := range drives {
		drive, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		diskID, _ := drive["disk"].(string)
		path, err := disks.ResolveDiskPath(diskID)
		if err != nil {
			return nil, fmt.Errorf("resolve drive disk %q: %w", diskID, err)
		}

		driveArgs := map[string]interface{}{"file": path}
		for _, opt := range []string{"if", "index", "media"} {
			if v, ok := drive[opt]; ok {
				driveArgs[opt] = v
			}
		}

		args = append(args, "-drive", formatArgs(driveArgs))
	}

	return args, nil
}

func (e *Emulator) Spawn(ctx context.Context, id string, argv []string) (Handle, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	setDetached(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return newExecHandle(cmd, stdin), nil
}

func (e *Emulator) StopGraceful(h Handle, id string) error {
	eh, ok := h.(*execHandle)
	if !ok {
		return fmt.Errorf("emulator: wrong handle type")
	}
	if _, err := io.WriteString(eh.stdin, "system_powerdown\n"); err != nil {
		return err
	}
	return nil
}

func (e *Emulator) Kill(h Handle, id string) error {
	eh, ok := h.(*execHandle)
	if !ok {
		return fmt.Errorf("emulator: wrong handle type")
	}
	if eh.cmd.Process == nil {
		return nil
	}
	return eh.cmd.Process.Kill()
}

// Screenshot implements the optional Screenshotter capability: sends a
// screendump command on the monitor, waits for the emulator to finish
// writing the PPM, and converts it to PNG.
func (e *Emulator) Screenshot(h Handle, id string, max int) ([]byte, error) {
	eh, ok := h.(*execHandle)
	if !ok {
		return nil, fmt.Errorf("emulator: wrong handle type")
	}

	path := filepath.Join(os.TempDir(), "zhyperd-screendump-"+id+".ppm")
	defer os.Remove(path)

	if _, err := io.WriteString(eh.stdin, "screendump "+path+"\n"); err != nil {
		return nil, err
	}

	// The monitor command returns before the dump is on disk; poll for a
	// stable, nonempty file.
	var lastSize int64 = -1
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		fi, err := os.Stat(path)
		if err == nil && fi.Size() > 0 && fi.Size() == lastSize {
			b, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			return screenshot.PPMToPNG(b, max)
		}
		if err == nil {
			lastSize = fi.Size()
		}
		time.Sleep(50 * time.Millisecond)
	}

	return nil, fmt.Errorf("emulator: screendump for %s did not appear", id)
}

func (e *Emulator) Status(h Handle) Status {
	if h == nil {
		return StatusStopped
	}
	return StatusRunning
}

func propInt(m map[string]interface{}, key string, def int) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return def
}
