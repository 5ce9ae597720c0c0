//go:build linux || darwin

package vmrt

import (
	"os/exec"
	"syscall"
)

// setDetached starts cmd in its own process group so signals delivered to
// the daemon (SIGINT/SIGTERM) do not cascade to the child.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
