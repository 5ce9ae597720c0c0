// zhyperd-ifup attaches a freshly created TAP interface to the host
// bridge br0 and brings it up. The emulator invokes it as its NIC
// ifup script with the interface name as the only argument.
package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/dpedu/zhyperd/internal/zlog"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <tap name>\n", os.Args[0])
		os.Exit(1)
	}
	tap := os.Args[1]

	zlog.Info("enabling interface %s", tap)

	if err := run("brctl", "addif", "br0", tap); err != nil {
		zlog.Fatal("attach %s to br0: %v", tap, err)
	}
	if err := run("ifconfig", tap, "up"); err != nil {
		zlog.Fatal("bring up %s: %v", tap, err)
	}

	zlog.Info("enabled interface %s", tap)
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w (%s)", name, args, err, out)
	}
	return nil
}
