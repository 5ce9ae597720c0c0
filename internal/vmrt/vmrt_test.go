package vmrt

import (
	"fmt"
	"strings"
	"testing"

	"github.com/dpedu/zhyperd/internal/zmodel"
)

type fakeResolver map[string]string

func (f fakeResolver) ResolveDiskPath(id string) (string, error) {
	p, ok := f[id]
	if !ok {
		return "", fmt.Errorf("no such disk %s", id)
	}
	return p, nil
}

func TestEmulatorBuildArgvIsDeterministic(t *testing.T) {
	spec := zmodel.MachineSpec{
		Type: "q",
		Properties: map[string]interface{}{
			"cores": float64(2),
			"mem":   float64(512),
			"drives": []interface{}{
				map[string]interface{}{"disk": "d1.bin", "if": "virtio", "index": float64(0)},
			},
			"netifaces": []interface{}{
				map[string]interface{}{"type": "tap"},
			},
		},
	}

	aux := Aux{}
	resolver := fakeResolver{"d1.bin": "/var/lib/zhyperd/disks/d1.bin"}

	e := &Emulator{}
	argv1, err := e.BuildArgv(spec, "m1", aux, resolver)
	if err != nil {
		t.Fatal(err)
	}
	argv2, err := e.BuildArgv(spec, "m1", aux, resolver)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(argv1, " ") != strings.Join(argv2, " ") {
		t.Fatalf("BuildArgv not deterministic:\n%v\n%v", argv1, argv2)
	}

	joined := strings.Join(argv1, " ")
	if !strings.Contains(joined, "file=/var/lib/zhyperd/disks/d1.bin") {
		t.Fatalf("expected resolved drive path in argv: %v", argv1)
	}
	if !strings.Contains(joined, "-smp cpus=2") {
		t.Fatalf("expected cores in argv: %v", argv1)
	}
}

func TestEmulatorBuildArgvUnknownDiskFails(t *testing.T) {
	spec := zmodel.MachineSpec{
		Properties: map[string]interface{}{
			"drives": []interface{}{
				map[string]interface{}{"disk": "missing.bin"},
			},
		},
	}

	e := &Emulator{}
	if _, err := e.BuildArgv(spec, "m1", Aux{}, fakeResolver{}); err == nil {
		t.Fatal("expected error for unresolvable disk")
	}
}

func TestContainerBuildArgvIncludesImageAndPorts(t *testing.T) {
	spec := zmodel.MachineSpec{
		Properties: map[string]interface{}{
			"image": "nginx:latest",
			"ports": []interface{}{
				[]interface{}{float64(8080), float64(80)},
			},
		},
	}

	c := &Container{}
	argv, err := c.BuildArgv(spec, "m1", Aux{}, fakeResolver{})
	if err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "nginx:latest") {
		t.Fatalf("expected image in argv: %v", argv)
	}
	if !strings.Contains(joined, "-p 8080:80") {
		t.Fatalf("expected port mapping in argv: %v", argv)
	}
}
