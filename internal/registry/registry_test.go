package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dpedu/zhyperd/internal/datastore"
	"github.com/dpedu/zhyperd/internal/supervisor"
	"github.com/dpedu/zhyperd/internal/tapmgr"
	"github.com/dpedu/zhyperd/internal/vmrt"
	"github.com/dpedu/zhyperd/internal/zerrors"
	"github.com/dpedu/zhyperd/internal/zmodel"
)

type fakeHandle struct {
	exit chan error
}

func newFakeHandle() *fakeHandle { return &fakeHandle{exit: make(chan error, 1)} }

func (h *fakeHandle) Wait() error { return <-h.exit }
func (h *fakeHandle) Pid() int    { return os.Getpid() }

// fakeDriver spawns controllable children. Its graceful stop is a no-op
// (the child keeps running) so escalation paths can be exercised.
type fakeDriver struct {
	mu         sync.Mutex
	spawned    int32
	killed     int32
	lastHandle *fakeHandle
}

func (d *fakeDriver) BuildArgv(spec zmodel.MachineSpec, id string, aux vmrt.Aux, disks vmrt.DiskResolver) ([]string, error) {
	return []string{"true"}, nil
}

func (d *fakeDriver) Spawn(ctx context.Context, id string, argv []string) (vmrt.Handle, error) {
	atomic.AddInt32(&d.spawned, 1)
	h := newFakeHandle()
	d.mu.Lock()
	d.lastHandle = h
	d.mu.Unlock()
	return h, nil
}

func (d *fakeDriver) StopGraceful(h vmrt.Handle, id string) error { return nil }

func (d *fakeDriver) Kill(h vmrt.Handle, id string) error {
	atomic.AddInt32(&d.killed, 1)
	fh := h.(*fakeHandle)
	select {
	case fh.exit <- nil:
	default:
	}
	return nil
}

func (d *fakeDriver) Status(h vmrt.Handle) vmrt.Status {
	if h == nil {
		return vmrt.StatusStopped
	}
	return vmrt.StatusRunning
}

func testRegistry(t *testing.T) (*Registry, *fakeDriver, *datastore.Set) {
	t.Helper()

	root := t.TempDir()
	ds, err := datastore.Open("default", filepath.Join(root, "ds"), true)
	if err != nil {
		t.Fatal(err)
	}
	stores := datastore.NewSet()
	stores.Add(ds)

	driver := &fakeDriver{}
	variants := vmrt.NewVariants()
	variants.Register("fake", driver)

	return New(stores, tapmgr.New(), variants), driver, stores
}

func machineSpec(opts map[string]interface{}) zmodel.MachineSpec {
	if opts == nil {
		opts = map[string]interface{}{}
	}
	return zmodel.MachineSpec{
		Type:       "fake",
		Options:    opts,
		Properties: map[string]interface{}{"cores": float64(1)},
	}
}

func TestUnsafeIDsRejected(t *testing.T) {
	r, _, _ := testRegistry(t)

	for _, id := range []string{"", ".", "..", "a/b", `a\b`, "../../../tmp/evil"} {
		if err := r.AddMachine(id, machineSpec(nil), false); !zerrors.Is(err, zerrors.ValidationFailed) {
			t.Fatalf("machine id %q: expected ValidationFailed, got %v", id, err)
		}
	}

	diskSpec := zmodel.DiskSpec{
		Options:    map[string]interface{}{"type": "emulated-disk", "datastore": "default"},
		Properties: map[string]interface{}{"size_mb": float64(64)},
	}
	for _, id := range []string{"", "../../../tmp/evil.bin", "a/b.bin"} {
		if err := r.AddDisk(id, diskSpec, false); !zerrors.Is(err, zerrors.ValidationFailed) {
			t.Fatalf("disk id %q: expected ValidationFailed, got %v", id, err)
		}
	}
}

func TestAddMachineUnknownRuntimeFails(t *testing.T) {
	r, _, _ := testRegistry(t)

	err := r.AddMachine("m1", zmodel.MachineSpec{Type: "nope"}, false)
	if !zerrors.Is(err, zerrors.UnknownRuntime) {
		t.Fatalf("expected UnknownRuntime, got %v", err)
	}
}

func TestAddMachinePersistsAndReloads(t *testing.T) {
	r, _, stores := testRegistry(t)

	if err := r.AddMachine("m1", machineSpec(nil), true); err != nil {
		t.Fatal(err)
	}

	// A second registry over the same state store must see m1 again.
	r2 := New(stores, tapmgr.New(), func() *vmrt.Variants {
		v := vmrt.NewVariants()
		v.Register("fake", &fakeDriver{})
		return v
	}())
	if err := r2.ReconcileOnStart(); err != nil {
		t.Fatal(err)
	}

	spec, err := r2.GetMachine("m1")
	if err != nil {
		t.Fatal(err)
	}
	if spec.Type != "fake" || spec.Properties["cores"] != float64(1) {
		t.Fatalf("reloaded spec does not match: %+v", spec)
	}
}

func TestMutationGateWhileRunning(t *testing.T) {
	r, driver, _ := testRegistry(t)

	if err := r.AddMachine("m1", machineSpec(nil), false); err != nil {
		t.Fatal(err)
	}
	if err := r.StartMachine("m1"); err != nil {
		t.Fatal(err)
	}

	if err := r.AddMachine("m1", machineSpec(nil), false); !zerrors.Is(err, zerrors.MachineBusy) {
		t.Fatalf("update while running: expected MachineBusy, got %v", err)
	}
	if err := r.RemoveMachine("m1"); !zerrors.Is(err, zerrors.MachineBusy) {
		t.Fatalf("remove while running: expected MachineBusy, got %v", err)
	}
	if err := r.SetProperty("m1", "cores", float64(2)); !zerrors.Is(err, zerrors.MachineBusy) {
		t.Fatalf("set property while running: expected MachineBusy, got %v", err)
	}

	// Still present and untouched.
	spec, err := r.GetMachine("m1")
	if err != nil {
		t.Fatal(err)
	}
	if spec.Properties["cores"] != float64(1) {
		t.Fatalf("spec was mutated despite gate: %+v", spec)
	}

	driver.mu.Lock()
	driver.lastHandle.exit <- nil
	driver.mu.Unlock()
}

func TestForcefulStopEscalatesToKill(t *testing.T) {
	r, driver, _ := testRegistry(t)

	if err := r.AddMachine("m1", machineSpec(nil), false); err != nil {
		t.Fatal(err)
	}
	if err := r.StartMachine("m1"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := r.ForcefulStop("m1", 1); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed > 3*time.Second {
		t.Fatalf("ForcefulStop took too long: %v", elapsed)
	}
	if atomic.LoadInt32(&driver.killed) != 1 {
		t.Fatalf("expected one kill, got %d", driver.killed)
	}

	status, err := r.MachineStatus("m1")
	if err != nil {
		t.Fatal(err)
	}
	if status != supervisor.Stopped.String() {
		t.Fatalf("expected stopped, got %s", status)
	}
}

func TestPropertyOpsRoundTrip(t *testing.T) {
	r, _, _ := testRegistry(t)

	if err := r.AddMachine("m1", machineSpec(nil), true); err != nil {
		t.Fatal(err)
	}

	if err := r.SetProperty("m1", "mem", float64(512)); err != nil {
		t.Fatal(err)
	}
	v, err := r.GetProperty("m1", "mem")
	if err != nil {
		t.Fatal(err)
	}
	if v != float64(512) {
		t.Fatalf("expected 512, got %v", v)
	}

	if err := r.DelProperty("m1", "mem"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetProperty("m1", "mem"); !zerrors.Is(err, zerrors.NotFound) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestAddDiskISORequiresExistingFile(t *testing.T) {
	r, _, stores := testRegistry(t)

	spec := zmodel.DiskSpec{
		Options: map[string]interface{}{"type": "iso", "datastore": "default"},
	}

	// Missing backing file: refused.
	if err := r.AddDisk("boot.iso", spec, false); !zerrors.Is(err, zerrors.ValidationFailed) {
		t.Fatalf("expected ValidationFailed for missing iso, got %v", err)
	}

	// Stage the file, retry.
	ds, _ := stores.Default()
	if err := os.WriteFile(ds.DiskBytesPath("boot.iso"), []byte("iso"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := r.AddDisk("boot.iso", spec, true); err != nil {
		t.Fatal(err)
	}

	// ISO delete leaves the bytes intact.
	if err := r.RemoveDisk("boot.iso"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(ds.DiskBytesPath("boot.iso")); err != nil {
		t.Fatalf("iso bytes should survive disk removal: %v", err)
	}
}

func TestAddDiskWrongSuffixFails(t *testing.T) {
	r, _, _ := testRegistry(t)

	spec := zmodel.DiskSpec{
		Options:    map[string]interface{}{"type": "emulated-disk", "datastore": "default"},
		Properties: map[string]interface{}{"size_mb": float64(64)},
	}
	if err := r.AddDisk("d1.img", spec, false); !zerrors.Is(err, zerrors.ValidationFailed) {
		t.Fatalf("expected ValidationFailed for bad suffix, got %v", err)
	}
}

func TestRemoveDiskReferencedByMachineRefused(t *testing.T) {
	r, _, stores := testRegistry(t)

	ds, _ := stores.Default()
	if err := os.WriteFile(ds.DiskBytesPath("boot.iso"), []byte("iso"), 0644); err != nil {
		t.Fatal(err)
	}
	diskSpec := zmodel.DiskSpec{
		Options: map[string]interface{}{"type": "iso", "datastore": "default"},
	}
	if err := r.AddDisk("boot.iso", diskSpec, false); err != nil {
		t.Fatal(err)
	}

	spec := machineSpec(nil)
	spec.Properties["drives"] = []interface{}{
		map[string]interface{}{"disk": "boot.iso", "media": "cdrom"},
	}
	if err := r.AddMachine("m1", spec, false); err != nil {
		t.Fatal(err)
	}

	if err := r.RemoveDisk("boot.iso"); !zerrors.Is(err, zerrors.MachineBusy) {
		t.Fatalf("expected MachineBusy for referenced disk, got %v", err)
	}

	if err := r.RemoveMachine("m1"); err != nil {
		t.Fatal(err)
	}
	if err := r.RemoveDisk("boot.iso"); err != nil {
		t.Fatalf("expected delete to succeed once unreferenced: %v", err)
	}
}

func TestReconcileAutostart(t *testing.T) {
	r, _, stores := testRegistry(t)

	spec := machineSpec(map[string]interface{}{"autostart": true})
	if err := r.AddMachine("m1", spec, true); err != nil {
		t.Fatal(err)
	}

	driver2 := &fakeDriver{}
	variants2 := vmrt.NewVariants()
	variants2.Register("fake", driver2)
	r2 := New(stores, tapmgr.New(), variants2)
	if err := r2.ReconcileOnStart(); err != nil {
		t.Fatal(err)
	}

	status, err := r2.MachineStatus("m1")
	if err != nil {
		t.Fatal(err)
	}
	if status != supervisor.Running.String() {
		t.Fatalf("expected autostarted machine running, got %s", status)
	}
	if atomic.LoadInt32(&driver2.spawned) != 1 {
		t.Fatalf("expected one spawn, got %d", driver2.spawned)
	}

	driver2.mu.Lock()
	driver2.lastHandle.exit <- nil
	driver2.mu.Unlock()
}

func TestProcStatsRequiresRunningMachine(t *testing.T) {
	r, _, _ := testRegistry(t)

	if _, err := r.ProcStats("nope"); !zerrors.Is(err, zerrors.NotFound) {
		t.Fatalf("expected NotFound for unknown machine, got %v", err)
	}

	if err := r.AddMachine("m1", machineSpec(nil), false); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ProcStats("m1"); !zerrors.Is(err, zerrors.MachineBusy) {
		t.Fatalf("expected MachineBusy for stopped machine, got %v", err)
	}
}

func TestScreenshotUnsupportedDriver(t *testing.T) {
	r, driver, _ := testRegistry(t)

	if err := r.AddMachine("m1", machineSpec(nil), false); err != nil {
		t.Fatal(err)
	}

	// Stopped machine: refused before the capability is even consulted.
	if _, err := r.Screenshot("m1", 0); !zerrors.Is(err, zerrors.MachineBusy) {
		t.Fatalf("expected MachineBusy for stopped machine, got %v", err)
	}

	// Running, but fakeDriver is not a Screenshotter.
	if err := r.StartMachine("m1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Screenshot("m1", 0); !zerrors.Is(err, zerrors.MachineBusy) {
		t.Fatalf("expected MachineBusy for unsupported driver, got %v", err)
	}

	driver.mu.Lock()
	driver.lastHandle.exit <- nil
	driver.mu.Unlock()
}

func TestShutdownStopsAllMachines(t *testing.T) {
	r, driver, _ := testRegistry(t)

	for _, id := range []string{"m1", "m2", "m3"} {
		spec := machineSpec(map[string]interface{}{"timeout_s": float64(1)})
		if err := r.AddMachine(id, spec, false); err != nil {
			t.Fatal(err)
		}
		if err := r.StartMachine(id); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	for _, id := range []string{"m1", "m2", "m3"} {
		status, err := r.MachineStatus(id)
		if err != nil {
			t.Fatal(err)
		}
		if status != supervisor.Stopped.String() {
			t.Fatalf("machine %s not stopped after shutdown: %s", id, status)
		}
	}

	if atomic.LoadInt32(&driver.killed) != 3 {
		t.Fatalf("expected 3 kills (graceful is a no-op), got %d", driver.killed)
	}
}
