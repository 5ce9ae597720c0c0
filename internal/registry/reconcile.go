package registry

import (
	"sync"

	"github.com/dpedu/zhyperd/internal/zerrors"
	"github.com/dpedu/zhyperd/internal/zlog"
	"github.com/dpedu/zhyperd/internal/zmodel"
)

// ShutdownConcurrency bounds how many machines are stopped in parallel
// during the fan-out shutdown.
var ShutdownConcurrency = 10

// ReconcileOnStart replays the state store into memory: all disk
// manifests first (so machine specs can resolve disk ids), then all
// machine manifests, then starts every machine whose autostart option is
// set. A bad manifest is logged and skipped; it never aborts the boot.
func (r *Registry) ReconcileOnStart() error {
	for _, ds := range r.stores.All() {
		ids, err := ds.ListDisks()
		if err != nil {
			return err
		}
		for _, id := range ids {
			m, err := ds.ReadDisk(id)
			if err != nil {
				zlog.Error("read disk manifest %s in %s: %v", id, ds.Name, err)
				continue
			}
			if err := r.loadDisk(m.DiskID, zmodel.DiskSpec{Options: m.Options, Properties: m.Properties}); err != nil {
				zlog.Error("load disk %s: %v", m.DiskID, err)
			}
		}
	}

	ds, ok := r.stores.Default()
	if !ok {
		return zerrors.New(zerrors.DatastoreUninitialized, "default datastore not configured")
	}

	ids, err := ds.ListMachines()
	if err != nil {
		return err
	}

	var autostart []string
	for _, id := range ids {
		m, err := ds.ReadMachine(id)
		if err != nil {
			zlog.Error("read machine manifest %s: %v", id, err)
			continue
		}

		spec := zmodel.MachineSpec{
			Options:    m.Spec.Options,
			Properties: m.Spec.Properties,
			Type:       m.Spec.Type,
		}
		if err := r.AddMachine(m.MachineID, spec, false); err != nil {
			zlog.Error("load machine %s: %v", m.MachineID, err)
			continue
		}
		if spec.Autostart() {
			autostart = append(autostart, m.MachineID)
		}
	}

	for _, id := range autostart {
		zlog.Info("autostarting machine %s", id)
		if err := r.StartMachine(id); err != nil {
			zlog.Error("autostart %s: %v", id, err)
		}
	}

	return nil
}

// loadDisk installs a replayed disk spec into memory without
// re-provisioning: the backing file already exists (or is the operator's
// problem), so the AddDisk init path must not run.
func (r *Registry) loadDisk(id string, spec zmodel.DiskSpec) error {
	driver, ok := diskDriverFor(spec.Kind())
	if !ok {
		return zerrors.New(zerrors.UnknownDiskType, string(spec.Kind()))
	}
	if err := driver.Validate(id); err != nil {
		return err
	}

	r.mu.Lock()
	r.disks[id] = spec
	r.mu.Unlock()
	return nil
}

// Shutdown forcefully stops every machine in parallel with bounded
// concurrency, waiting until all have reached Stopped. Per-machine errors
// are logged; they never prevent other machines from stopping.
func (r *Registry) Shutdown() {
	summaries := r.ListMachines()

	work := make(chan MachineSummary)
	var wg sync.WaitGroup

	for i := 0; i < ShutdownConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range work {
				timeout := m.Spec.TimeoutSeconds(30)
				if err := r.ForcefulStop(m.ID, timeout); err != nil {
					zlog.Error("shutdown of machine %s: %v", m.ID, err)
				}
			}
		}()
	}

	for _, m := range summaries {
		if !isStoppedState(m.Status) {
			work <- m
		}
	}
	close(work)
	wg.Wait()

	zlog.Info("all machines stopped")
}
