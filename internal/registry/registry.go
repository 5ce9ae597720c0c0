// Package registry implements the authoritative controller (component E):
// in-memory tables of machines and disks, the mutation gate, reconcile-on-
// start, and fan-out shutdown.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dpedu/zhyperd/internal/datastore"
	"github.com/dpedu/zhyperd/internal/supervisor"
	"github.com/dpedu/zhyperd/internal/tapmgr"
	"github.com/dpedu/zhyperd/internal/vmrt"
	"github.com/dpedu/zhyperd/internal/zerrors"
	"github.com/dpedu/zhyperd/internal/zlog"
	"github.com/dpedu/zhyperd/internal/zmodel"
)

type machineEntry struct {
	mu   sync.Mutex // guards spec; supervisor has its own lock
	spec zmodel.MachineSpec
	sup  *supervisor.Supervisor
}

// Registry is the in-memory source of truth for machines and disks,
// backed by a state store for durability across restarts.
type Registry struct {
	mu       sync.RWMutex
	machines map[string]*machineEntry
	disks    map[string]zmodel.DiskSpec

	stores  *datastore.Set
	taps    *tapmgr.Manager
	drivers *vmrt.Variants
}

func New(stores *datastore.Set, taps *tapmgr.Manager, drivers *vmrt.Variants) *Registry {
	return &Registry{
		machines: map[string]*machineEntry{},
		disks:    map[string]zmodel.DiskSpec{},
		stores:   stores,
		taps:     taps,
		drivers:  drivers,
	}
}

// ResolveDiskPath implements vmrt.DiskResolver: disks are resolved through
// the registry so a driver's BuildArgv can reach any referenced disk's
// backing path.
func (r *Registry) ResolveDiskPath(id string) (string, error) {
	r.mu.RLock()
	spec, ok := r.disks[id]
	r.mu.RUnlock()

	if !ok {
		return "", zerrors.New(zerrors.NotFound, "disk "+id)
	}

	ds, ok := r.stores.Get(spec.Datastore())
	if !ok {
		return "", zerrors.New(zerrors.NotFound, "datastore "+spec.Datastore())
	}

	return ds.DiskBytesPath(id), nil
}

// AddMachine installs spec under id, creating a fresh supervisor if new or
// replacing options/properties in place if updating. The bound supervisor
// must be Stopped for an update. Never starts the machine.
func (r *Registry) AddMachine(id string, spec zmodel.MachineSpec, persist bool) error {
	if !validID(id) {
		return zerrors.New(zerrors.ValidationFailed, "machine id must be a nonempty filename-safe string")
	}
	if _, ok := r.drivers.Get(spec.Type); !ok {
		return zerrors.New(zerrors.UnknownRuntime, spec.Type)
	}

	r.mu.Lock()
	entry, exists := r.machines[id]

	if exists {
		if entry.sup.State() != supervisor.Stopped {
			r.mu.Unlock()
			return zerrors.New(zerrors.MachineBusy, "machine "+id+" must be stopped to modify")
		}
		entry.mu.Lock()
		entry.spec = spec
		entry.mu.Unlock()
	} else {
		entry = &machineEntry{spec: spec}
		entry.sup = supervisor.New(id, mustDriver(r.drivers, spec.Type), r.taps, r, func() zmodel.MachineSpec {
			entry.mu.Lock()
			defer entry.mu.Unlock()
			return entry.spec
		})
		r.machines[id] = entry
	}
	r.mu.Unlock()

	if persist {
		if err := r.persistMachine(id, spec); err != nil {
			return err
		}
	}

	return nil
}

func mustDriver(v *vmrt.Variants, tag string) vmrt.Driver {
	d, _ := v.Get(tag)
	return d
}

// validID reports whether id is safe to use as a single filename in the
// state store: nonempty, no path separators, not a dot entry. Ids become
// manifest names and disk backing paths, so anything that could escape
// the datastore directory is refused.
func validID(id string) bool {
	switch id {
	case "", ".", "..":
		return false
	}
	return !strings.ContainsAny(id, "/\\\x00")
}

// RemoveMachine deletes a machine; its supervisor must be Stopped.
func (r *Registry) RemoveMachine(id string) error {
	r.mu.Lock()
	entry, ok := r.machines[id]
	if !ok {
		r.mu.Unlock()
		return zerrors.New(zerrors.NotFound, "machine "+id)
	}
	if entry.sup.State() != supervisor.Stopped {
		r.mu.Unlock()
		return zerrors.New(zerrors.MachineBusy, "machine "+id+" must be stopped to remove")
	}
	delete(r.machines, id)
	r.mu.Unlock()

	if ds, ok := r.stores.Default(); ok {
		if err := ds.RemoveMachine(id); err != nil {
			zlog.Warn("remove machine manifest %s: %v", id, err)
		}
	}

	return nil
}

// StartMachine delegates to the bound supervisor's Start.
func (r *Registry) StartMachine(id string) error {
	entry, err := r.lookup(id)
	if err != nil {
		return err
	}
	return entry.sup.Start()
}

// StopMachine delegates to the bound supervisor's StopGraceful.
func (r *Registry) StopMachine(id string) error {
	entry, err := r.lookup(id)
	if err != nil {
		return err
	}
	return entry.sup.StopGraceful()
}

// ForcefulStop issues a graceful stop, waits up to timeout for Stopped,
// then escalates to Kill and waits again.
func (r *Registry) ForcefulStop(id string, timeout int) error {
	entry, err := r.lookup(id)
	if err != nil {
		return err
	}

	if entry.sup.State() != supervisor.Stopped {
		if gerr := entry.sup.StopGraceful(); gerr != nil && !zerrors.Is(gerr, zerrors.MachineBusy) {
			zlog.Warn("graceful stop of %s failed: %v", id, gerr)
		}
	}

	if entry.sup.WaitStopped(time.Duration(timeout) * time.Second) {
		return nil
	}

	zlog.Info("machine %s did not stop gracefully within %ds, escalating to kill", id, timeout)
	if err := entry.sup.Kill(); err != nil && !zerrors.Is(err, zerrors.MachineBusy) {
		return err
	}

	entry.sup.WaitStopped(5 * time.Second)
	return nil
}

// MachineStatus returns the current supervisor state string for id.
func (r *Registry) MachineStatus(id string) (string, error) {
	entry, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return entry.sup.State().String(), nil
}

// GetMachine returns a copy of the spec installed for id.
func (r *Registry) GetMachine(id string) (zmodel.MachineSpec, error) {
	entry, err := r.lookup(id)
	if err != nil {
		return zmodel.MachineSpec{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.spec.Clone(), nil
}

// MachineSummary is the listing shape for GET /machine.
type MachineSummary struct {
	ID     string
	Status string
	Spec   zmodel.MachineSpec
}

func (r *Registry) ListMachines() []MachineSummary {
	r.mu.RLock()
	ids := make([]string, 0, len(r.machines))
	entries := make([]*machineEntry, 0, len(r.machines))
	for id, e := range r.machines {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]MachineSummary, 0, len(ids))
	for i, id := range ids {
		e := entries[i]
		e.mu.Lock()
		spec := e.spec.Clone()
		e.mu.Unlock()
		out = append(out, MachineSummary{ID: id, Status: e.sup.State().String(), Spec: spec})
	}
	return out
}

func (r *Registry) lookup(id string) (*machineEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.machines[id]
	if !ok {
		return nil, zerrors.New(zerrors.NotFound, "machine "+id)
	}
	return entry, nil
}

func (r *Registry) persistMachine(id string, spec zmodel.MachineSpec) error {
	ds, ok := r.stores.Default()
	if !ok {
		return zerrors.New(zerrors.DatastoreUninitialized, "default datastore not configured")
	}

	m := &datastore.MachineManifest{
		MachineID: id,
		Spec: datastore.MachineManifestSpec{
			Options:    spec.Options,
			Properties: spec.Properties,
			Type:       spec.Type,
		},
	}
	return ds.WriteMachine(m)
}

func (r *Registry) String() string {
	return fmt.Sprintf("registry(%d machines, %d disks)", len(r.machines), len(r.disks))
}
