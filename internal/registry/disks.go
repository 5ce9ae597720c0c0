package registry

import (
	"github.com/dpedu/zhyperd/internal/datastore"
	"github.com/dpedu/zhyperd/internal/supervisor"
	"github.com/dpedu/zhyperd/internal/zerrors"
	"github.com/dpedu/zhyperd/internal/zmodel"
)

// AddDisk creates (never updates) a disk: selects the variant from
// options.type, runs the variant's Init on the backing file (emulated-disk
// creates it and fails if it already exists; iso requires it to exist),
// and persists the manifest if requested.
func (r *Registry) AddDisk(id string, spec zmodel.DiskSpec, persist bool) error {
	if !validID(id) {
		return zerrors.New(zerrors.ValidationFailed, "disk id must be a nonempty filename-safe string")
	}

	driver, ok := diskDriverFor(spec.Kind())
	if !ok {
		return zerrors.New(zerrors.UnknownDiskType, string(spec.Kind()))
	}

	if err := driver.Validate(id); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.disks[id]; exists {
		r.mu.Unlock()
		return zerrors.New(zerrors.ValidationFailed, "disk "+id+" already exists (AddDisk does not update)")
	}
	r.mu.Unlock()

	ds, ok := r.stores.Get(spec.Datastore())
	if !ok {
		return zerrors.New(zerrors.DatastoreUninitialized, "datastore "+spec.Datastore())
	}
	path := ds.DiskBytesPath(id)

	if err := driver.Init(path, spec); err != nil {
		return err
	}

	r.mu.Lock()
	r.disks[id] = spec
	r.mu.Unlock()

	if persist {
		m := &datastore.DiskManifest{DiskID: id, Options: spec.Options, Properties: spec.Properties}
		if err := ds.WriteDisk(m); err != nil {
			return err
		}
	}

	return nil
}

// RemoveDisk deletes a disk after confirming no machine spec references
// it.
func (r *Registry) RemoveDisk(id string) error {
	r.mu.RLock()
	spec, ok := r.disks[id]
	r.mu.RUnlock()
	if !ok {
		return zerrors.New(zerrors.NotFound, "disk "+id)
	}

	if ref, machineID := r.diskReferencedBy(id); ref {
		return zerrors.New(zerrors.MachineBusy, "disk "+id+" is referenced by machine "+machineID)
	}

	driver, ok := diskDriverFor(spec.Kind())
	if !ok {
		return zerrors.New(zerrors.UnknownDiskType, string(spec.Kind()))
	}

	ds, ok := r.stores.Get(spec.Datastore())
	if !ok {
		return zerrors.New(zerrors.DatastoreUninitialized, "datastore "+spec.Datastore())
	}

	if err := driver.Delete(ds.DiskBytesPath(id)); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.disks, id)
	r.mu.Unlock()

	if err := ds.RemoveDisk(id); err != nil {
		return err
	}

	return nil
}

// diskReferencedBy scans every machine's drives/volumes properties for a
// reference to diskID.
func (r *Registry) diskReferencedBy(diskID string) (bool, string) {
	r.mu.RLock()
	entries := make([]*machineEntry, 0, len(r.machines))
	ids := make([]string, 0, len(r.machines))
	for id, e := range r.machines {
		entries = append(entries, e)
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for i, e := range entries {
		e.mu.Lock()
		props := e.spec.Properties
		e.mu.Unlock()

		if referencesDisk(props, "drives", "disk", diskID) {
			return true, ids[i]
		}
		if referencesDisk(props, "volumes", "disk", diskID) {
			return true, ids[i]
		}
	}

	return false, ""
}

func referencesDisk(props map[string]interface{}, listKey, refKey, diskID string) bool {
	list, _ := props[listKey].([]interface{})
	for _, raw := range list {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if v, _ := m[refKey].(string); v == diskID {
			return true
		}
	}
	return false
}

func (r *Registry) GetDisk(id string) (zmodel.DiskSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.disks[id]
	if !ok {
		return zmodel.DiskSpec{}, zerrors.New(zerrors.NotFound, "disk "+id)
	}
	return spec.Clone(), nil
}

type DiskSummary struct {
	ID     string
	Status string
	Spec   zmodel.DiskSpec
}

func (r *Registry) ListDisks() []DiskSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DiskSummary, 0, len(r.disks))
	for id, spec := range r.disks {
		out = append(out, DiskSummary{ID: id, Status: "idle", Spec: spec.Clone()})
	}
	return out
}

// isStoppedState is a small readability helper used by reconcile.go.
func isStoppedState(status string) bool { return status == supervisor.Stopped.String() }
