package datastore

import (
	"encoding/json"
	"os"
)

// MachineManifest is the on-disk schema for one machine spec.
type MachineManifest struct {
	MachineID string              `json:"machine_id"`
	Spec      MachineManifestSpec `json:"spec"`
}

type MachineManifestSpec struct {
	Options    map[string]interface{} `json:"options"`
	Properties map[string]interface{} `json:"properties"`
	Type       string                 `json:"type"`
}

// DiskManifest is the on-disk schema for one disk spec.
type DiskManifest struct {
	DiskID     string                 `json:"disk_id"`
	Options    map[string]interface{} `json:"options"`
	Properties map[string]interface{} `json:"properties"`
}

func (ds *Datastore) machinePath(id string) string { return ds.Resolve("machines", id+".json") }
func (ds *Datastore) diskPath(id string) string    { return ds.Resolve("disks", id+".json") }

// WriteMachine writes a full-file rewrite of a machine manifest, using a
// temp-file-then-rename for crash safety.
func (ds *Datastore) WriteMachine(m *MachineManifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(ds.machinePath(m.MachineID), b)
}

func (ds *Datastore) ReadMachine(id string) (*MachineManifest, error) {
	b, err := os.ReadFile(ds.machinePath(id))
	if err != nil {
		return nil, err
	}
	var m MachineManifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (ds *Datastore) RemoveMachine(id string) error {
	err := os.Remove(ds.machinePath(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (ds *Datastore) ListMachines() ([]string, error) {
	return ds.List("machines", ".json")
}

func (ds *Datastore) WriteDisk(d *DiskManifest) error {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(ds.diskPath(d.DiskID), b)
}

func (ds *Datastore) ReadDisk(id string) (*DiskManifest, error) {
	b, err := os.ReadFile(ds.diskPath(id))
	if err != nil {
		return nil, err
	}
	var d DiskManifest
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (ds *Datastore) RemoveDisk(id string) error {
	err := os.Remove(ds.diskPath(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (ds *Datastore) ListDisks() ([]string, error) {
	return ds.List("disks", ".json")
}

// DiskBytesPath is where the raw disk bytes for id live, as a sibling of
// the disk manifest.
func (ds *Datastore) DiskBytesPath(id string) string {
	return ds.Resolve("disks", id)
}
