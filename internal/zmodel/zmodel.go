// Package zmodel holds the data model shared across the supervision,
// registry, runtime-driver, and API layers: machine and disk specs.
package zmodel

// MachineSpec is the declarative description of one supervised machine.
// Options are supervision-level; Properties are runtime-specific and
// opaque to everything except the runtime driver that interprets them.
type MachineSpec struct {
	Options    map[string]interface{} `json:"options"`
	Properties map[string]interface{} `json:"properties"`
	Type       string                 `json:"type"`
	Tags       map[string]string      `json:"tags,omitempty"`
}

func (s MachineSpec) Autostart() bool { return boolOpt(s.Options, "autostart") }
func (s MachineSpec) Respawn() bool   { return boolOpt(s.Options, "respawn") }

func (s MachineSpec) TimeoutSeconds(def int) int {
	if v, ok := s.Options["timeout_s"]; ok {
		if f, ok := v.(float64); ok {
			return int(f)
		}
	}
	return def
}

func boolOpt(m map[string]interface{}, key string) bool {
	if m == nil {
		return false
	}
	v, ok := m[key].(bool)
	return ok && v
}

// Clone returns a deep-enough copy for safe storage/return across the
// registry lock boundary: maps are copied one level deep.
func (s MachineSpec) Clone() MachineSpec {
	return MachineSpec{
		Options:    cloneMap(s.Options),
		Properties: cloneMap(s.Properties),
		Type:       s.Type,
		Tags:       cloneTags(s.Tags),
	}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTags(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DiskKind selects a disk driver variant.
type DiskKind string

const (
	DiskEmulated DiskKind = "emulated-disk"
	DiskISO      DiskKind = "iso"
)

// DiskSpec is the declarative description of one disk.
type DiskSpec struct {
	Options    map[string]interface{} `json:"options"`
	Properties map[string]interface{} `json:"properties"`
}

func (s DiskSpec) Kind() DiskKind {
	if v, ok := s.Options["type"].(string); ok {
		return DiskKind(v)
	}
	return ""
}

func (s DiskSpec) Datastore() string {
	if v, ok := s.Options["datastore"].(string); ok {
		return v
	}
	return "default"
}

func (s DiskSpec) Format() string {
	if v, ok := s.Properties["fmt"].(string); ok {
		return v
	}
	return "qcow2"
}

func (s DiskSpec) SizeMB() int {
	if v, ok := s.Properties["size_mb"].(float64); ok {
		return int(v)
	}
	return 0
}

func (s DiskSpec) Clone() DiskSpec {
	return DiskSpec{Options: cloneMap(s.Options), Properties: cloneMap(s.Properties)}
}
