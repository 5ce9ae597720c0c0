// Package datastore implements the rooted-directory datastore (component A)
// and the JSON manifest state store built on top of it (component F).
package datastore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dpedu/zhyperd/internal/zlog"
)

const markerName = ".datastore.json"

var ErrUninitialized = errors.New("datastore uninitialized")

// Datastore is a rooted directory holding machine/disk manifests and raw
// disk bytes, identified by a marker file.
type Datastore struct {
	Name string
	Root string
}

type marker struct {
	Name string `json:"name"`
}

// Open verifies (and optionally creates) a datastore rooted at path. A
// freshly opened datastore always has machines/ and disks/ present.
func Open(name, path string, initOK bool) (*Datastore, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create datastore root: %w", err)
	}

	markerPath := filepath.Join(path, markerName)
	if _, err := os.Stat(markerPath); os.IsNotExist(err) {
		if !initOK {
			return nil, ErrUninitialized
		}
		m := marker{Name: name}
		b, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return nil, err
		}
		if err := writeFileAtomic(markerPath, b); err != nil {
			return nil, fmt.Errorf("write datastore marker: %w", err)
		}
	} else if err != nil {
		return nil, err
	}

	ds := &Datastore{Name: name, Root: path}
	for _, sub := range []string{"machines", "disks"} {
		if err := os.MkdirAll(ds.Resolve(sub), 0755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}

	return ds, nil
}

// Resolve joins the datastore root with the given path segments. It does
// not validate existence of the result.
func (ds *Datastore) Resolve(segments ...string) string {
	return filepath.Join(append([]string{ds.Root}, segments...)...)
}

// List returns the base names (without the suffix) of files directly under
// subdir whose name ends with suffix.
func (ds *Datastore) List(subdir, suffix string) ([]string, error) {
	dir := ds.Resolve(subdir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), suffix) {
			out = append(out, strings.TrimSuffix(e.Name(), suffix))
		}
	}
	return out, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Set is a named collection of Datastores resolved by name, used by the
// registry to look up the datastore referenced by a disk spec.
type Set struct {
	stores map[string]*Datastore
}

func NewSet() *Set {
	return &Set{stores: map[string]*Datastore{}}
}

func (s *Set) Add(ds *Datastore) {
	s.stores[ds.Name] = ds
}

func (s *Set) Get(name string) (*Datastore, bool) {
	ds, ok := s.stores[name]
	return ds, ok
}

func (s *Set) Default() (*Datastore, bool) {
	return s.Get("default")
}

// All returns every configured datastore, in no particular order.
func (s *Set) All() []*Datastore {
	out := make([]*Datastore, 0, len(s.stores))
	for _, ds := range s.stores {
		out = append(out, ds)
	}
	return out
}

// LogMissing is a small helper so callers that tolerate a missing
// datastore can note it without crashing.
func LogMissing(name string) {
	zlog.Warn("datastore %q not found in configured set", name)
}
