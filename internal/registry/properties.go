package registry

import (
	"github.com/dpedu/zhyperd/internal/supervisor"
	"github.com/dpedu/zhyperd/internal/zerrors"
)

// GetProperty reads one key from a machine's properties map. Reads are
// not gated on supervisor state.
func (r *Registry) GetProperty(id, key string) (interface{}, error) {
	entry, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	v, ok := entry.spec.Properties[key]
	if !ok {
		return nil, zerrors.New(zerrors.NotFound, "machine "+id+" has no property "+key)
	}
	return v, nil
}

// SetProperty sets one key in a machine's properties map and flushes the
// updated manifest. The supervisor must be Stopped.
func (r *Registry) SetProperty(id, key string, value interface{}) error {
	return r.mutateProperties(id, func(props map[string]interface{}) error {
		props[key] = value
		return nil
	})
}

// DelProperty removes one key from a machine's properties map and flushes
// the updated manifest. The supervisor must be Stopped.
func (r *Registry) DelProperty(id, key string) error {
	return r.mutateProperties(id, func(props map[string]interface{}) error {
		if _, ok := props[key]; !ok {
			return zerrors.New(zerrors.NotFound, "machine "+id+" has no property "+key)
		}
		delete(props, key)
		return nil
	})
}

func (r *Registry) mutateProperties(id string, mutate func(map[string]interface{}) error) error {
	entry, err := r.lookup(id)
	if err != nil {
		return err
	}

	if entry.sup.State() != supervisor.Stopped {
		return zerrors.New(zerrors.MachineBusy, "machine "+id+" must be stopped to modify")
	}

	entry.mu.Lock()
	if entry.spec.Properties == nil {
		entry.spec.Properties = map[string]interface{}{}
	}
	if err := mutate(entry.spec.Properties); err != nil {
		entry.mu.Unlock()
		return err
	}
	spec := entry.spec.Clone()
	entry.mu.Unlock()

	return r.persistMachine(id, spec)
}
