package state

import "fmt"

// StatesFile is the name the registry is persisted under.
const StatesFile = "states.json"

// Store is the persistence adapter the registry reads and writes through.
type Store interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
}

// ReadStates loads metadata and last-known values from store. On error the
// registry keeps its current contents.
func (r *Registry) ReadStates(store Store) error {
	data, err := store.ReadFile(StatesFile)
	if err != nil {
		return fmt.Errorf("read states: %w", err)
	}
	if err := r.restoreJSON(data); err != nil {
		return fmt.Errorf("load states: %w", err)
	}
	return nil
}

func (r *Registry) WriteStates(store Store) error {
	data, err := r.BuildJSON()
	if err != nil {
		return fmt.Errorf("build states: %w", err)
	}
	if err := store.WriteFile(StatesFile, data); err != nil {
		return fmt.Errorf("write states: %w", err)
	}
	return nil
}
