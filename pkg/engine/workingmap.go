package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// WorkingMap is the run-scoped key/value data produced by earlier stages and consumed by later ones.
// Values are stored as JSON so the map survives a restart byte for byte.
// Keys are never removed.
type WorkingMap struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

// NewWorkingMap creates an empty working map.
func NewWorkingMap() *WorkingMap {
	return &WorkingMap{values: make(map[string]json.RawMessage)}
}

// WorkingMapFromJSON restores a working map persisted with MarshalJSON.
func WorkingMapFromJSON(data []byte) (*WorkingMap, error) {
	wm := NewWorkingMap()
	if len(data) == 0 {
		return wm, nil
	}
	if err := json.Unmarshal(data, &wm.values); err != nil {
		return nil, fmt.Errorf("failed to decode working map: %w", err)
	}
	if wm.values == nil {
		wm.values = make(map[string]json.RawMessage)
	}
	return wm, nil
}

// Put stores value under key, replacing any earlier value written by a re-invoked stage.
func (w *WorkingMap) Put(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode working map key %s: %w", key, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.values[key] = data
	return nil
}

// PutIfAbsent stores value only when key is not set yet.
// It reports whether the value was stored.
func (w *WorkingMap) PutIfAbsent(key string, value interface{}) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to encode working map key %s: %w", key, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.values[key]; ok {
		return false, nil
	}
	w.values[key] = data
	return true, nil
}

// Get decodes the value of key into out. It reports false when the key is absent.
func (w *WorkingMap) Get(key string, out interface{}) (bool, error) {
	w.mu.RLock()
	data, ok := w.values[key]
	w.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return true, fmt.Errorf("failed to decode working map key %s: %w", key, err)
	}
	return true, nil
}

// GetString returns the string value of key, or "" when absent or not a string.
func (w *WorkingMap) GetString(key string) string {
	var s string
	if ok, err := w.Get(key, &s); !ok || err != nil {
		return ""
	}
	return s
}

// Has reports whether key is set.
func (w *WorkingMap) Has(key string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.values[key]
	return ok
}

// Keys returns the sorted set of keys.
func (w *WorkingMap) Keys() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.values))
	for k := range w.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the raw values.
func (w *WorkingMap) Snapshot() map[string]json.RawMessage {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(w.values))
	for k, v := range w.values {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (w *WorkingMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.Snapshot())
}

// UnmarshalJSON implements json.Unmarshaler.
func (w *WorkingMap) UnmarshalJSON(data []byte) error {
	values := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	if values == nil {
		values = make(map[string]json.RawMessage)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.values = values
	return nil
}
