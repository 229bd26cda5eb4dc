package store

import (
	"fmt"
	"sync"
)

// Memory is an in-memory Store for tests. It honors the same visibility
// contract as Dir: a write is either fully visible or absent, never partial.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{files: make(map[string][]byte)}
}

func (m *Memory) key(env string, st State, name string) string {
	return env + "/" + string(st) + "/" + name
}

func (m *Memory) List(env string, st State) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := env + "/" + string(st) + "/"
	var names []string
	for key := range m.files {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			names = append(names, key[len(prefix):])
		}
	}
	return names, nil
}

func (m *Memory) Read(env string, st State, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.files[m.key(env, st, name)]
	if !ok {
		return nil, fmt.Errorf("store: read %s/%s/%s: %w", env, st, name, ErrNotExist)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) WriteDurable(env string, st State, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	m.files[m.key(env, st, name)] = stored
	return nil
}

func (m *Memory) Move(env string, from, to State, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.key(env, from, name)
	data, ok := m.files[src]
	if !ok {
		return fmt.Errorf("store: move %s/%s/%s: %w", env, from, name, ErrNotExist)
	}
	delete(m.files, src)
	m.files[m.key(env, to, name)] = data
	return nil
}

func (m *Memory) Exists(env string, st State, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.files[m.key(env, st, name)]
	return ok, nil
}

func (m *Memory) Remove(env string, st State, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.files, m.key(env, st, name))
	return nil
}
