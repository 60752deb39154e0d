package persist

import "sync"

// Memory is an in-memory DurableStore. It does not survive the process,
// which makes it useful for tests and for running without a state file.
type Memory struct {
	mutex  *sync.RWMutex
	states map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{
		mutex:  &sync.RWMutex{},
		states: make(map[string][]byte),
	}
}

func (m *Memory) Load(name string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	data, ok := m.states[name]
	return data, ok, nil
}

func (m *Memory) Save(name string, data []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.states[name] = data
	return nil
}

func (m *Memory) Clear(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.states, name)
	return nil
}
