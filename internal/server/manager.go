package server

import (
	"sort"
	"sync"
)

// Provider is anything that can claim local paths.
type Provider interface {
	CanServe(localPath string) bool
}

type registration struct {
	provider Provider
	priority int
	seq      int
}

// Manager chooses which registered provider serves a local path. Higher
// priorities are asked first; equal priorities keep registration order.
type Manager struct {
	mutex     sync.RWMutex
	providers []registration
	seq       int
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds p at priority. Registering the same provider again replaces
// its priority.
func (m *Manager) Register(p Provider, priority int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.removeLocked(p)
	m.seq++
	m.providers = append(m.providers, registration{provider: p, priority: priority, seq: m.seq})
	sort.SliceStable(m.providers, func(i, j int) bool {
		a, b := m.providers[i], m.providers[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.seq < b.seq
	})
}

// Unregister removes p. Unknown providers are ignored.
func (m *Manager) Unregister(p Provider) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.removeLocked(p)
}

// Provider returns the first provider that claims localPath.
func (m *Manager) Provider(localPath string) (Provider, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, reg := range m.providers {
		if reg.provider.CanServe(localPath) {
			return reg.provider, true
		}
	}
	return nil, false
}

// Len returns the number of registered providers.
func (m *Manager) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.providers)
}

func (m *Manager) removeLocked(p Provider) {
	for i, reg := range m.providers {
		if reg.provider == p {
			m.providers = append(m.providers[:i], m.providers[i+1:]...)
			return
		}
	}
}
