package tabmodel

import (
	"sync"

	"github.com/devrev/tabstore/internal/storage/prefs"
)

// IntPrefs is the part of the prefs store the id manager needs
type IntPrefs interface {
	Int(key string, def int) int
	SetInt(key string, value int)
}

// IDManager hands out process-unique tab ids. The next id is persisted on
// every change so ids are never reused across restarts.
type IDManager struct {
	mu    sync.Mutex
	next  int
	prefs IntPrefs
}

// NewIDManager seeds the counter from the persisted next id
func NewIDManager(p IntPrefs) *IDManager {
	next := p.Int(prefs.KeyNextTabID, 0)
	if next < 0 {
		next = 0
	}
	return &IDManager{next: next, prefs: p}
}

// Generate returns a fresh id
func (m *IDManager) Generate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.prefs.SetInt(prefs.KeyNextTabID, m.next)
	return id
}

// IncrementTo makes sure every id generated from now on is at least next
func (m *IDManager) IncrementTo(next int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next <= m.next {
		return
	}
	m.next = next
	m.prefs.SetInt(prefs.KeyNextTabID, m.next)
}

// Peek returns the id the next Generate call will return
func (m *IDManager) Peek() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}
