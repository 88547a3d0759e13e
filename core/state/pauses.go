package state

import (
	"sort"
	"strings"
)

// IsPaused reports whether module is currently paused.
func (m *Manager) IsPaused(module string) bool {
	var paused []string
	if _, err := m.KVGet(ModulePausesKey(), &paused); err != nil {
		return false
	}
	name := strings.TrimSpace(module)
	for _, entry := range paused {
		if entry == name {
			return true
		}
	}
	return false
}

// SetPaused toggles the pause flag of module.
func (m *Manager) SetPaused(module string, paused bool) error {
	name := strings.TrimSpace(module)
	var current []string
	if _, err := m.KVGet(ModulePausesKey(), &current); err != nil {
		return err
	}
	next := make([]string, 0, len(current)+1)
	for _, entry := range current {
		if entry != name {
			next = append(next, entry)
		}
	}
	if paused {
		next = append(next, name)
	}
	sort.Strings(next)
	if len(next) == 0 {
		return m.KVDelete(ModulePausesKey())
	}
	return m.KVPut(ModulePausesKey(), next)
}
