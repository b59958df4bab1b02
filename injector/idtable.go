package injector

import "sync"

type identifierEntry struct {
	objectType string
	remoteID   string
}

// IdentifierTable maps local ids to system-assigned ids for a single run,
// remembering the object type each id was created as. Writes are
// once-per-key: the first remote id recorded for a local id sticks for the
// rest of the run. Absence means the record has not been created yet or
// failed.
type IdentifierTable struct {
	mu sync.RWMutex
	m  map[string]identifierEntry
}

func NewIdentifierTable() *IdentifierTable {
	return &IdentifierTable{m: make(map[string]identifierEntry)}
}

// Set records the remote id a local id resolved to and the object type it
// was created as. It reports false, leaving the existing entry untouched,
// if the key was already set.
func (t *IdentifierTable) Set(localID, objectType, remoteID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[localID]; ok {
		return false
	}
	t.m[localID] = identifierEntry{objectType: objectType, remoteID: remoteID}
	return true
}

// Lookup returns the remote id recorded for a local id.
func (t *IdentifierTable) Lookup(localID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.m[localID]
	return entry.remoteID, ok
}

// LookupTyped returns the remote id recorded for a local id together with
// the object type it belongs to.
func (t *IdentifierTable) LookupTyped(localID string) (remoteID, objectType string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.m[localID]
	return entry.remoteID, entry.objectType, ok
}

// Len returns the number of recorded identifiers.
func (t *IdentifierTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}
