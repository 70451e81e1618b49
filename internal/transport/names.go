package transport

import "sync"

// nameTable remembers the display name each peer announced over
// presence, so link-level connect events can carry a human name.
type nameTable struct {
	mu    sync.RWMutex
	names map[string]string
}

func newNameTable() *nameTable {
	return &nameTable{names: make(map[string]string)}
}

func (t *nameTable) put(peerID, name string) {
	if name == "" {
		return
	}
	t.mu.Lock()
	t.names[peerID] = name
	t.mu.Unlock()
}

func (t *nameTable) get(peerID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.names[peerID]
}

// resolve finds the peer id that announced the given display name. With
// duplicate names the result is whichever entry the map yields first.
func (t *nameTable) resolve(name string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, n := range t.names {
		if n == name {
			return id, true
		}
	}
	return "", false
}
