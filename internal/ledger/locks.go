package ledger

import (
	"sort"
	"sync"
)

// lockRef is one entity's mutex named by a globally comparable key.
type lockRef struct {
	key string
	mu  *sync.Mutex
}

func accountKey(id string) string { return "a/" + id }
func ownerKey(id string) string   { return "o/" + id }

// lockOrdered acquires every distinct lock in ascending key order and
// returns the matching unlock. All multi-entity operations go through here
// so no two of them can deadlock.
func lockOrdered(refs ...lockRef) (unlock func()) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].key < refs[j].key })
	held := make([]*sync.Mutex, 0, len(refs))
	var last string
	for i, r := range refs {
		if i > 0 && r.key == last {
			continue
		}
		r.mu.Lock()
		held = append(held, r.mu)
		last = r.key
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
