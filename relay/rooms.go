package relay

import (
	"sort"
	"sync"
)

// rooms tracks named groups used for signaling. Membership ends on disconnect.
type rooms struct {
	mu      sync.Mutex
	members map[string]map[string]struct{}
}

func newRooms() *rooms {
	return &rooms{members: make(map[string]map[string]struct{})}
}

// join adds id to room and returns the other members.
func (r *rooms) join(room, id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[room]
	if !ok {
		set = make(map[string]struct{})
		r.members[room] = set
	}

	others := make([]string, 0, len(set))
	for member := range set {
		if member != id {
			others = append(others, member)
		}
	}
	set[id] = struct{}{}
	sort.Strings(others)
	return others
}

// leave removes id from every room.
func (r *rooms) leave(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for room, set := range r.members {
		delete(set, id)
		if len(set) == 0 {
			delete(r.members, room)
		}
	}
}

func (r *rooms) size(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members[room])
}
