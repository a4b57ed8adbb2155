package channels

import (
	"sort"
	"sync"

	"github.com/mngfx/market-feed/pkg/models"
)

// Registry maps group names to their current members.
//
// Broadcast holds the read lock for the whole fan-out, so a member removed
// concurrently is either visited once or not at all.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]map[string]Member
}

func NewRegistry() *Registry {
	return &Registry{groups: make(map[string]map[string]Member)}
}

// Add puts m in group, replacing any member with the same ID. It reports
// whether the group was empty before.
func (r *Registry) Add(group string, m Member) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.groups[group]
	if !ok {
		members = make(map[string]Member)
		r.groups[group] = members
	}
	first = len(members) == 0
	members[m.ID()] = m
	return first
}

// Discard removes the member from group. Removing an absent member is a
// no-op. last is true when this call emptied the group.
func (r *Registry) Discard(group, id string) (removed, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.groups[group]
	if !ok {
		return false, false
	}
	if _, ok := members[id]; !ok {
		return false, false
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.groups, group)
		return true, true
	}
	return true, false
}

// Broadcast delivers ev to every member of group. Members that refuse the
// event are counted as skipped.
func (r *Registry) Broadcast(group string, ev models.Event) (delivered, skipped int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.groups[group] {
		if m.Deliver(ev) {
			delivered++
		} else {
			skipped++
		}
	}
	return delivered, skipped
}

// Members returns the sorted member IDs of group.
func (r *Registry) Members(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.groups[group]))
	for id := range r.groups[group] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Count(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[group])
}
