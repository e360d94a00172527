// Package subscription keeps track of which connections belong to which
// topic rooms. It knows nothing about the transport.
package subscription

import (
	"sort"
	"sync"

	"github.com/wailbentafat/solar-hub/events"
)

// Request is the body of a subscribe or unsubscribe frame. Either field may
// be absent.
type Request struct {
	DeviceID events.ID `json:"deviceId,omitempty"`
	PlantID  events.ID `json:"plantId,omitempty"`
}

// Topics returns the rooms the request names.
func (r Request) Topics() []string {
	return events.TopicsFor(r.DeviceID, r.PlantID)
}

// Registry maps connection ids to their set of topics, with the reverse
// index kept alongside for fan-out.
type Registry struct {
	mu      sync.RWMutex
	byConn  map[string]map[string]struct{}
	byTopic map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byConn:  make(map[string]map[string]struct{}),
		byTopic: make(map[string]map[string]struct{}),
	}
}

// Join adds connID to every topic in req. Joining a room twice is a no-op.
// It returns the topics that were newly joined.
func (r *Registry) Join(connID string, req Request) []string {
	topics := req.Topics()
	if len(topics) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var joined []string
	for _, topic := range topics {
		if add(r.byConn, connID, topic) {
			add(r.byTopic, topic, connID)
			joined = append(joined, topic)
		}
	}
	return joined
}

// Leave removes connID from every topic in req. A single Leave undoes any
// number of Joins. It returns the topics that were actually left.
func (r *Registry) Leave(connID string, req Request) []string {
	topics := req.Topics()
	if len(topics) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for _, topic := range topics {
		if remove(r.byConn, connID, topic) {
			remove(r.byTopic, topic, connID)
			left = append(left, topic)
		}
	}
	return left
}

// Drop forgets connID entirely.
func (r *Registry) Drop(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for topic := range r.byConn[connID] {
		remove(r.byTopic, topic, connID)
	}
	delete(r.byConn, connID)
}

// TopicsOf returns connID's topics in sorted order.
func (r *Registry) TopicsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.byConn[connID])
}

// IsMember reports whether connID is in topic.
func (r *Registry) IsMember(connID, topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byConn[connID][topic]
	return ok
}

// Members returns the union of connections in any of topics, sorted and
// without duplicates.
func (r *Registry) Members(topics ...string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	union := make(map[string]struct{})
	for _, topic := range topics {
		for connID := range r.byTopic[topic] {
			union[connID] = struct{}{}
		}
	}
	return keys(union)
}

// TopicCount returns the number of non-empty rooms.
func (r *Registry) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTopic)
}

func add(index map[string]map[string]struct{}, key, value string) bool {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	if _, exists := set[value]; exists {
		return false
	}
	set[value] = struct{}{}
	return true
}

func remove(index map[string]map[string]struct{}, key, value string) bool {
	set, ok := index[key]
	if !ok {
		return false
	}
	if _, exists := set[value]; !exists {
		return false
	}
	delete(set, value)
	if len(set) == 0 {
		delete(index, key)
	}
	return true
}

func keys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
