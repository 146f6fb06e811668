package registry

import (
	"sync"

	"github.com/p-blackswan/agentcrew/internal/models"
)

// roleKey addresses one agent slot inside a project.
type roleKey struct {
	projectID int64
	role      models.Role
}

type indexNode struct {
	key     roleKey
	agentID int64
	prev    *indexNode
	next    *indexNode
}

// roleIndex is a bounded LRU of (project, role) → agent id.
// Agents are never deleted, so entries never go stale; eviction only bounds memory.
type roleIndex struct {
	mu       sync.Mutex
	capacity int
	items    map[roleKey]*indexNode
	head     *indexNode // most recently used (sentinel)
	tail     *indexNode // least recently used (sentinel)
}

func newRoleIndex(capacity int) *roleIndex {
	if capacity < 1 {
		capacity = 1
	}
	head, tail := &indexNode{}, &indexNode{}
	head.next = tail
	tail.prev = head
	return &roleIndex{
		capacity: capacity,
		items:    make(map[roleKey]*indexNode, capacity),
		head:     head,
		tail:     tail,
	}
}

func (x *roleIndex) get(k roleKey) (int64, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	n, ok := x.items[k]
	if !ok {
		return 0, false
	}
	x.unlink(n)
	x.pushFront(n)
	return n.agentID, true
}

func (x *roleIndex) put(k roleKey, agentID int64) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if n, ok := x.items[k]; ok {
		n.agentID = agentID
		x.unlink(n)
		x.pushFront(n)
		return
	}
	if len(x.items) >= x.capacity {
		victim := x.tail.prev
		x.unlink(victim)
		delete(x.items, victim.key)
	}
	n := &indexNode{key: k, agentID: agentID}
	x.items[k] = n
	x.pushFront(n)
}

func (x *roleIndex) len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.items)
}

// caller must hold mu
func (x *roleIndex) unlink(n *indexNode) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev, n.next = nil, nil
}

// caller must hold mu
func (x *roleIndex) pushFront(n *indexNode) {
	n.next = x.head.next
	n.prev = x.head
	x.head.next.prev = n
	x.head.next = n
}
