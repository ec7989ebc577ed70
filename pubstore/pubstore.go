// Package pubstore holds publications a bridge has accepted locally
// but not yet forwarded to its remote, in insertion order, until the
// remote pump acknowledges them (spec.md §4.6 "Store-and-forward
// spool"). It is the in-memory counterpart to package ring: the same
// Store contract can be backed by the disk-backed ring.Buffer or, for
// tests and for bridges that accept data loss on restart, by Memory.
package pubstore

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/golang-io/edgemq/session"
)

// Key identifies one stored publication. Values are strictly
// increasing in insertion order, mirroring the original bridge
// persistence layer's monotonic offset key.
type Key uint64

// Entry pairs a Key with the publication stored under it.
type Entry struct {
	Key   Key
	Pub   session.Publication
}

// Store is the contract a bridge's spool implements: insert appends,
// Get peeks the oldest n entries without removing them, Remove deletes
// one entry once its remote delivery is acknowledged (spec.md §4.6
// "At-least-once forwarding").
type Store interface {
	Insert(pub session.Publication) (Key, error)
	Get(amount int) []Entry
	Remove(key Key) error
	Len() int
}

// Memory is a bounded, ordered Store: a doubly linked list preserves
// insertion order for Get, and a map gives O(1) Remove by key. When
// Capacity is reached, Insert evicts the oldest entry rather than
// blocking the caller, since an edge bridge's spool is a best-effort
// buffer, not a durability guarantee.
type Memory struct {
	mu       sync.Mutex
	order    *list.List // of *entryNode, oldest at Front
	byKey    map[Key]*list.Element
	nextKey  Key
	Capacity int

	wake chan struct{} // closed and replaced whenever order becomes non-empty
}

type entryNode struct {
	key Key
	pub session.Publication
}

// NewMemory returns an empty Memory store. capacity <= 0 means
// unbounded.
func NewMemory(capacity int) *Memory {
	return &Memory{
		order:    list.New(),
		byKey:    make(map[Key]*list.Element),
		Capacity: capacity,
		wake:     make(chan struct{}),
	}
}

func (m *Memory) Insert(pub session.Publication) (Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasEmpty := m.order.Len() == 0

	key := m.nextKey
	m.nextKey++
	el := m.order.PushBack(&entryNode{key: key, pub: pub})
	m.byKey[key] = el

	if m.Capacity > 0 {
		for m.order.Len() > m.Capacity {
			front := m.order.Front()
			m.order.Remove(front)
			delete(m.byKey, front.Value.(*entryNode).key)
		}
	}

	if wasEmpty {
		close(m.wake)
		m.wake = make(chan struct{})
	}
	return key, nil
}

func (m *Memory) Get(amount int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	el := m.order.Front()
	for el != nil && len(out) < amount {
		n := el.Value.(*entryNode)
		out = append(out, Entry{Key: n.key, Pub: n.pub})
		el = el.Next()
	}
	return out
}

func (m *Memory) Remove(key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.byKey[key]
	if !ok {
		return fmt.Errorf("pubstore: unknown key %d", key)
	}
	m.order.Remove(el)
	delete(m.byKey, key)
	return nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// waitNonEmpty returns the channel closed the next time an Insert
// transitions the store from empty to non-empty, a snapshot taken
// under the lock so callers never miss a wakeup between checking Len
// and waiting.
func (m *Memory) waitNonEmpty() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wake
}
