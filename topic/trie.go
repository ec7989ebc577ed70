package topic

import "strings"

// Subscriber is one session's interest in a filter, recorded at the node
// for that filter's final level.
type Subscriber struct {
	SessionID string
	MaxQoS    uint8
}

type node struct {
	path     string
	children map[string]*node
	subs     map[string]uint8 // sessionID -> granted max QoS
}

func newNode(path string) *node {
	return &node{path: path, children: make(map[string]*node)}
}

// Trie indexes subscriptions by filter so that Match(topicName) can find
// every interested session in O(levels) time instead of scanning every
// subscription (spec.md §4.3 "Publish"). The broker owns the only
// goroutine that touches a Trie, so it carries no internal locking
// (spec.md §5).
type Trie struct {
	root *node
}

// NewTrie returns an empty subscription trie.
func NewTrie() *Trie {
	return &Trie{root: newNode("")}
}

// Subscribe records that sessionID wants publications matching filter at
// maxQoS, replacing any previous subscription by that session to the same
// filter (spec.md §4.3 "Subscribe": re-subscribing replaces the prior
// grant).
func (t *Trie) Subscribe(filter, sessionID string, maxQoS uint8) error {
	if err := ValidFilter(filter); err != nil {
		return err
	}
	n := t.root
	for _, level := range strings.Split(filter, "/") {
		next, ok := n.children[level]
		if !ok {
			next = newNode(level)
			n.children[level] = next
		}
		n = next
	}
	if n.subs == nil {
		n.subs = make(map[string]uint8)
	}
	n.subs[sessionID] = maxQoS
	return nil
}

// Unsubscribe removes sessionID's subscription to filter, if any, and
// prunes now-empty nodes back toward the root.
func (t *Trie) Unsubscribe(filter, sessionID string) {
	levels := strings.Split(filter, "/")
	path := make([]*node, 0, len(levels)+1)
	path = append(path, t.root)

	n := t.root
	for _, level := range levels {
		next, ok := n.children[level]
		if !ok {
			return
		}
		path = append(path, next)
		n = next
	}
	delete(n.subs, sessionID)

	for i := len(path) - 1; i > 0; i-- {
		leaf := path[i]
		if len(leaf.subs) == 0 && len(leaf.children) == 0 {
			delete(path[i-1].children, leaf.path)
		} else {
			break
		}
	}
}

// RemoveSession drops every subscription belonging to sessionID, used
// when a session expires or is superseded (spec.md §3 "Session expiry").
func (t *Trie) RemoveSession(sessionID string) {
	var walk func(n *node) bool
	walk = func(n *node) bool {
		delete(n.subs, sessionID)
		for k, child := range n.children {
			if walk(child) {
				delete(n.children, k)
			}
		}
		return len(n.subs) == 0 && len(n.children) == 0
	}
	walk(t.root)
}

// Match returns, for each session subscribed by a filter matching
// topicName, the highest granted QoS across all matching filters
// (spec.md §4.3 "Publish": fan out to every session whose subscription
// matches, at the minimum of the publication's QoS and the session's
// granted QoS).
func (t *Trie) Match(topicName string) map[string]uint8 {
	levels := strings.Split(topicName, "/")
	out := make(map[string]uint8)

	firstIsDollar := len(levels) > 0 && strings.HasPrefix(levels[0], "$")

	var walk func(n *node, i int, atRoot bool)
	walk = func(n *node, i int, atRoot bool) {
		if i == len(levels) {
			for sid, qos := range n.subs {
				if cur, ok := out[sid]; !ok || qos > cur {
					out[sid] = qos
				}
			}
			// A trailing '#' also matches zero levels: "a/#" matches "a".
			if child, ok := n.children["#"]; ok {
				for sid, qos := range child.subs {
					if cur, ok := out[sid]; !ok || qos > cur {
						out[sid] = qos
					}
				}
			}
			return
		}
		level := levels[i]

		if child, ok := n.children[level]; ok {
			walk(child, i+1, false)
		}
		if !(atRoot && firstIsDollar) {
			if child, ok := n.children["+"]; ok {
				walk(child, i+1, false)
			}
		}
		if !(atRoot && firstIsDollar) {
			if child, ok := n.children["#"]; ok {
				for sid, qos := range child.subs {
					if cur, ok := out[sid]; !ok || qos > cur {
						out[sid] = qos
					}
				}
			}
		}
	}
	walk(t.root, 0, true)
	return out
}
