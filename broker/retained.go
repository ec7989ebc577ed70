package broker

import (
	"time"

	"github.com/golang-io/edgemq/session"
	"github.com/golang-io/edgemq/topic"
)

// retainedEntry pairs a retained Publication with the time it was set,
// the bookkeeping the time-to-live bound needs (spec.md §8 invariant
// "now - r.timestamp < expiration").
type retainedEntry struct {
	pub       session.Publication
	timestamp time.Time
}

// retainedStore holds the broker's retained messages, at most one per
// topic, bounded by a time-to-live and a maximum count evicted
// oldest-first when the bound is exceeded (spec.md §3 "Retained
// messages", §6 "broker.retained"). It is only ever touched by the
// broker's single goroutine, so it carries no locking of its own, the
// same ownership rule as topic.Trie.
type retainedStore struct {
	expiration time.Duration // <= 0 disables TTL eviction
	maxCount   int           // <= 0 disables count eviction

	entries map[string]retainedEntry
}

// newRetainedStore builds an empty store. expiration <= 0 means retained
// messages never expire by age; maxCount <= 0 means no count bound.
func newRetainedStore(expiration time.Duration, maxCount int) *retainedStore {
	return &retainedStore{
		expiration: expiration,
		maxCount:   maxCount,
		entries:    make(map[string]retainedEntry),
	}
}

// Set stores pub as the retained message for its topic at time now, or
// clears it when the payload is empty [MQTT-3.3.1-10], then evicts the
// oldest entries if the store is over its configured maximum count.
func (r *retainedStore) Set(pub session.Publication, now time.Time) {
	if len(pub.Payload) == 0 {
		delete(r.entries, pub.Topic)
		return
	}
	r.entries[pub.Topic] = retainedEntry{pub: pub, timestamp: now}
	r.evictOldest()
}

func (r *retainedStore) evictOldest() {
	if r.maxCount <= 0 {
		return
	}
	for len(r.entries) > r.maxCount {
		var oldestTopic string
		var oldestAt time.Time
		first := true
		for t, e := range r.entries {
			if first || e.timestamp.Before(oldestAt) {
				oldestTopic, oldestAt, first = t, e.timestamp, false
			}
		}
		delete(r.entries, oldestTopic)
	}
}

// Match returns every still-alive retained publication whose topic
// matches filter, as of now (spec.md §8 "now - r.timestamp < expiration").
func (r *retainedStore) Match(filter string, now time.Time) []session.Publication {
	var out []session.Publication
	for t, e := range r.entries {
		if r.expired(e, now) || !topic.Matches(filter, t) {
			continue
		}
		out = append(out, e.pub)
	}
	return out
}

func (r *retainedStore) expired(e retainedEntry, now time.Time) bool {
	return r.expiration > 0 && now.Sub(e.timestamp) >= r.expiration
}

// sweep drops every entry past its expiration, the same periodic idiom
// as Broker.sweepExpiredSessions.
func (r *retainedStore) sweep(now time.Time) {
	if r.expiration <= 0 {
		return
	}
	for t, e := range r.entries {
		if r.expired(e, now) {
			delete(r.entries, t)
		}
	}
}
