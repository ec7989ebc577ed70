package pubstore

import "context"

// Loader extracts stored publications in order, pulling a fresh batch
// from the Store whenever its local buffer is exhausted (spec.md §4.6
// "Store-and-forward spool"). It is the Go counterpart of the bridge's
// MessageLoader stream: rather than a Waker registered with a polling
// executor, Next blocks on the store's wake channel until Insert makes
// the store non-empty.
type Loader struct {
	store     Store
	batchSize int
	batch     []Entry
}

// NewLoader builds a Loader over store, refilling batchSize entries at
// a time.
func NewLoader(store Store, batchSize int) *Loader {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Loader{store: store, batchSize: batchSize}
}

// Next returns the oldest not-yet-removed entry. Over a *Memory store it
// blocks until one is available or ctx is done; over any other store it
// returns ok=false at once when the store is empty.
func (l *Loader) Next(ctx context.Context) (Entry, bool) {
	for {
		if len(l.batch) > 0 {
			e := l.batch[0]
			l.batch = l.batch[1:]
			return e, true
		}

		l.batch = l.store.Get(l.batchSize)
		if len(l.batch) > 0 {
			continue
		}

		mem, isMemory := l.store.(*Memory)
		if !isMemory {
			// Non-Memory stores (e.g. a disk-backed ring.Buffer) have no
			// wake channel; the bridge's caller is responsible for
			// re-invoking Next on its own retry/poll cadence.
			return Entry{}, false
		}
		select {
		case <-ctx.Done():
			return Entry{}, false
		case <-mem.waitNonEmpty():
		}
	}
}
