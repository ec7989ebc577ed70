package pubstore

import (
	"context"
	"testing"
	"time"

	"github.com/golang-io/edgemq/session"
)

func testPub(topic string) session.Publication {
	return session.Publication{Topic: topic, Payload: []byte("x"), QoS: 1}
}

func TestMemoryInsertGetRemove(t *testing.T) {
	m := NewMemory(0)

	k1, _ := m.Insert(testPub("a"))
	k2, _ := m.Insert(testPub("b"))

	entries := m.Get(10)
	if len(entries) != 2 {
		t.Fatalf("Get returned %d entries, want 2", len(entries))
	}
	if entries[0].Key != k1 || entries[1].Key != k2 {
		t.Fatalf("Get order wrong: %+v", entries)
	}

	if err := m.Remove(k1); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}

	if err := m.Remove(k1); err == nil {
		t.Fatal("Remove of already-removed key should error")
	}
}

func TestMemoryCapacityEvictsOldest(t *testing.T) {
	m := NewMemory(2)

	m.Insert(testPub("a"))
	k2, _ := m.Insert(testPub("b"))
	k3, _ := m.Insert(testPub("c"))

	entries := m.Get(10)
	if len(entries) != 2 {
		t.Fatalf("Get returned %d entries, want 2", len(entries))
	}
	if entries[0].Key != k2 || entries[1].Key != k3 {
		t.Fatalf("expected eviction of oldest entry, got %+v", entries)
	}
}

func TestLoaderOrdering(t *testing.T) {
	m := NewMemory(0)
	m.Insert(testPub("a"))
	m.Insert(testPub("b"))

	loader := NewLoader(m, 5)
	ctx := context.Background()

	e1, ok := loader.Next(ctx)
	if !ok || e1.Pub.Topic != "a" {
		t.Fatalf("first Next = %+v, ok=%v", e1, ok)
	}
	e2, ok := loader.Next(ctx)
	if !ok || e2.Pub.Topic != "b" {
		t.Fatalf("second Next = %+v, ok=%v", e2, ok)
	}
}

func TestLoaderBlocksUntilInsert(t *testing.T) {
	m := NewMemory(0)
	loader := NewLoader(m, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan Entry, 1)
	go func() {
		e, ok := loader.Next(ctx)
		if ok {
			done <- e
		}
	}()

	time.Sleep(50 * time.Millisecond)
	m.Insert(testPub("late"))

	select {
	case e := <-done:
		if e.Pub.Topic != "late" {
			t.Fatalf("got topic %q, want late", e.Pub.Topic)
		}
	case <-ctx.Done():
		t.Fatal("Next did not unblock after Insert")
	}
}

func TestLoaderNextRespectsCancellation(t *testing.T) {
	m := NewMemory(0)
	loader := NewLoader(m, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := loader.Next(ctx)
	if ok {
		t.Fatal("Next should report not-ok on a cancelled context with no data")
	}
}
