package session

import (
	"testing"
	"time"
)

func TestClientIDConstructors(t *testing.T) {
	sg := NewServerGenerated("generated-1")
	if !sg.ServerAssigned() || !sg.CleanSession() {
		t.Fatalf("NewServerGenerated: %+v", sg)
	}

	cs := NewCleanSession("client-1")
	if cs.ServerAssigned() || !cs.CleanSession() {
		t.Fatalf("NewCleanSession: %+v", cs)
	}

	ps := NewPersistentSession("client-2")
	if ps.ServerAssigned() || ps.CleanSession() {
		t.Fatalf("NewPersistentSession: %+v", ps)
	}
	if ps.String() != "client-2" {
		t.Fatalf("String() = %q, want client-2", ps.String())
	}
}

func TestAllocatePacketIDSkipsZeroAndInUse(t *testing.T) {
	s := New(NewCleanSession("c1"), 4, 60)
	s.NextPacketID = 0xFFFE // force a wraparound soon

	first := s.AllocatePacketID()
	if first == 0 {
		t.Fatal("AllocatePacketID must never return 0")
	}
	second := s.AllocatePacketID()
	if second == 0 {
		t.Fatal("AllocatePacketID must never return 0 after wraparound")
	}

	s.OutInflight[1] = Publication{Topic: "a"}
	s.NextPacketID = 0
	id := s.AllocatePacketID()
	if id == 1 {
		t.Fatal("AllocatePacketID must skip an identifier already in OutInflight")
	}
}

func TestIdleRequiresOfflineAndElapsedTime(t *testing.T) {
	s := New(NewPersistentSession("c1"), 4, 60)

	if s.Idle(time.Minute, time.Now()) {
		t.Fatal("a Transient session must never report Idle")
	}

	s.State = Offline
	s.DisconnectedAt = time.Now().Add(-2 * time.Hour)
	if !s.Idle(time.Hour, time.Now()) {
		t.Fatal("an Offline session disconnected beyond ttl should be Idle")
	}
	if s.Idle(3*time.Hour, time.Now()) {
		t.Fatal("an Offline session within ttl should not be Idle")
	}
}
