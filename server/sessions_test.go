package server

import (
	"testing"

	"github.com/google/uuid"
)

func TestTryAddRejectsDuplicateOrderedPair(t *testing.T) {
	manager := NewSessionManager()

	if !manager.TryAdd("sender", "receiver") {
		t.Fatal("first TryAdd rejected")
	}
	if manager.TryAdd("sender", "receiver") {
		t.Fatal("duplicate ordered pair accepted")
	}
	// Reversed roles are a different pair.
	if !manager.TryAdd("receiver", "sender") {
		t.Fatal("reversed pair rejected")
	}
}

func TestSessionLookupsByRole(t *testing.T) {
	manager := NewSessionManager()
	manager.TryAdd("a", "b")
	manager.TryAdd("c", "d")

	if s := manager.GetBySender("a"); s == nil || s.ReceiverConnectionID != "b" {
		t.Fatalf("GetBySender(a) = %+v", s)
	}
	if s := manager.GetByReceiver("d"); s == nil || s.SenderConnectionID != "c" {
		t.Fatalf("GetByReceiver(d) = %+v", s)
	}
	if s := manager.GetBySenderAndReceiver("a", "d"); s != nil {
		t.Fatalf("mismatched pair returned %+v", s)
	}
	if s := manager.GetBySenderAndReceiver("c", "d"); s == nil {
		t.Fatal("exact pair not found")
	}
}

func TestRemoveByConnectionIDCoversBothRoles(t *testing.T) {
	manager := NewSessionManager()
	manager.TryAdd("x", "y")
	manager.TryAdd("z", "x")
	manager.TryAdd("p", "q")

	removed := manager.RemoveByConnectionID("x")
	if len(removed) != 2 {
		t.Fatalf("removed %d sessions, want 2", len(removed))
	}
	if manager.GetBySender("x") != nil || manager.GetByReceiver("x") != nil {
		t.Fatal("connection x still present after removal")
	}
	if manager.GetBySender("p") == nil {
		t.Fatal("unrelated session removed")
	}
}

func TestSessionChannelLifecycle(t *testing.T) {
	session := newSession("s", "r")
	fileID := uuid.New()

	created := session.CreateChannel(fileID, 2, true)
	if !created.Last() {
		t.Fatal("channel lost its last-file mark")
	}

	got, ok := session.Channel(fileID)
	if !ok || got != created {
		t.Fatal("channel lookup failed")
	}

	session.RemoveChannel(fileID)
	if _, ok := session.Channel(fileID); ok {
		t.Fatal("channel still present after removal")
	}
}

func TestRegistryBijection(t *testing.T) {
	registry := NewRegistry()

	seen := make(map[int64]bool)
	for i := 0; i < 100; i++ {
		connectionID := uuid.NewString()
		sessionID := registry.Add(connectionID)

		if sessionID < SessionIDMin || sessionID >= SessionIDMax {
			t.Fatalf("session id %d out of 11-digit range", sessionID)
		}
		if seen[sessionID] {
			t.Fatalf("session id %d issued twice", sessionID)
		}
		seen[sessionID] = true

		if got, ok := registry.SessionID(connectionID); !ok || got != sessionID {
			t.Fatalf("SessionID(%s) = %d, %v", connectionID, got, ok)
		}
		if got, ok := registry.ConnectionID(sessionID); !ok || got != connectionID {
			t.Fatalf("ConnectionID(%d) = %s, %v", sessionID, got, ok)
		}
	}
}

func TestRegistryRemovalDropsBothDirections(t *testing.T) {
	registry := NewRegistry()
	sessionID := registry.Add("conn-1")

	registry.RemoveByConnectionID("conn-1")
	if _, ok := registry.SessionID("conn-1"); ok {
		t.Fatal("connection mapping survived removal")
	}
	if _, ok := registry.ConnectionID(sessionID); ok {
		t.Fatal("session mapping survived removal")
	}

	sessionID = registry.Add("conn-2")
	registry.RemoveBySessionID(sessionID)
	if _, ok := registry.SessionID("conn-2"); ok {
		t.Fatal("connection mapping survived session removal")
	}
}
