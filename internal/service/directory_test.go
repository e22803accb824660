package service

import (
	"testing"
)

func TestDirectory_ReplaceAndRemove(t *testing.T) {
	dir := NewDirectory()
	first, _ := registeredConnection(t, Options{})
	second, _ := registeredConnection(t, Options{})

	if replaced := dir.Put(first); replaced != nil {
		t.Fatalf("Expected no replaced connection, got %v", replaced)
	}
	if replaced := dir.Put(second); replaced != first {
		t.Fatalf("Expected first connection to be replaced")
	}

	// A stale connection must not evict its successor
	if dir.Remove(first) {
		t.Error("Expected Remove of a replaced connection to be a no-op")
	}
	if c, ok := dir.Get("game"); !ok || c != second {
		t.Error("Expected second connection to stay registered")
	}

	if !dir.Remove(second) {
		t.Error("Expected Remove of the current connection to succeed")
	}
	if _, ok := dir.Get("game"); ok {
		t.Error("Expected empty slot after Remove")
	}
}

func TestDirectory_Snapshot(t *testing.T) {
	dir := NewDirectory()
	c, _ := registeredConnection(t, Options{})
	dir.Put(c)

	infos := dir.Snapshot()
	if len(infos) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(infos))
	}
	if infos[0].Name != "game" || infos[0].RegisteredAt.IsZero() {
		t.Errorf("Unexpected snapshot entry: %+v", infos[0])
	}
}
