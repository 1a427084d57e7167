package carmodel

import "testing"

func TestIDGeneratorProducesUniqueIDs(t *testing.T) {
	g := NewIDGenerator("test-instance")
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := g.Next()
		if seen[id] {
			t.Fatalf("duplicate id produced: %s", id)
		}
		seen[id] = true
	}
}

func TestIDGeneratorIncludesInstance(t *testing.T) {
	g := NewIDGenerator("my-instance")
	id := g.Next()
	if len(id) < len("my-instance") {
		t.Fatalf("id %q shorter than instance prefix", id)
	}
	if id[:len("my-instance")] != "my-instance" {
		t.Errorf("id %q does not start with instance %q", id, "my-instance")
	}
}

func TestNewInstanceIDNonEmpty(t *testing.T) {
	if id := NewInstanceID(); id == "" {
		t.Error("NewInstanceID() returned empty string")
	}
}
