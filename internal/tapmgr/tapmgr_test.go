package tapmgr

import "testing"

func TestNextNameCountsUpFromOne(t *testing.T) {
	m := New()

	// A fresh manager hands out tap1, then tap2. The collision probe runs
	// against the host's real interface list, so this assumes the test
	// host has no tap1 or tap2 interface.
	name, err := m.nextName()
	if err != nil {
		t.Fatalf("nextName: %v", err)
	}
	if name != "tap1" {
		t.Fatalf("expected first allocation to be tap1, got %s", name)
	}

	name2, err := m.nextName()
	if err != nil {
		t.Fatalf("nextName: %v", err)
	}
	if name2 != "tap2" {
		t.Fatalf("expected second allocation to be tap2, got %s", name2)
	}
}
