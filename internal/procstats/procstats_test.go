//go:build linux

package procstats

import (
	"os"
	"testing"
	"time"
)

func TestGetSelf(t *testing.T) {
	p, err := Get(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}

	if p.ProcessStat == nil || p.ProcessStatm == nil {
		t.Fatal("expected stat and statm to be populated")
	}
	if p.Resident() == 0 {
		t.Fatal("expected nonzero resident size for a live process")
	}
}

func TestCPUIsNonNegative(t *testing.T) {
	p1, err := Get(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)

	p2, err := Get(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}

	if cpu := p1.CPU(p2); cpu < 0 {
		t.Fatalf("cpu%% must be non-negative, got %v", cpu)
	}
}

func TestGetMissingPidFails(t *testing.T) {
	if _, err := Get(1 << 30); err == nil {
		t.Fatal("expected error for nonexistent pid")
	}
}
