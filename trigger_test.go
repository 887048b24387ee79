package gatekeep

import (
	"testing"
	"time"
)

func TestTriggerCounterCooldownSuppressesCounting(t *testing.T) {
	c := NewTriggerCounter(15*time.Second, 20*time.Minute)
	start := time.Unix(1000, 0)

	counted, n := c.Record("k", start)
	if !counted || n != 1 {
		t.Fatalf("first event: counted=%t n=%d, want true 1", counted, n)
	}

	// Events strictly faster than the cooldown never increase the total.
	for i := 1; i <= 4; i++ {
		counted, n = c.Record("k", start.Add(time.Duration(i)*time.Second))
		if counted {
			t.Fatalf("event %d inside cooldown was counted", i)
		}
		if n != 1 {
			t.Fatalf("event %d inside cooldown: n=%d, want 1", i, n)
		}
	}

	// An event exactly at the cooldown boundary is suppressed too: the
	// spacing must strictly exceed the cooldown.
	if counted, _ := c.Record("k", start.Add(15*time.Second)); counted {
		t.Fatal("event at exact cooldown boundary was counted")
	}

	if counted, n := c.Record("k", start.Add(16*time.Second)); !counted || n != 2 {
		t.Fatalf("event past cooldown: counted=%t n=%d, want true 2", counted, n)
	}
}

func TestTriggerCounterWindowMonotonic(t *testing.T) {
	c := NewTriggerCounter(15*time.Second, 20*time.Minute)
	start := time.Unix(1000, 0)

	for i := 0; i < 5; i++ {
		counted, n := c.Record("k", start.Add(time.Duration(i)*20*time.Second))
		if !counted {
			t.Fatalf("event %d spaced past cooldown was not counted", i)
		}
		if n != i+1 {
			t.Fatalf("event %d: n=%d, want %d", i, n, i+1)
		}
	}
}

func TestTriggerCounterWindowPruning(t *testing.T) {
	c := NewTriggerCounter(15*time.Second, 20*time.Minute)
	start := time.Unix(1000, 0)

	c.Record("k", start)
	c.Record("k", start.Add(30*time.Second))

	if n := c.Count("k", start.Add(time.Minute)); n != 2 {
		t.Fatalf("count inside window = %d, want 2", n)
	}
	if n := c.Count("k", start.Add(21*time.Minute)); n != 0 {
		t.Fatalf("count past window = %d, want 0", n)
	}
}

func TestTriggerCounterReset(t *testing.T) {
	c := NewTriggerCounter(time.Second, time.Minute)
	now := time.Unix(1000, 0)

	c.Record("k", now)
	c.Reset("k")

	if n := c.Count("k", now); n != 0 {
		t.Fatalf("count after reset = %d, want 0", n)
	}
}

func TestTriggerCounterSnapshotRestore(t *testing.T) {
	c := NewTriggerCounter(time.Second, 20*time.Minute)
	now := time.Unix(10000, 0)

	c.Record("a", now.Add(-25*time.Minute)) // outside window after restore
	c.Record("a", now.Add(-time.Minute))
	c.Record("b", now.Add(-10*time.Second))

	snap := c.Snapshot()

	restored := NewTriggerCounter(time.Second, 20*time.Minute)
	restored.Restore(snap, now)

	if n := restored.Count("a", now); n != 1 {
		t.Errorf("restored count(a) = %d, want 1", n)
	}
	if n := restored.Count("b", now); n != 1 {
		t.Errorf("restored count(b) = %d, want 1", n)
	}
}
