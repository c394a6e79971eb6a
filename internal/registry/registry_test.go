package registry

import (
	"testing"
	"time"
)

func TestRegisterNewVsRefresh(t *testing.T) {
	r := New(30 * time.Second)
	addr := Addr{IP: "10.0.0.1", Port: 7779}

	if isNew := r.Register(addr); !isNew {
		t.Fatal("first registration should report isNew=true")
	}
	if isNew := r.Register(addr); isNew {
		t.Fatal("second registration of the same address should report isNew=false")
	}
}

func TestPickReturnsFalseWhenEmpty(t *testing.T) {
	r := New(30 * time.Second)
	if _, ok := r.Pick(true); ok {
		t.Fatal("Pick on an empty registry should return false")
	}
}

func TestPickPrefersIdle(t *testing.T) {
	r := New(30 * time.Second)
	busy := Addr{IP: "10.0.0.1", Port: 1}
	idle := Addr{IP: "10.0.0.2", Port: 2}
	r.Register(busy)
	r.Register(idle)
	r.Assign(busy, 1)

	picked, ok := r.Pick(true)
	if !ok || picked != idle {
		t.Fatalf("Pick(preferIdle=true) = %+v, want the idle worker %+v", picked, idle)
	}
}

func TestCompleteUpdatesAverageLatency(t *testing.T) {
	r := New(30 * time.Second)
	addr := Addr{IP: "10.0.0.1", Port: 1}
	r.Register(addr)
	r.Assign(addr, 1)

	r.Complete(addr, 100, true)
	r.Complete(addr, 200, true)

	snap := r.Snapshot()
	if len(snap.Workers) != 1 {
		t.Fatalf("expected 1 worker in snapshot, got %d", len(snap.Workers))
	}
	w := snap.Workers[0]
	if w.TasksCompleted != 2 {
		t.Fatalf("TasksCompleted = %d, want 2", w.TasksCompleted)
	}
	if w.AvgLatencyMS != 150 {
		t.Fatalf("AvgLatencyMS = %v, want 150", w.AvgLatencyMS)
	}
	if w.Busy {
		t.Fatal("worker should be idle after Complete")
	}
}

func TestCompleteFailureDoesNotTouchLatency(t *testing.T) {
	r := New(30 * time.Second)
	addr := Addr{IP: "10.0.0.1", Port: 1}
	r.Register(addr)
	r.Complete(addr, 100, false)

	snap := r.Snapshot()
	w := snap.Workers[0]
	if w.TasksFailed != 1 || w.TasksCompleted != 0 || w.AvgLatencyMS != 0 {
		t.Fatalf("unexpected snapshot after failed completion: %+v", w)
	}
}

func TestPruneStaleRemovesUnhealthy(t *testing.T) {
	r := New(10 * time.Millisecond)
	addr := Addr{IP: "10.0.0.1", Port: 1}
	r.Register(addr)

	time.Sleep(20 * time.Millisecond)

	removed := r.PruneStale()
	if removed != 1 {
		t.Fatalf("PruneStale() = %d, want 1", removed)
	}
	snap := r.Snapshot()
	if snap.TotalWorkers != 0 {
		t.Fatalf("expected registry to be empty after pruning, got %d workers", snap.TotalWorkers)
	}
}

func TestSnapshotBusyMatchesCurrentTask(t *testing.T) {
	r := New(30 * time.Second)
	addr := Addr{IP: "10.0.0.1", Port: 1}
	r.Register(addr)
	r.Assign(addr, 5)

	snap := r.Snapshot()
	if !snap.Workers[0].Busy {
		t.Fatal("worker with an assigned task should be reported busy")
	}

	r.Complete(addr, 10, true)
	snap = r.Snapshot()
	if snap.Workers[0].Busy {
		t.Fatal("worker should no longer be busy after Complete")
	}
}

func TestRoundRobinAdvancesAcrossHealthyWorkers(t *testing.T) {
	r := New(30 * time.Second)
	a := Addr{IP: "10.0.0.1", Port: 1}
	b := Addr{IP: "10.0.0.2", Port: 2}
	r.Register(a)
	r.Register(b)
	// Mark both busy so prefer_idle has nothing to short-circuit on.
	r.Assign(a, 1)
	r.Assign(b, 2)

	seen := map[Addr]bool{}
	for i := 0; i < 4; i++ {
		picked, ok := r.Pick(true)
		if !ok {
			t.Fatal("Pick should always succeed with healthy workers present")
		}
		seen[picked] = true
	}
	if len(seen) != 2 {
		t.Fatalf("round-robin should eventually visit both workers, saw %d distinct", len(seen))
	}
}
