// Package registry tracks worker liveness, busyness, and per-worker
// statistics, and picks the next worker for a dispatched task.
package registry

import (
	"sync"
	"time"
)

// DefaultWorkerTimeout is the liveness window used when none is configured.
const DefaultWorkerTimeout = 30 * time.Second

// Addr identifies a worker by its announced (IP, listen-port) pair, not by
// the source port of the heartbeat datagram that registered it.
type Addr struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// WorkerInfo is the per-worker bookkeeping record.
type WorkerInfo struct {
	Addr            Addr
	LastHeartbeat   time.Time
	TasksCompleted  uint64
	TasksFailed     uint64
	AvgLatencyMS    float64
	CurrentTask     *uint32 // nil iff the worker is idle
}

// Snapshot is a point-in-time, lock-free copy of a WorkerInfo, safe to read
// after Registry.Snapshot returns.
type Snapshot struct {
	Addr           Addr    `json:"addr"`
	Healthy        bool    `json:"healthy"`
	Busy           bool    `json:"busy"`
	TasksCompleted uint64  `json:"tasks_completed"`
	TasksFailed    uint64  `json:"tasks_failed"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
}

// RegistrySnapshot is the full observability dump of the registry.
type RegistrySnapshot struct {
	TotalWorkers   int        `json:"total_workers"`
	HealthyWorkers int        `json:"healthy_workers"`
	Workers        []Snapshot `json:"workers"`
}

// Registry is the thread-safe worker registry described in §4.C. Every
// public method acquires the registry's own lock; callers never see a raw
// map and never observe a partially updated worker.
type Registry struct {
	mu      sync.Mutex
	workers map[Addr]*WorkerInfo
	rrIndex uint64
	timeout time.Duration
	now     func() time.Time
}

// New creates an empty Registry. A zero timeout falls back to
// DefaultWorkerTimeout.
func New(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultWorkerTimeout
	}
	return &Registry{
		workers: make(map[Addr]*WorkerInfo),
		timeout: timeout,
		now:     time.Now,
	}
}

func (r *Registry) isHealthyLocked(w *WorkerInfo, now time.Time) bool {
	return now.Sub(w.LastHeartbeat) < r.timeout
}

// Register creates a WorkerInfo on first heartbeat from addr, or refreshes
// LastHeartbeat on subsequent ones. It reports whether this was a new
// registration, so the caller can log accordingly.
func (r *Registry) Register(addr Addr) (isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, exists := r.workers[addr]
	if !exists {
		r.workers[addr] = &WorkerInfo{Addr: addr, LastHeartbeat: now}
		return true
	}
	w.LastHeartbeat = now
	return false
}

// Pick selects the next worker to dispatch a task to. If preferIdle is true
// and any healthy worker has no current task, the first such worker (in
// Go's unspecified-but-stable-within-a-call map iteration is avoided by
// sorting addresses) is returned. Otherwise it advances a monotonic
// round-robin counter, reduced modulo the healthy set at lookup time so
// that churn in the worker set cannot desynchronize it catastrophically.
// Pick returns false iff no healthy workers exist.
func (r *Registry) Pick(preferIdle bool) (Addr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	healthy := r.healthyAddrsLocked(now)
	if len(healthy) == 0 {
		return Addr{}, false
	}

	if preferIdle {
		for _, addr := range healthy {
			if r.workers[addr].CurrentTask == nil {
				return addr, true
			}
		}
	}

	r.rrIndex++
	idx := r.rrIndex % uint64(len(healthy))
	return healthy[idx], true
}

// healthyAddrsLocked returns healthy worker addresses in a stable order.
// Caller must hold r.mu.
func (r *Registry) healthyAddrsLocked(now time.Time) []Addr {
	addrs := make([]Addr, 0, len(r.workers))
	for addr, w := range r.workers {
		if r.isHealthyLocked(w, now) {
			addrs = append(addrs, addr)
		}
	}
	sortAddrs(addrs)
	return addrs
}

// Assign records that sequence is now running on addr. It is a no-op if
// addr is no longer registered (e.g. pruned between Pick and Assign).
func (r *Registry) Assign(addr Addr, sequence uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[addr]
	if !ok {
		return
	}
	seq := sequence
	w.CurrentTask = &seq
}

// Complete clears addr's current task and updates its statistics. On
// success, TasksCompleted is incremented and AvgLatencyMS is updated as
// the cumulative mean ((n-1)*prev + latency) / n, where n is the
// post-increment completed count. On failure only TasksFailed is
// incremented. It is a no-op if addr is no longer registered.
func (r *Registry) Complete(addr Addr, latencyMS float64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[addr]
	if !ok {
		return
	}
	w.CurrentTask = nil

	if success {
		w.TasksCompleted++
		n := float64(w.TasksCompleted)
		w.AvgLatencyMS = ((n-1)*w.AvgLatencyMS + latencyMS) / n
	} else {
		w.TasksFailed++
	}
}

// PruneStale removes every worker failing isHealthyLocked and returns the count
// removed.
func (r *Registry) PruneStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for addr, w := range r.workers {
		if !r.isHealthyLocked(w, now) {
			delete(r.workers, addr)
			removed++
		}
	}
	return removed
}

// Snapshot returns a consistent, read-only dump of every registered worker,
// for the observability surface.
func (r *Registry) Snapshot() RegistrySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := RegistrySnapshot{
		TotalWorkers: len(r.workers),
		Workers:      make([]Snapshot, 0, len(r.workers)),
	}
	for addr, w := range r.workers {
		healthy := r.isHealthyLocked(w, now)
		if healthy {
			out.HealthyWorkers++
		}
		out.Workers = append(out.Workers, Snapshot{
			Addr:           addr,
			Healthy:        healthy,
			Busy:           w.CurrentTask != nil,
			TasksCompleted: w.TasksCompleted,
			TasksFailed:    w.TasksFailed,
			AvgLatencyMS:   w.AvgLatencyMS,
		})
	}
	sortSnapshots(out.Workers)
	return out
}

func sortAddrs(addrs []Addr) {
	for i := 1; i < len(addrs); i++ {
		for j := i; j > 0 && less(addrs[j], addrs[j-1]); j-- {
			addrs[j], addrs[j-1] = addrs[j-1], addrs[j]
		}
	}
}

func less(a, b Addr) bool {
	if a.IP != b.IP {
		return a.IP < b.IP
	}
	return a.Port < b.Port
}

func sortSnapshots(s []Snapshot) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && less(s[j].Addr, s[j-1].Addr); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
