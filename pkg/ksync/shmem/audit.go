package shmem

import (
	"sync"
	"time"
)

// IsCandidate reports whether entry raw is a candidate for the audit
// (action == HOLD for flows, or an equivalent inactive marker for
// bridge entries).
type IsCandidate func(raw []byte) bool

// OnAbandoned is invoked once per entry whose HOLD marker outlived
// AuditTimeout, so the owning layer can create a corresponding
// agent-side short-flow to trigger proper deletion.
type OnAbandoned func(index int, raw []byte)

// AuditConfig controls sweep pacing.
type AuditConfig struct {
	YieldSize        int
	AuditTimeout     time.Duration
	SweepPeriod      time.Duration // wall-clock budget for one full pass
}

// AuditSweep walks a Table in constant-size yields, tracking
// each candidate slot's first-seen timestamp in a map keyed by slot
// index.
type AuditSweep struct {
	table       *Table
	isCandidate IsCandidate
	onAbandoned OnAbandoned
	cfg         AuditConfig

	tickInterval time.Duration

	mu     sync.Mutex
	firstSeen map[int]time.Time
	cursor    int

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewAuditSweep builds a sweep over table. The tick interval is sized
// so that a full pass over the table completes within
// cfg.SweepPeriod (§4.7: "Yield size is sized so that the full sweep
// takes ≤ audit_sweep_seconds").
func NewAuditSweep(table *Table, cfg AuditConfig, isCandidate IsCandidate, onAbandoned OnAbandoned) *AuditSweep {
	if cfg.YieldSize <= 0 {
		cfg.YieldSize = 1
	}
	ticks := (table.Count() + cfg.YieldSize - 1) / cfg.YieldSize
	if ticks <= 0 {
		ticks = 1
	}
	return &AuditSweep{
		table:        table,
		isCandidate:  isCandidate,
		onAbandoned:  onAbandoned,
		cfg:          cfg,
		tickInterval: cfg.SweepPeriod / time.Duration(ticks),
		firstSeen:    make(map[int]time.Time),
		stop:         make(chan struct{}),
	}
}

// Start launches the audit-sweep task (one of the named tasks in
// §5's cooperative scheduler).
func (a *AuditSweep) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stop:
				return
			case <-ticker.C:
				a.tick()
			}
		}
	}()
}

// Stop cancels the sweep task and waits for it to exit.
func (a *AuditSweep) Stop() {
	close(a.stop)
	a.wg.Wait()
}

func (a *AuditSweep) tick() {
	n := a.table.Count()
	if n == 0 {
		return
	}
	now := time.Now()

	a.mu.Lock()
	start := a.cursor
	yield := a.cfg.YieldSize
	a.mu.Unlock()

	for i := 0; i < yield; i++ {
		idx := (start + i) % n
		raw := a.table.EntryAt(idx)

		a.mu.Lock()
		if !a.isCandidate(raw) {
			delete(a.firstSeen, idx)
			a.mu.Unlock()
			continue
		}
		seen, tracked := a.firstSeen[idx]
		if !tracked {
			a.firstSeen[idx] = now
			a.mu.Unlock()
			continue
		}
		abandoned := now.Sub(seen) > a.cfg.AuditTimeout
		if abandoned {
			delete(a.firstSeen, idx)
		}
		a.mu.Unlock()

		if abandoned {
			a.onAbandoned(idx, raw)
		}
	}

	a.mu.Lock()
	a.cursor = (start + yield) % n
	a.mu.Unlock()
}
