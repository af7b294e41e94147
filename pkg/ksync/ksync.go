// Package ksync wires together the reconciliation engine's
// components behind the one process-wide Context §6 calls for: the
// EntryObject registry, the global dependency graph, the transport
// shards, and the task scheduler driving all of it.
package ksync

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"vrouter-ksync/pkg/ksync/depgraph"
	"vrouter-ksync/pkg/ksync/ksyncconfig"
	"vrouter-ksync/pkg/ksync/metrics"
	"vrouter-ksync/pkg/ksync/object"
	"vrouter-ksync/pkg/ksync/scheduler"
	"vrouter-ksync/pkg/ksync/shmem"
	"vrouter-ksync/pkg/ksync/transport"
)

// Context is the single process-scoped instance described in §6. It
// is never a package-level global — callers construct exactly one via
// New and pass it down explicitly, so tests can run several
// independent contexts side by side (design note, "Global
// singletons").
type Context struct {
	logger *logrus.Logger
	cfg    *ksyncconfig.Config

	mu      sync.Mutex
	objects map[string]*object.EntryObject

	graph      *depgraph.Graph
	transports []*transport.Transport
	scheduler  *scheduler.Scheduler
	audits     []*shmem.AuditSweep
	metrics    *metrics.Collector

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New creates the registry and dependency graph but does not yet dial
// any transport or start any task — that happens in Run, mirroring
// the source's split between object construction and the event loop
// starting.
func New(cfg *ksyncconfig.Config, logger *logrus.Logger) *Context {
	if logger == nil {
		logger = logrus.New()
	}
	return &Context{
		logger:  logger,
		cfg:     cfg,
		objects: make(map[string]*object.EntryObject),
		graph:   depgraph.New(),
		metrics: metrics.NewCollector(),
	}
}

// Metrics returns the process-wide metrics.Collector. Register it
// with the caller's own prometheus.Registerer to expose it — KSync
// never starts its own HTTP listener.
func (c *Context) Metrics() *metrics.Collector { return c.metrics }

// Graph returns the process-wide dependency graph, for EntryObject
// construction.
func (c *Context) Graph() *depgraph.Graph { return c.graph }

// Logger returns the shared logger.
func (c *Context) Logger() *logrus.Logger { return c.logger }

// RegisterObject adds a fully constructed EntryObject to the
// registry under name. Callers build the EntryObject themselves
// (object.New, wired to c.Graph() and a shard of their choosing) so
// that each entry type's index capacity and stale-cleanup policy stay
// declared next to that type's definition rather than centralized
// here.
func (c *Context) RegisterObject(name string, o *object.EntryObject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[name] = o
	c.metrics.AddEntryObject(o)
}

// Object looks up a previously registered EntryObject by name.
func (c *Context) Object(name string) (*object.EntryObject, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.objects[name]
	return o, ok
}

// AddTransport registers a shard's Transport so Run/Shutdown manage
// its task lifecycle.
func (c *Context) AddTransport(t *transport.Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transports = append(c.transports, t)
	c.metrics.AddTransport(fmt.Sprintf("shard-%d", len(c.transports)-1), t)
}

// AddAuditSweep registers a shared-memory audit sweep so
// Run/Shutdown manage its task lifecycle.
func (c *Context) AddAuditSweep(a *shmem.AuditSweep) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audits = append(c.audits, a)
}

// Run creates the task scheduler and starts one receive and one send
// goroutine per registered transport shard (Transport.Start), plus one
// audit-sweep goroutine per registered SharedMemoryTable
// (AuditSweep.Start); none of these is registered with the scheduler,
// which Run leaves without tasks. Stale-entry cleanup tasks are
// started lazily by each EntryObject's own CreateStale, per §4.2.
func (c *Context) Run(ctx context.Context) {
	c.mu.Lock()
	c.runCtx, c.runCancel = context.WithCancel(ctx)
	runCtx := c.runCtx
	transports := append([]*transport.Transport(nil), c.transports...)
	audits := append([]*shmem.AuditSweep(nil), c.audits...)
	c.mu.Unlock()

	c.scheduler = scheduler.New(c.logger)
	for _, t := range transports {
		t.Start(runCtx)
	}
	for _, a := range audits {
		a.Start()
	}
}

// Shutdown tears down every component in reverse order of Init,
// asserting every EntryObject is empty and the dependency graph is
// drained — the testable property §8 names explicitly ("After
// Shutdown returns, every EntryObject is empty and both ForwardRef
// and BackRef are empty").
func (c *Context) Shutdown() error {
	c.mu.Lock()
	cancel := c.runCancel
	transports := append([]*transport.Transport(nil), c.transports...)
	audits := append([]*shmem.AuditSweep(nil), c.audits...)
	objects := make(map[string]*object.EntryObject, len(c.objects))
	for k, v := range c.objects {
		objects[k] = v
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, a := range audits {
		a.Stop()
	}
	for _, t := range transports {
		t.Stop()
	}
	for _, o := range objects {
		o.StopStaleTimer()
	}
	if c.scheduler != nil {
		c.scheduler.Wait()
	}

	var notEmpty []string
	for name, o := range objects {
		if o.Len() != 0 {
			notEmpty = append(notEmpty, fmt.Sprintf("%s(%d)", name, o.Len()))
		}
	}
	if len(notEmpty) > 0 {
		return fmt.Errorf("ksync: shutdown with non-empty objects: %v", notEmpty)
	}
	if !c.graph.Empty() {
		fwd, back := c.graph.Counts()
		return fmt.Errorf("ksync: shutdown with dependency graph not drained (forward=%d back=%d)", fwd, back)
	}
	return nil
}
