package object

import (
	"time"

	"vrouter-ksync/pkg/ksync/entry"
)

// ensureStaleTimer starts the stale-cleanup goroutine the first time
// it is needed; it quiesces itself once the stale sub-set drains and
// is restarted lazily by the next CreateStale, matching §4.2's "if
// the sub-set is empty, the timer quiesces until the next
// CreateStale".
func (o *EntryObject) ensureStaleTimer() {
	o.mu.Lock()
	running := o.staleTicker != nil
	o.mu.Unlock()
	if running {
		return
	}

	o.mu.Lock()
	o.staleTicker = time.NewTicker(o.staleCfg.Interval)
	o.staleStop = make(chan struct{})
	ticker := o.staleTicker
	stop := o.staleStop
	o.mu.Unlock()

	o.staleWg.Add(1)
	go func() {
		defer o.staleWg.Done()
		for {
			select {
			case <-stop:
				ticker.Stop()
				return
			case <-ticker.C:
				if o.staleTick() {
					o.mu.Lock()
					o.staleTicker.Stop()
					o.staleTicker = nil
					o.mu.Unlock()
					return
				}
			}
		}
	}()
}

// staleTick removes up to EntriesPerTick entries from the stale
// sub-set by issuing Delete, returning true if the sub-set is now
// empty (the caller then quiesces the timer).
func (o *EntryObject) staleTick() bool {
	o.mu.Lock()
	victims := make([]*entry.Entry, 0, o.staleCfg.EntriesPerTick)
	for e := range o.stale {
		if len(victims) >= o.staleCfg.EntriesPerTick {
			break
		}
		victims = append(victims, e)
		delete(o.stale, e)
	}
	o.mu.Unlock()

	for _, e := range victims {
		o.Delete(e)
	}

	o.mu.Lock()
	empty := len(o.stale) == 0
	o.mu.Unlock()
	return empty
}

// StopStaleTimer cancels the stale-cleanup goroutine, if running. It
// is called from Shutdown so no background goroutine outlives the
// owning Context.
func (o *EntryObject) StopStaleTimer() {
	o.mu.Lock()
	stop := o.staleStop
	o.staleStop = nil
	o.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	o.staleWg.Wait()
}
