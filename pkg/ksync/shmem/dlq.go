package shmem

import "vrouter-ksync/pkg/dlq"

// DLQOnAbandoned adapts a dlq.Queue into an OnAbandoned callback: each
// HOLD-state slot the sweep gives up on is durably recorded instead of
// silently forgotten, and reprocessed against resolve up to the
// queue's configured retry budget before it's dropped for good.
func DLQOnAbandoned(queue *dlq.Queue, resolve dlq.ReprocessCallback) OnAbandoned {
	queue.SetReprocessCallback(resolve)
	return func(index int, raw []byte) {
		if err := queue.Enqueue(dlq.Candidate{Index: index, Raw: raw}); err != nil {
			// Enqueue only fails when the in-memory channel is full;
			// the candidate is simply dropped, same as it would have
			// been with no dead-letter queue wired in at all.
			_ = err
		}
	}
}
