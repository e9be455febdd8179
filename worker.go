package memsync

import (
	"fmt"
)

// run is the worker goroutine. It sits in receive until a pass signals work, drains the diff log into the
// consumer and goes back to waiting. It ends on a zero signal received after Shutdown raised the flag, once nothing
// else is queued behind it.
func (e *SyncEngine) run() {
	defer close(e.done)

	for {
		e.l.Trace("Synchronization worker waiting for work")

		size, ok := <-e.work
		if !ok {
			// Only Shutdown closes the channel and it waits for us first, a closed channel here can never deliver again
			e.l.Error("Synchronization work channel closed under a running worker")
			return
		}

		// An empty pass may have queued a zero ahead of real work, only the last zero is the one from Shutdown
		if size == 0 && e.shutdown.Load() && len(e.work) == 0 {
			break
		}

		// Zero without the flag is a spurious wake up, draining whatever is there is harmless
		e.drain(size)
	}

	e.l.Debug("Synchronization worker exiting")
}

func (e *SyncEngine) drain(size uint64) {
	d := e.diff
	d.lock.Lock()
	defer d.lock.Unlock()

	if len(d.words)%wordsPerCacheLine != 0 {
		panic(fmt.Sprintf("memsync: drained %d diff words, not a whole number of cache lines", len(d.words)))
	}

	if err := e.consumer.ConsumeDiff(size, d.words, d.batches); err != nil {
		e.metrics.consumerErrors.Inc(1)
		e.l.WithError(err).
			WithField("words", len(d.words)).
			WithField("batches", len(d.batches)).
			Error("Failed to hand off memory diff")
	}

	e.metrics.drains.Inc(1)
	e.metrics.drainedWords.Inc(int64(len(d.words)))

	d.words = d.words[:0]
	d.batches = d.batches[:0]
}
