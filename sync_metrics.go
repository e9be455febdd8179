package memsync

import (
	"github.com/rcrowley/go-metrics"
)

type syncMetrics struct {
	bootstrapPasses   metrics.Counter
	incrementalPasses metrics.Counter
	failedPasses      metrics.Counter
	resyncPasses      metrics.Counter

	dirtyPages metrics.Counter
	batches    metrics.Counter
	diffWords  metrics.Counter
	scanTime   metrics.Timer

	drains         metrics.Counter
	drainedWords   metrics.Counter
	consumerErrors metrics.Counter
	queued         metrics.Gauge
	droppedSignals metrics.Counter
}

func newSyncMetrics() *syncMetrics {
	return &syncMetrics{
		bootstrapPasses:   metrics.GetOrRegisterCounter("sync.passes.bootstrap", nil),
		incrementalPasses: metrics.GetOrRegisterCounter("sync.passes.incremental", nil),
		failedPasses:      metrics.GetOrRegisterCounter("sync.passes.failed", nil),
		resyncPasses:      metrics.GetOrRegisterCounter("sync.passes.resync", nil),

		dirtyPages: metrics.GetOrRegisterCounter("sync.pages.dirty", nil),
		batches:    metrics.GetOrRegisterCounter("sync.batches", nil),
		diffWords:  metrics.GetOrRegisterCounter("sync.diff.words", nil),
		scanTime:   metrics.GetOrRegisterTimer("sync.scan.duration", nil),

		drains:         metrics.GetOrRegisterCounter("sync.worker.drains", nil),
		drainedWords:   metrics.GetOrRegisterCounter("sync.worker.words", nil),
		consumerErrors: metrics.GetOrRegisterCounter("sync.worker.errors", nil),
		queued:         metrics.GetOrRegisterGauge("sync.worker.queued", nil),
		droppedSignals: metrics.GetOrRegisterCounter("sync.worker.dropped_signals", nil),
	}
}
