package memsync

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/memsync/config"
)

type m = map[string]any

const defaultQueueDepth = 16

// Batch is one contiguous run of dirty pages, as a byte range of the baseline.
type Batch struct {
	Offset uint64
	Length uint64
}

// EngineConfig sizes a SyncEngine, see NewSyncEngine.
type EngineConfig struct {
	// Capacity is the size of the baseline in bytes, it must cover the whole guest.
	Capacity uint64
	// PageSize overrides the host page size when non zero.
	PageSize int
	// QueueDepth is how many work signals may be queued, SignalWork drops the ones that do not fit.
	QueueDepth int
	// Consumer receives every drained diff, nil logs them.
	Consumer DiffConsumer
}

// diffLog is the accumulation buffer shared by the scanner and the worker. The scanner appends, the worker
// drains and clears, both under lock.
type diffLog struct {
	lock    sync.Mutex
	words   []uint64
	batches []Batch
}

// SyncEngine holds everything that lives across synchronization passes: the baseline copy of guest memory, the
// diff accumulated by the last pass and the worker goroutine that hands it off.
//
// All methods except the worker's are meant to be called from a single owning goroutine. Passes and Shutdown
// must be serialized by the caller.
type SyncEngine struct {
	initialized bool
	// resync forces the next pass to treat every page as dirty, set when a pass failed after the dirty log was
	// already consumed
	resync   bool
	baseline []uint64
	capacity uint64
	pageSize int

	diff     *diffLog
	work     chan uint64
	shutdown atomic.Bool
	done     chan struct{}
	stopped  bool

	consumer DiffConsumer
	metrics  *syncMetrics
	l        *logrus.Logger
}

// NewSyncEngine allocates the baseline and starts the worker goroutine.
func NewSyncEngine(l *logrus.Logger, cfg EngineConfig) *SyncEngine {
	capacity := (cfg.Capacity + wordSize - 1) / wordSize * wordSize

	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}

	consumer := cfg.Consumer
	if consumer == nil {
		consumer = &logConsumer{l: l}
	}

	e := &SyncEngine{
		baseline: make([]uint64, capacity/wordSize),
		capacity: capacity,
		pageSize: cfg.PageSize,
		diff:     &diffLog{},
		work:     make(chan uint64, depth),
		done:     make(chan struct{}),
		consumer: consumer,
		metrics:  newSyncMetrics(),
		l:        l,
	}

	go e.run()

	l.WithField("capacity", humanize.IBytes(capacity)).
		WithField("queueDepth", depth).
		Info("Synchronization engine started")

	return e
}

// NewSyncEngineFromConfig sizes the engine for a guest of guestSize bytes using the sync.* settings.
func NewSyncEngineFromConfig(l *logrus.Logger, c *config.C, guestSize uint64, consumer DiffConsumer) (*SyncEngine, error) {
	cfg, err := engineConfigFromConfig(c, guestSize)
	if err != nil {
		return nil, err
	}
	cfg.Consumer = consumer
	return NewSyncEngine(l, cfg), nil
}

func engineConfigFromConfig(c *config.C, guestSize uint64) (EngineConfig, error) {
	capacity := guestSize
	if c.GetString("sync.capacity", "auto") != "auto" {
		v, err := c.GetByteSize("sync.capacity", guestSize)
		if err != nil {
			return EngineConfig{}, err
		}
		if v < guestSize {
			return EngineConfig{}, fmt.Errorf("sync.capacity %s is smaller than the guest memory %s", humanize.IBytes(v), humanize.IBytes(guestSize))
		}
		capacity = v
	}

	pageSize := c.GetInt("sync.page_size", 0)
	if pageSize < 0 {
		return EngineConfig{}, fmt.Errorf("sync.page_size can not be negative: %d", pageSize)
	}

	depth := c.GetInt("sync.queue_depth", defaultQueueDepth)
	if depth < 1 {
		return EngineConfig{}, fmt.Errorf("sync.queue_depth must be at least 1: %d", depth)
	}

	return EngineConfig{
		Capacity:   capacity,
		PageSize:   pageSize,
		QueueDepth: depth,
	}, nil
}

// HasBaseline is true once a full capture of guest memory has been taken.
func (e *SyncEngine) HasBaseline() bool {
	return e.initialized
}

// MarkBaselineCaptured records that the baseline now mirrors guest memory.
func (e *SyncEngine) MarkBaselineCaptured() {
	e.initialized = true
}

// Capacity is the baseline size in bytes.
func (e *SyncEngine) Capacity() uint64 {
	return e.capacity
}

// Baseline exposes the baseline bytes. It must not be modified and is only stable between passes.
func (e *SyncEngine) Baseline() []byte {
	return wordBytes(e.baseline)
}

// PendingDiff reports how much diff data is waiting for the worker.
func (e *SyncEngine) PendingDiff() (words int, batches int) {
	e.diff.lock.Lock()
	defer e.diff.lock.Unlock()
	return len(e.diff.words), len(e.diff.batches)
}

// SignalWork tells the worker that size words are ready. Zero is a plain wake up. It never blocks: when the queue
// is full the signal is dropped, the queued ones drain everything in the log when they are received. Signalling a
// shut down engine panics.
func (e *SyncEngine) SignalWork(size uint64) {
	select {
	case e.work <- size:
	default:
		e.metrics.droppedSignals.Inc(1)
		e.l.WithField("size", size).Trace("Synchronization work queue is full, dropping signal")
	}
	e.metrics.queued.Update(int64(len(e.work)))
}

// Shutdown stops the worker and waits for it to exit. Any work signalled before is drained first.
// Calling it twice is a bug and panics.
func (e *SyncEngine) Shutdown() {
	if e.stopped {
		panic("memsync: Shutdown called on an engine that was already shut down")
	}
	e.stopped = true

	e.l.Debug("Shutting down synchronization worker")
	e.shutdown.Store(true)

	// The flag alone does not wake a worker parked in receive. This one must not be dropped, the worker keeps
	// receiving so a full queue always makes room.
	e.work <- 0
	<-e.done

	close(e.work)
	e.l.Debug("Synchronization worker shut down")
}
