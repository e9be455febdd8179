package memsync

import (
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// DiffConsumer is where the worker hands off every drained diff, typically a transport to the remote replica.
//
// words holds the XOR of old and new content for every byte described by batches, in batch order. Both slices
// are reused once ConsumeDiff returns and must not be retained. signalled is the word count the scanner saw when
// it signalled, words may hold more if a later pass raced ahead of the worker.
//
// ConsumeDiff runs with the diff log locked, the next pass blocks until it returns.
type DiffConsumer interface {
	ConsumeDiff(signalled uint64, words []uint64, batches []Batch) error
}

// DiffConsumerFunc adapts a function to a DiffConsumer.
type DiffConsumerFunc func(signalled uint64, words []uint64, batches []Batch) error

func (f DiffConsumerFunc) ConsumeDiff(signalled uint64, words []uint64, batches []Batch) error {
	return f(signalled, words, batches)
}

// logConsumer only reports what it would have transmitted
type logConsumer struct {
	l *logrus.Logger
}

func (c *logConsumer) ConsumeDiff(signalled uint64, words []uint64, batches []Batch) error {
	if c.l.IsLevelEnabled(logrus.DebugLevel) {
		for _, b := range batches {
			c.l.WithField("offset", b.Offset).WithField("len", b.Length).Debug("Memory diff blob")
		}
	}

	entry := c.l.WithField("signalled", signalled).
		WithField("words", len(words)).
		WithField("batches", len(batches)).
		WithField("size", humanize.IBytes(uint64(len(words))*wordSize))

	if len(words) == 0 {
		entry.Debug("Synchronization worker woke up with nothing to send")
		return nil
	}

	entry.Info("Synchronization worker received memory diff")
	return nil
}
