package test

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger that discards everything unless TEST_LOGS is set.
// TEST_LOGS=1 logs at info, 2 at debug and 3 at trace.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// LogWriter collects formatted log lines. It is safe to share between the goroutine under test and a
// background worker.
type LogWriter struct {
	lock sync.Mutex
	logs []string
}

func NewLogWriter() *LogWriter {
	return &LogWriter{logs: make([]string, 0)}
}

func (tl *LogWriter) Write(p []byte) (n int, err error) {
	tl.lock.Lock()
	tl.logs = append(tl.logs, string(p))
	tl.lock.Unlock()
	return len(p), nil
}

func (tl *LogWriter) Logs() []string {
	tl.lock.Lock()
	defer tl.lock.Unlock()
	out := make([]string, len(tl.logs))
	copy(out, tl.logs)
	return out
}

func (tl *LogWriter) Reset() {
	tl.lock.Lock()
	tl.logs = tl.logs[:0]
	tl.lock.Unlock()
}
