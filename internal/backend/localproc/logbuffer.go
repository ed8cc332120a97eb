package localproc

import "sync"

// maxLogBytes caps the output retained per worker. Workers that write more
// lose the oldest output; the tail is what matters for failure triage.
const maxLogBytes = 1 << 20

// logBuffer is a concurrency-safe writer that keeps at most max bytes,
// discarding from the front when the cap is exceeded. Both stdout and stderr
// of a worker write into the same buffer.
type logBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newLogBuffer(max int) *logBuffer {
	return &logBuffer{max: max}
}

func (l *logBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)
	if len(l.buf) > l.max {
		// Drop whole leading chunk; copy so the backing array shrinks.
		excess := len(l.buf) - l.max
		trimmed := make([]byte, l.max)
		copy(trimmed, l.buf[excess:])
		l.buf = trimmed
	}
	return len(p), nil
}

// Bytes returns a copy of the retained output.
func (l *logBuffer) Bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]byte, len(l.buf))
	copy(out, l.buf)
	return out
}
