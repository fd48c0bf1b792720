package silog

import (
	"bytes"
	"io"
	"sync"
)

// LeveledLogger is any logger that can log at a specific level.
type LeveledLogger interface {
	Log(lvl Level, msg string, kvs ...any)
}

// Writer builds and returns an io.Writer that
// writes messages to the given logger.
// If the logger is nil, a no-op writer is returned.
//
// The done function must be called when the writer is no longer needed.
// It will flush any buffered text to the logger.
//
// Writes to the returned writer are serialized with a mutex.
func Writer(log LeveledLogger, lvl Level) (w io.Writer, done func()) {
	if log == nil {
		return io.Discard, func() {}
	}

	lw := &lineWriter{
		emit: func(line string) { log.Log(lvl, line) },
	}
	return lw, lw.flush
}

// lineWriter buffers partial writes and emits complete lines as they
// arrive, flushing whatever remains when the writer is closed.
type lineWriter struct {
	emit func(string)
	buf  bytes.Buffer
	mu   sync.Mutex
}

var _ io.Writer = (*lineWriter)(nil)

func (w *lineWriter) Write(bs []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := len(bs)
	for len(bs) > 0 {
		line, rest, ok := bytes.Cut(bs, []byte{'\n'})
		bs = rest
		if !ok {
			w.buf.Write(line)
			break
		}

		if w.buf.Len() == 0 {
			w.emit(string(line))
			continue
		}

		w.buf.Write(line)
		w.emit(w.buf.String())
		w.buf.Reset()
	}
	return total, nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}
