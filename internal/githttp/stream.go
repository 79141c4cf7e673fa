package githttp

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// maxStderrBytes bounds how much subprocess stderr is kept for the operation log
const maxStderrBytes = 64 * 1024

// StreamError is a failure while moving bytes between the client and the subprocess
type StreamError struct {
	// Direction is "request" or "response"
	Direction string
	Err       error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s stream failed: %v", e.Direction, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// countingReader counts bytes read from the request body and remembers the
// first read error other than io.EOF. n may be read while a copy is running.
type countingReader struct {
	r   io.Reader
	n   atomic.Int64
	err error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	if err != nil && err != io.EOF && c.err == nil {
		c.err = err
	}
	return n, err
}

// flushWriter counts bytes written to the response and flushes after every
// write so the client sees subprocess output as soon as it is produced.
type flushWriter struct {
	w   io.Writer
	rc  *http.ResponseController
	n   int64
	err error
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	return &flushWriter{w: w, rc: http.NewResponseController(w)}
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	f.n += int64(n)
	if err == nil {
		if flushErr := f.rc.Flush(); flushErr != nil && !errors.Is(flushErr, http.ErrNotSupported) {
			err = flushErr
		}
	}
	if err != nil && f.err == nil {
		f.err = err
	}
	return n, err
}

// boundedBuffer keeps the first limit bytes written to it and discards the rest
type boundedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.buf)
	switch {
	case room <= 0:
		b.truncated = b.truncated || len(p) > 0
	case len(p) > room:
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
	default:
		b.buf = append(b.buf, p...)
	}
	// report the full length so the subprocess never sees a short write
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return string(b.buf) + "... (truncated)"
	}
	return string(b.buf)
}
