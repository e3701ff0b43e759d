package blobstore

import (
	"io"
	"time"
)

const maxReadChunk = 64 << 10

// deadlineReader fails a Read that makes no progress within timeout. The
// caller must close the underlying body afterwards so the pending read
// goroutine returns.
type deadlineReader struct {
	r       io.Reader
	timeout time.Duration
}

type readResult struct {
	buf []byte
	n   int
	err error
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	size := min(len(p), maxReadChunk)

	ch := make(chan readResult, 1)
	go func() {
		buf := make([]byte, size)
		n, err := d.r.Read(buf)
		ch <- readResult{buf: buf, n: n, err: err}
	}()

	t := time.NewTimer(d.timeout)
	defer t.Stop()

	select {
	case res := <-ch:
		copy(p, res.buf[:res.n])
		return res.n, res.err
	case <-t.C:
		return 0, errReadTimeout
	}
}
