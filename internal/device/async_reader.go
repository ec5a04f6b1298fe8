package device

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

type readResult struct {
	buf []byte
	err error
}

// AsyncBdevReader reads a block device sequentially with up to queueSize
// single-pbs reads in flight. Completed buffers are consumed in submission
// order; the queue is refilled whenever it drops below half capacity.
type AsyncBdevReader struct {
	f         *os.File
	pbs       uint32
	size      uint64
	queueSize int

	offset   uint64 // next submission offset [byte]
	aheadEnd uint64 // read-ahead window end [byte]
	inflight []chan readResult
	cur      []byte
}

// DefaultQueueSize is the default in-flight read count.
const DefaultQueueSize = 32

// NewAsyncBdevReader opens path and positions the reader at offset 0.
func NewAsyncBdevReader(path string, pbs uint32, queueSize int) (*AsyncBdevReader, error) {
	f, err := OpenBdev(path, OpenFlags{Direct: true})
	if err != nil {
		return nil, err
	}
	size, err := BdevSize(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &AsyncBdevReader{f: f, pbs: pbs, size: size, queueSize: queueSize}, nil
}

// Size returns the device size in bytes.
func (r *AsyncBdevReader) Size() uint64 { return r.size }

// Pbs returns the physical block size.
func (r *AsyncBdevReader) Pbs() uint32 { return r.pbs }

// ReadAhead extends the read-ahead window by size bytes and submits reads up
// to the queue bound.
func (r *AsyncBdevReader) ReadAhead(size uint64) {
	r.aheadEnd += size
	if r.aheadEnd > r.size {
		r.aheadEnd = r.size
	}
	r.fill()
}

func (r *AsyncBdevReader) submit(off uint64) chan readResult {
	ch := make(chan readResult, 1)
	fd := int(r.f.Fd())
	pbs := int(r.pbs)
	go func() {
		buf := AlignedBuffer(pbs, pbs)
		n, err := unix.Pread(fd, buf, int64(off))
		if err == nil && n < pbs {
			err = io.ErrUnexpectedEOF
		}
		ch <- readResult{buf: buf, err: err}
	}()
	return ch
}

func (r *AsyncBdevReader) fill() {
	for len(r.inflight) < r.queueSize && r.offset < r.aheadEnd {
		r.inflight = append(r.inflight, r.submit(r.offset))
		r.offset += uint64(r.pbs)
	}
}

// Read fills p completely, extending the read-ahead window as needed.
func (r *AsyncBdevReader) Read(p []byte) error {
	for len(p) > 0 {
		if len(r.cur) == 0 {
			if len(r.inflight) == 0 {
				if r.offset >= r.size {
					return io.EOF
				}
				if r.aheadEnd <= r.offset {
					r.aheadEnd = r.offset + uint64(r.queueSize)*uint64(r.pbs)
					if r.aheadEnd > r.size {
						r.aheadEnd = r.size
					}
				}
				r.fill()
				if len(r.inflight) == 0 {
					return io.EOF
				}
			}
			res := <-r.inflight[0]
			r.inflight = r.inflight[1:]
			if res.err != nil {
				return fmt.Errorf("async read failed: %w", res.err)
			}
			r.cur = res.buf
			if len(r.inflight) < r.queueSize/2 {
				r.fill()
			}
		}
		n := copy(p, r.cur)
		p = p[n:]
		r.cur = r.cur[n:]
	}
	return nil
}

// Reset drains outstanding reads and seeks to byte offset off.
func (r *AsyncBdevReader) Reset(off uint64) {
	for _, ch := range r.inflight {
		<-ch
	}
	r.inflight = nil
	r.cur = nil
	r.offset = off
	r.aheadEnd = off
}

// Close drains and closes the underlying file.
func (r *AsyncBdevReader) Close() error {
	r.Reset(0)
	return r.f.Close()
}
