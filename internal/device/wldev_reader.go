package device

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/walb-tools/go-walb/internal/parsers/logdev"
)

// AsyncWldevReader reads physical blocks of a log device in lsid order,
// mapping each lsid through the ring buffer and keeping up to queueSize
// single-block reads in flight. It implements interfaces.WldevReader.
type AsyncWldevReader struct {
	f         *os.File
	sb        *logdev.SuperBlock
	queueSize int

	lsid     uint64 // next lsid to submit
	inflight []chan readResult
}

// NewAsyncWldevReader opens the raw log device at path and reads its super
// block. pbs 0 probes the supported geometries.
func NewAsyncWldevReader(path string, pbs uint32, queueSize int) (*AsyncWldevReader, error) {
	f, err := OpenBdev(path, OpenFlags{Direct: true})
	if err != nil {
		return nil, err
	}
	var sb *logdev.SuperBlock
	if pbs == 0 {
		sb, err = logdev.ProbeSuperBlock(f)
	} else {
		sb, err = logdev.ReadSuperBlock(f, pbs)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &AsyncWldevReader{f: f, sb: sb, queueSize: queueSize}, nil
}

// Super returns the parsed super block.
func (r *AsyncWldevReader) Super() *logdev.SuperBlock { return r.sb }

// Pbs returns the physical block size.
func (r *AsyncWldevReader) Pbs() uint32 { return r.sb.Pbs() }

// Salt returns the log checksum salt.
func (r *AsyncWldevReader) Salt() uint32 { return r.sb.Salt() }

func (r *AsyncWldevReader) submit(lsid uint64) (chan readResult, error) {
	offPb, err := r.sb.OffsetOfLsid(lsid)
	if err != nil {
		return nil, err
	}
	ch := make(chan readResult, 1)
	fd := int(r.f.Fd())
	pbs := int(r.sb.Pbs())
	off := int64(offPb) * int64(pbs)
	go func() {
		buf := AlignedBuffer(pbs, pbs)
		n, err := unix.Pread(fd, buf, off)
		if err == nil && n < pbs {
			err = io.ErrUnexpectedEOF
		}
		ch <- readResult{buf: buf, err: err}
	}()
	return ch, nil
}

func (r *AsyncWldevReader) fill() error {
	for len(r.inflight) < r.queueSize {
		ch, err := r.submit(r.lsid)
		if err != nil {
			return err
		}
		r.inflight = append(r.inflight, ch)
		r.lsid++
	}
	return nil
}

// ReadBlock returns the next physical block in lsid order.
func (r *AsyncWldevReader) ReadBlock() ([]byte, error) {
	if len(r.inflight) == 0 || len(r.inflight) < r.queueSize/2 {
		if err := r.fill(); err != nil {
			return nil, err
		}
	}
	res := <-r.inflight[0]
	r.inflight = r.inflight[1:]
	if res.err != nil {
		return nil, fmt.Errorf("log device read failed: %w", res.err)
	}
	return res.buf, nil
}

// Reset drains outstanding reads and seeks to lsid.
func (r *AsyncWldevReader) Reset(lsid uint64) error {
	for _, ch := range r.inflight {
		<-ch
	}
	r.inflight = nil
	r.lsid = lsid
	return nil
}

// Close drains and closes the device.
func (r *AsyncWldevReader) Close() error {
	r.Reset(0)
	return r.f.Close()
}
