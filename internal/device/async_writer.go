package device

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

type writeIo struct {
	key int
	off int64
	buf []byte
}

// AsyncWriter queues pbs-aligned writes and flushes them concurrently, at
// most queueSize in flight. Prepare assigns a key; Submit dispatches all
// prepared IOs; Wait blocks on one specific IO and re-raises its error.
type AsyncWriter struct {
	f         *os.File
	queueSize int

	mu       sync.Mutex
	nextKey  int
	prepared []writeIo
	done     map[int]chan error
	sem      chan struct{}
}

// NewAsyncWriter wraps f. The caller keeps ownership of f.
func NewAsyncWriter(f *os.File, queueSize int) *AsyncWriter {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &AsyncWriter{
		f:         f,
		queueSize: queueSize,
		done:      make(map[int]chan error),
		sem:       make(chan struct{}, queueSize),
	}
}

// Prepare enqueues one write and returns its key.
func (w *AsyncWriter) Prepare(off int64, buf []byte) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := w.nextKey
	w.nextKey++
	w.prepared = append(w.prepared, writeIo{key: key, off: off, buf: buf})
	w.done[key] = make(chan error, 1)
	return key
}

// Submit dispatches all prepared IOs to the kernel.
func (w *AsyncWriter) Submit() {
	w.mu.Lock()
	ios := w.prepared
	w.prepared = nil
	w.mu.Unlock()

	fd := int(w.f.Fd())
	for _, io := range ios {
		io := io
		w.sem <- struct{}{}
		go func() {
			defer func() { <-w.sem }()
			var err error
			buf := io.buf
			off := io.off
			for len(buf) > 0 {
				var n int
				n, err = unix.Pwrite(fd, buf, off)
				if err != nil {
					break
				}
				buf = buf[n:]
				off += int64(n)
			}
			w.mu.Lock()
			ch := w.done[io.key]
			w.mu.Unlock()
			ch <- err
		}()
	}
}

// Wait blocks until the IO identified by key completes and returns its
// error. The key is released.
func (w *AsyncWriter) Wait(key int) error {
	w.mu.Lock()
	ch, ok := w.done[key]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown write key %d", key)
	}
	err := <-ch
	w.mu.Lock()
	delete(w.done, key)
	w.mu.Unlock()
	if err != nil {
		return fmt.Errorf("async write failed: %w", err)
	}
	return nil
}

// Sync flushes the file data to stable storage.
func (w *AsyncWriter) Sync() error {
	if err := unix.Fdatasync(int(w.f.Fd())); err != nil {
		return fmt.Errorf("fdatasync failed: %w", err)
	}
	return nil
}
