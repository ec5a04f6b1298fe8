package device

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// AlignedBuffer returns a size-byte slice whose backing array starts at an
// address aligned to align. Required for O_DIRECT transfers.
func AlignedBuffer(size, align int) []byte {
	if align <= 1 {
		return make([]byte, size)
	}
	raw := make([]byte, size+align)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	off := 0
	if rem := int(addr % uintptr(align)); rem != 0 {
		off = align - rem
	}
	return raw[off : off+size : off+size]
}

// OpenFlags controls how a block device is opened.
type OpenFlags struct {
	Write  bool
	Direct bool
}

// OpenBdev opens a block device or regular file for pbs-aligned IO.
func OpenBdev(path string, flags OpenFlags) (*os.File, error) {
	mode := os.O_RDONLY
	if flags.Write {
		mode = os.O_RDWR
	}
	if flags.Direct {
		mode |= unix.O_DIRECT
	}
	f, err := os.OpenFile(path, mode, 0)
	if err != nil && flags.Direct {
		// tmpfs and some filesystems refuse O_DIRECT; retry buffered so the
		// same code path works in tests.
		mode &^= unix.O_DIRECT
		f, err = os.OpenFile(path, mode, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open block device %s: %w", path, err)
	}
	return f, nil
}

// BdevSize returns the size of a block device or regular file in bytes.
func BdevSize(f *os.File) (uint64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", f.Name(), err)
	}
	if st.Mode().IsRegular() {
		return uint64(st.Size()), nil
	}
	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, fmt.Errorf("BLKGETSIZE64 failed on %s: %w", f.Name(), err)
	}
	return uint64(size), nil
}
