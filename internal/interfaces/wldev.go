package interfaces

// WldevReader reads physical blocks sequentially from a log device's ring
// buffer. Implementations wrap the raw log device (read side) and handle the
// lsid to offset mapping including wrap-around.
type WldevReader interface {
	// Reset discards any read-ahead state and seeks to lsid.
	Reset(lsid uint64) error

	// ReadBlock reads the next physical block in lsid order.
	ReadBlock() ([]byte, error)

	// Pbs returns the physical block size in bytes.
	Pbs() uint32

	// Salt returns the log checksum salt of the device.
	Salt() uint32
}

// BdevReader reads a block device sequentially with read-ahead.
type BdevReader interface {
	// Read fills p completely or fails.
	Read(p []byte) error

	// ReadAhead extends the read-ahead window by size bytes.
	ReadAhead(size uint64)
}

// WdevController is the surface of the kernel-side walb device the storage
// host depends on. Lsids satisfy oldest <= written <= permanent <= latest.
type WdevController interface {
	Name() string
	LogDevPath() string
	SizeLb() (uint64, error)
	OldestLsid() (uint64, error)
	WrittenLsid() (uint64, error)
	PermanentLsid() (uint64, error)
	LatestLsid() (uint64, error)
	IsOverflow() (bool, error)
	LogUsagePb() (uint64, error)
	LogCapacityPb() (uint64, error)

	// EraseWal releases log blocks with lsid < lsidE and returns the number
	// of physical blocks still held.
	EraseWal(lsidE uint64) (uint64, error)

	// WaitForWrittenAndFlushed blocks until permanent_lsid >= lsid.
	WaitForWrittenAndFlushed(lsid uint64) error

	// Grow resizes the device to newSizeLb logical blocks.
	Grow(newSizeLb uint64) error

	// ResetWal discards the whole log (operator reset after overflow).
	ResetWal() error
}
