package device

import (
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/walb-tools/go-walb/internal/parsers/logdev"
	"github.com/walb-tools/go-walb/internal/types"
)

// WldevImage builds and appends to a log-device image file. The kernel
// normally owns this format; the writer exists for tests, the simulator and
// the wlog debug tools.
type WldevImage struct {
	f  *os.File
	sb *logdev.SuperBlock
}

// FormatWldev creates a log-device image at path with the given geometry and
// writes both super sector copies.
func FormatWldev(path string, pbs uint32, ringSizePb uint64, salt uint32, id uuid.UUID) (*WldevImage, error) {
	s := &types.SuperSector{
		SectorType:           types.SectorTypeSuper,
		Version:              types.WalbVersion,
		LogicalBs:            types.LogicalBlockSize,
		PhysicalBs:           pbs,
		SnapshotMetadataSize: 8,
		LogChecksumSalt:      salt,
		UUID:                 id,
		RingBufferSize:       ringSizePb,
	}
	sb := &logdev.SuperBlock{Sector: s}
	s.DeviceSize = (sb.RingBufferOffsetPb() + ringSizePb) * uint64(pbs)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log device image: %w", err)
	}
	if err := f.Truncate(int64(s.DeviceSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to size log device image: %w", err)
	}
	if err := logdev.WriteSuperBlock(f, sb); err != nil {
		f.Close()
		return nil, err
	}
	return &WldevImage{f: f, sb: sb}, nil
}

// OpenWldevImage opens an existing image.
func OpenWldevImage(path string, pbs uint32) (*WldevImage, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open log device image: %w", err)
	}
	sb, err := logdev.ReadSuperBlock(f, pbs)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &WldevImage{f: f, sb: sb}, nil
}

// Super returns the image's super block.
func (img *WldevImage) Super() *logdev.SuperBlock { return img.sb }

func (img *WldevImage) writeBlock(lsid uint64, block []byte) error {
	offPb, err := img.sb.OffsetOfLsid(lsid)
	if err != nil {
		return err
	}
	if _, err := img.f.WriteAt(block, int64(offPb)*int64(img.sb.Pbs())); err != nil {
		return fmt.Errorf("failed to write log block at lsid %d: %w", lsid, err)
	}
	return nil
}

// AppendLogpack writes a logpack at lsid: one record per entry of ios, a
// discard record for entries with Discard set and otherwise a normal IO with
// its data blocks checksummed under the device salt. It returns the next
// logpack lsid.
func (img *WldevImage) AppendLogpack(lsid uint64, ios []LogpackIo) (uint64, error) {
	pbs := img.sb.Pbs()
	p := logdev.NewPackHeader(pbs, img.sb.Salt())
	p.Init(lsid)

	var dataBlocks [][]byte
	for _, io := range ios {
		if io.Discard {
			ok, err := p.AddDiscardIo(io.OffsetLb, io.SizeLb)
			if err != nil {
				return 0, err
			}
			if !ok {
				return 0, fmt.Errorf("logpack full")
			}
			continue
		}
		ok, err := p.AddNormalIo(io.OffsetLb, io.SizeLb)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("logpack full")
		}
		nPb := types.CapacityPb(pbs, io.SizeLb)
		blocks := make([][]byte, nPb)
		for j := range blocks {
			blocks[j] = make([]byte, pbs)
			if start := j * int(pbs); start < len(io.Data) {
				copy(blocks[j], io.Data[start:])
			}
		}
		rec := &p.H.Records[len(p.H.Records)-1]
		rec.Checksum = logdev.CalcIoChecksum(blocks, io.SizeLb, img.sb.Salt())
		dataBlocks = append(dataBlocks, blocks...)
	}

	if err := img.writeBlock(lsid, p.Serialize()); err != nil {
		return 0, err
	}
	next := lsid + 1
	for _, b := range dataBlocks {
		if err := img.writeBlock(next, b); err != nil {
			return 0, err
		}
		next++
	}
	return p.NextLogpackLsid(), nil
}

// LogpackIo describes one IO appended by AppendLogpack.
type LogpackIo struct {
	OffsetLb uint64
	SizeLb   uint32
	Discard  bool
	Data     []byte // len >= SizeLb*512 for normal IOs
}

// Close closes the image file.
func (img *WldevImage) Close() error { return img.f.Close() }
