package wdiff

import (
	"fmt"

	"github.com/walb-tools/go-walb/internal/compression"
	"github.com/walb-tools/go-walb/internal/types"
)

// PackCompressor converts serialized diff packs (header block + data area)
// record by record, applying the compress-if-smaller policy. Its Convert
// method is fed to a ConverterQueue by the wlog sender.
type PackCompressor struct {
	CmprType uint8
}

// Convert compresses every normal record of the pack in buf and returns the
// re-serialized pack.
func (pc *PackCompressor) Convert(buf []byte) ([]byte, error) {
	return convertPack(buf, func(rec *types.DiffRecord, in []byte) ([]byte, error) {
		return compression.CompressRecord(pc.CmprType, rec, in)
	})
}

// PackUncompressor reverses PackCompressor.
type PackUncompressor struct{}

// Convert uncompresses every record of the pack in buf and returns the
// re-serialized pack with compression_type NONE throughout.
func (pu *PackUncompressor) Convert(buf []byte) ([]byte, error) {
	return convertPack(buf, func(rec *types.DiffRecord, in []byte) ([]byte, error) {
		out, err := compression.UncompressRecord(rec, in)
		if err != nil {
			return nil, err
		}
		rec.CompressionType = types.CmprNone
		rec.DataSize = uint32(len(out))
		rec.Checksum = types.Checksum(out, 0)
		return out, nil
	})
}

func convertPack(buf []byte, conv func(*types.DiffRecord, []byte) ([]byte, error)) ([]byte, error) {
	if len(buf) < types.DiffPackSize {
		return nil, fmt.Errorf("pack buffer too small: %d bytes", len(buf))
	}
	h, err := ParsePackHeader(buf[:types.DiffPackSize])
	if err != nil {
		return nil, err
	}
	if len(buf) != types.DiffPackSize+int(h.TotalSize) {
		return nil, fmt.Errorf("pack buffer size %d does not match total_size %d",
			len(buf), h.TotalSize)
	}
	data := buf[types.DiffPackSize:]

	var b PackBuilder
	for i := range h.Records {
		rec := h.Records[i]
		if !rec.IsNormal() {
			if err := b.Add(rec, nil); err != nil {
				return nil, err
			}
			continue
		}
		in := data[rec.DataOffset : rec.DataOffset+rec.DataSize]
		out, err := conv(&rec, in)
		if err != nil {
			return nil, err
		}
		if err := b.Add(rec, out); err != nil {
			return nil, err
		}
	}
	b.pack.Header.Flags = h.Flags
	header, outData := b.Finalize()
	return append(header, outData...), nil
}
