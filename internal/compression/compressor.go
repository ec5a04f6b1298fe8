package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/ulikunitz/xz"

	"github.com/walb-tools/go-walb/internal/types"
)

// Compress encodes data with the given wdiff compression type.
func Compress(cmprType uint8, data []byte) ([]byte, error) {
	switch cmprType {
	case types.CmprNone:
		return data, nil
	case types.CmprSnappy:
		return snappy.Encode(nil, data), nil
	case types.CmprGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip write failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close failed: %w", err)
		}
		return buf.Bytes(), nil
	case types.CmprLzma:
		var buf bytes.Buffer
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("xz writer init failed: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("xz write failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("xz close failed: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", cmprType)
	}
}

// Uncompress decodes data previously encoded with cmprType.
func Uncompress(cmprType uint8, data []byte) ([]byte, error) {
	switch cmprType {
	case types.CmprNone:
		return data, nil
	case types.CmprSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("snappy decode failed: %w", err)
		}
		return out, nil
	case types.CmprGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader init failed: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip read failed: %w", err)
		}
		return out, nil
	case types.CmprLzma:
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("xz reader init failed: %w", err)
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("xz read failed: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", cmprType)
	}
}

// CompressRecord applies the compress-if-strictly-smaller policy to one diff
// record's data. It rewrites rec's compression_type, data_size and checksum
// and returns the bytes to store.
func CompressRecord(cmprType uint8, rec *types.DiffRecord, data []byte) ([]byte, error) {
	stored := data
	rec.CompressionType = types.CmprNone
	if cmprType != types.CmprNone && len(data) > 0 {
		enc, err := Compress(cmprType, data)
		if err != nil {
			return nil, err
		}
		if len(enc) < len(data) {
			stored = enc
			rec.CompressionType = cmprType
		}
	}
	rec.DataSize = uint32(len(stored))
	rec.Checksum = types.Checksum(stored, 0)
	return stored, nil
}

// UncompressRecord reverses CompressRecord and verifies the stored checksum.
func UncompressRecord(rec *types.DiffRecord, stored []byte) ([]byte, error) {
	if uint32(len(stored)) != rec.DataSize {
		return nil, fmt.Errorf("stored size %d does not match record data_size %d",
			len(stored), rec.DataSize)
	}
	if types.Checksum(stored, 0) != rec.Checksum {
		return nil, fmt.Errorf("diff record data checksum mismatch at address %d: %w",
			rec.IoAddress, types.ErrInvalidFormat)
	}
	out, err := Uncompress(rec.CompressionType, stored)
	if err != nil {
		return nil, err
	}
	if want := int(rec.IoBlocks) * types.LogicalBlockSize; rec.IsNormal() && len(out) != want {
		return nil, fmt.Errorf("uncompressed size %d does not match io_blocks %d: %w",
			len(out), rec.IoBlocks, types.ErrInvalidFormat)
	}
	return out, nil
}
