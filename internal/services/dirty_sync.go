package services

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/walb-tools/go-walb/internal/device"
	"github.com/walb-tools/go-walb/internal/protocol"
	"github.com/walb-tools/go-walb/internal/types"
)

// DirtyFullSyncClient streams the whole device in bulkLb chunks. The device
// stays writable; the archive marks the base dirty and relies on the
// following wlog stream. It returns false on a force stop, leaving the
// caller to keep the pre-transition state.
func DirtyFullSyncClient(pkt *protocol.Packet, bdevPath string, sizeLb, bulkLb uint64,
	stopState *atomic.Int32, sc *StorageContext) (bool, error) {

	reader, err := device.NewAsyncBdevReader(bdevPath, types.LogicalBlockSize, 0)
	if err != nil {
		return false, err
	}
	defer reader.Close()
	reader.ReadAhead(sizeLb * types.LogicalBlockSize)

	buf := make([]byte, bulkLb*types.LogicalBlockSize)
	remaining := sizeLb
	for remaining > 0 {
		if stopState.Load() == ForceStopping || sc.IsForceShutdown() {
			return false, nil
		}
		lb := bulkLb
		if remaining < lb {
			lb = remaining
		}
		chunk := buf[:lb*types.LogicalBlockSize]
		if err := reader.Read(chunk); err != nil {
			return false, fmt.Errorf("full-sync read failed: %w", err)
		}
		if err := pkt.WriteU16(uint16(lb)); err != nil {
			return false, err
		}
		if err := pkt.WriteBytes(chunk); err != nil {
			return false, err
		}
		remaining -= lb
	}
	if err := pkt.Flush(); err != nil {
		return false, err
	}
	return true, nil
}

// DirtyHashSyncClient transfers only diverged bulks: it sends a seeded
// 128-bit MurmurHash3 per bulk and ships the raw bytes only when the server
// reports a mismatch.
func DirtyHashSyncClient(pkt *protocol.Packet, reader *device.AsyncBdevReader,
	sizeLb, bulkLb uint64, hashSeed uint32,
	stopState *atomic.Int32, sc *StorageContext) (bool, error) {

	reader.ReadAhead(sizeLb * types.LogicalBlockSize)
	buf := make([]byte, bulkLb*types.LogicalBlockSize)
	remaining := sizeLb
	for remaining > 0 {
		if stopState.Load() == ForceStopping || sc.IsForceShutdown() {
			return false, nil
		}
		lb := bulkLb
		if remaining < lb {
			lb = remaining
		}
		chunk := buf[:lb*types.LogicalBlockSize]
		if err := reader.Read(chunk); err != nil {
			return false, fmt.Errorf("hash-sync read failed: %w", err)
		}
		h1, h2 := murmur3.Sum128WithSeed(chunk, hashSeed)
		if err := pkt.WriteU64(h1); err != nil {
			return false, err
		}
		if err := pkt.WriteU64(h2); err != nil {
			return false, err
		}
		if err := pkt.Flush(); err != nil {
			return false, err
		}
		need, err := pkt.ReadU8()
		if err != nil {
			return false, err
		}
		if need != 0 {
			if err := pkt.WriteU16(uint16(lb)); err != nil {
				return false, err
			}
			if err := pkt.WriteBytes(chunk); err != nil {
				return false, err
			}
			if err := pkt.Flush(); err != nil {
				return false, err
			}
		}
		remaining -= lb
	}
	return true, nil
}

// HashSeedFromTime derives the hash seed both sides share for one sync run.
func HashSeedFromTime(t time.Time) uint32 {
	return uint32(t.Unix())
}
