package services

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"github.com/stretchr/testify/require"

	"github.com/walb-tools/go-walb/internal/device"
	"github.com/walb-tools/go-walb/internal/protocol"
	"github.com/walb-tools/go-walb/internal/types"
)

// fakeArchive accepts one backup protocol run and records what it received.
type fakeArchive struct {
	ln       net.Listener
	isFull   bool
	throttle time.Duration // per-bulk delay, to keep syncs observable

	mu       sync.Mutex
	data     []byte
	baseSnap types.MetaSnap // sent to the client on hash sync
	gotSnap  types.MetaSnap
	gotUUID  uuid.UUID
	complete bool
	// local content for hash comparison, hash sync only
	local []byte
}

func newFakeArchive(t *testing.T, isFull bool, sizeLb uint64, local []byte) *fakeArchive {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fa := &fakeArchive{ln: ln, isFull: isFull, data: make([]byte, sizeLb*types.LogicalBlockSize), local: local}
	go fa.serve(sizeLb)
	t.Cleanup(func() { ln.Close() })
	return fa
}

func (fa *fakeArchive) addr() string { return fa.ln.Addr().String() }

func (fa *fakeArchive) serve(sizeLb uint64) {
	conn, err := fa.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	pkt := protocol.NewPacket(conn)
	pn := protocol.DirtyFullSyncPN
	if !fa.isFull {
		pn = protocol.DirtyHashSyncPN
	}
	if _, err := protocol.RunNegotiateAsServer(pkt, "fake-archive", func(n string) bool { return n == pn }); err != nil {
		return
	}
	// header: hostType, volId, sizeLb, curTime, bulkLb
	if _, err := pkt.ReadString(); err != nil {
		return
	}
	if _, err := pkt.ReadString(); err != nil {
		return
	}
	gotSizeLb, err := pkt.ReadU64()
	if err != nil {
		return
	}
	curTime, err := pkt.ReadU64()
	if err != nil {
		return
	}
	bulkLb, err := pkt.ReadU64()
	if err != nil {
		return
	}
	pkt.WriteString("accept")
	pkt.Flush()
	if !fa.isFull {
		pkt.WriteMetaSnap(fa.baseSnap)
		pkt.Flush()
	}
	id, err := pkt.ReadUUID()
	if err != nil {
		return
	}
	fa.mu.Lock()
	fa.gotUUID = id
	fa.mu.Unlock()
	pkt.WriteAck()

	seed := uint32(curTime)
	off := uint64(0)
	remaining := gotSizeLb
	for remaining > 0 {
		if fa.throttle > 0 {
			time.Sleep(fa.throttle)
		}
		lb := bulkLb
		if remaining < lb {
			lb = remaining
		}
		if fa.isFull {
			lbGot, err := pkt.ReadU16()
			if err != nil {
				return
			}
			buf := make([]byte, uint64(lbGot)*types.LogicalBlockSize)
			if err := pkt.ReadBytes(buf); err != nil {
				return
			}
			copy(fa.data[off*types.LogicalBlockSize:], buf)
			off += uint64(lbGot)
			remaining -= uint64(lbGot)
		} else {
			h1, err := pkt.ReadU64()
			if err != nil {
				return
			}
			h2, err := pkt.ReadU64()
			if err != nil {
				return
			}
			localChunk := fa.local[off*types.LogicalBlockSize : (off+lb)*types.LogicalBlockSize]
			l1, l2 := murmur3.Sum128WithSeed(localChunk, seed)
			need := uint8(0)
			if l1 != h1 || l2 != h2 {
				need = 1
			}
			pkt.WriteU8(need)
			pkt.Flush()
			if need != 0 {
				lbGot, err := pkt.ReadU16()
				if err != nil {
					return
				}
				buf := make([]byte, uint64(lbGot)*types.LogicalBlockSize)
				if err := pkt.ReadBytes(buf); err != nil {
					return
				}
				copy(fa.data[off*types.LogicalBlockSize:], buf)
			} else {
				copy(fa.data[off*types.LogicalBlockSize:], localChunk)
			}
			off += lb
			remaining -= lb
		}
	}
	snap, err := pkt.ReadMetaSnap()
	if err != nil {
		return
	}
	fa.mu.Lock()
	fa.gotSnap = snap
	fa.complete = true
	fa.mu.Unlock()
	pkt.WriteAck()
}

func writeDeviceFile(t *testing.T, dir string, sizeLb uint64, seed byte) (string, []byte) {
	t.Helper()
	content := make([]byte, sizeLb*types.LogicalBlockSize)
	for i := range content {
		content[i] = seed + byte(i%97)
	}
	path := filepath.Join(dir, "bdev.img")
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path, content
}

func TestDirtyFullSyncClientTransfersEverything(t *testing.T) {
	const sizeLb = 256
	dir := t.TempDir()
	path, content := writeDeviceFile(t, dir, sizeLb, 3)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	got := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		pkt := protocol.NewPacket(conn)
		data := make([]byte, 0, sizeLb*types.LogicalBlockSize)
		for uint64(len(data)) < sizeLb*types.LogicalBlockSize {
			lb, err := pkt.ReadU16()
			if err != nil {
				return
			}
			buf := make([]byte, int(lb)*types.LogicalBlockSize)
			if err := pkt.ReadBytes(buf); err != nil {
				return
			}
			data = append(data, buf...)
		}
		got <- data
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	sc := NewStorageContext(DefaultConfig())
	var stopState atomic.Int32
	completed, err := DirtyFullSyncClient(protocol.NewPacket(conn), path, sizeLb, 16, &stopState, sc)
	require.NoError(t, err)
	require.True(t, completed)
	require.True(t, bytes.Equal(<-got, content))
}

func TestDirtyFullSyncClientForceStop(t *testing.T) {
	const sizeLb = 1 << 14 // 8 MiB
	dir := t.TempDir()
	path, _ := writeDeviceFile(t, dir, sizeLb, 5)

	c1, c2 := net.Pipe()
	defer c1.Close()
	// Consume a couple of bulks, then stall the pipe.
	var stopState atomic.Int32
	go func() {
		pkt := protocol.NewPacket(c2)
		for i := 0; i < 2; i++ {
			lb, err := pkt.ReadU16()
			if err != nil {
				return
			}
			buf := make([]byte, int(lb)*types.LogicalBlockSize)
			if err := pkt.ReadBytes(buf); err != nil {
				return
			}
		}
		stopState.Store(ForceStopping)
		// keep draining so the client reaches its checkpoint
		pkt2 := protocol.NewPacket(c2)
		buf := make([]byte, 1<<16)
		for {
			if err := pkt2.ReadBytes(buf); err != nil {
				return
			}
		}
	}()

	sc := NewStorageContext(DefaultConfig())
	completed, err := DirtyFullSyncClient(protocol.NewPacket(c1), path, sizeLb, 16, &stopState, sc)
	require.NoError(t, err)
	require.False(t, completed, "force stop must return false")
	c2.Close()
}

func TestDirtyHashSyncClientSendsOnlyDiverged(t *testing.T) {
	const sizeLb = 256
	const bulkLb = 16
	dir := t.TempDir()
	path, content := writeDeviceFile(t, dir, sizeLb, 7)

	// The server's copy diverges in bulk 3 only.
	local := append([]byte(nil), content...)
	local[3*bulkLb*types.LogicalBlockSize] ^= 0xff

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type res struct {
		data  []byte
		sends int
	}
	resC := make(chan res, 1)
	const seed = 12345
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		pkt := protocol.NewPacket(conn)
		data := make([]byte, 0, len(content))
		sends := 0
		for off := uint64(0); off < sizeLb; off += bulkLb {
			h1, err := pkt.ReadU64()
			if err != nil {
				return
			}
			h2, err := pkt.ReadU64()
			if err != nil {
				return
			}
			chunk := local[off*types.LogicalBlockSize : (off+bulkLb)*types.LogicalBlockSize]
			l1, l2 := murmur3.Sum128WithSeed(chunk, seed)
			if l1 == h1 && l2 == h2 {
				pkt.WriteU8(0)
				pkt.Flush()
				data = append(data, chunk...)
				continue
			}
			pkt.WriteU8(1)
			pkt.Flush()
			lb, err := pkt.ReadU16()
			if err != nil {
				return
			}
			buf := make([]byte, int(lb)*types.LogicalBlockSize)
			if err := pkt.ReadBytes(buf); err != nil {
				return
			}
			data = append(data, buf...)
			sends++
		}
		resC <- res{data: data, sends: sends}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	reader, err := device.NewAsyncBdevReader(path, types.LogicalBlockSize, 0)
	require.NoError(t, err)
	defer reader.Close()

	sc := NewStorageContext(DefaultConfig())
	var stopState atomic.Int32
	completed, err := DirtyHashSyncClient(protocol.NewPacket(conn), reader, sizeLb, bulkLb, seed, &stopState, sc)
	require.NoError(t, err)
	require.True(t, completed)

	r := <-resC
	require.Equal(t, 1, r.sends, "only the diverged bulk is shipped")
	require.True(t, bytes.Equal(r.data, content))
}
