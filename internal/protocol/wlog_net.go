package protocol

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/walb-tools/go-walb/internal/compression"
	"github.com/walb-tools/go-walb/internal/parsers/logdev"
	"github.com/walb-tools/go-walb/internal/parsers/wdiff"
	"github.com/walb-tools/go-walb/internal/types"
)

// maxPackFrame bounds one compressed pack frame on the wire.
const maxPackFrame = types.DiffPackSize + types.MaxPackDataSize

// WlogSender converts logpack records into diff packs, compresses them on a
// ConverterQueue and streams them as length-prefixed frames. One sender
// serves one transfer round.
type WlogSender struct {
	pkt   *Packet
	pbs   uint32
	salt  uint32
	queue *compression.ConverterQueue

	builder   wdiff.PackBuilder
	done      chan struct{} // closed when the writer goroutine exits
	closeOnce sync.Once
	errMu     sync.Mutex
	werr      error
	sentHdr   bool
	hdr       *types.WlogFileHeader
}

// WlogSenderConfig sizes the compression pipeline.
type WlogSenderConfig struct {
	CmprType    uint8
	NumEngines  int
	MaxQueueNum int
}

// NewWlogSender starts the sender's compression pipeline and background
// socket writer for the lsid range [beginLsid, endLsid).
func NewWlogSender(pkt *Packet, pbs, salt uint32, id uuid.UUID, beginLsid, endLsid uint64, cfg WlogSenderConfig) *WlogSender {
	if cfg.NumEngines <= 0 {
		cfg.NumEngines = 4
	}
	if cfg.MaxQueueNum <= 0 {
		cfg.MaxQueueNum = 8
	}
	pc := &wdiff.PackCompressor{CmprType: cfg.CmprType}
	s := &WlogSender{
		pkt:   pkt,
		pbs:   pbs,
		salt:  salt,
		queue: compression.NewConverterQueue(cfg.NumEngines, cfg.MaxQueueNum, pc.Convert),
		done:  make(chan struct{}),
		hdr:   logdev.NewWlogFileHeader(pbs, salt, id, beginLsid, endLsid),
	}
	go s.writer()
	return s
}

func (s *WlogSender) setErr(err error) {
	s.errMu.Lock()
	if s.werr == nil {
		s.werr = err
	}
	s.errMu.Unlock()
}

func (s *WlogSender) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.werr
}

// writer drains compressed packs to the socket in push order. After the
// first failure it keeps draining without writing, so producers never block
// on a full queue, and exits once the queue quits.
func (s *WlogSender) writer() {
	defer close(s.done)
	for {
		buf, ok, err := s.queue.Pop()
		if !ok {
			return
		}
		if err != nil {
			s.setErr(err)
			continue
		}
		if s.err() != nil {
			continue
		}
		if err := s.pkt.WriteSizedBytes(buf); err != nil {
			s.setErr(err)
		}
	}
}

func (s *WlogSender) sendFileHeader() error {
	if s.sentHdr {
		return nil
	}
	if err := s.pkt.WriteSizedBytes(logdev.SerializeWlogFileHeader(s.hdr)); err != nil {
		return err
	}
	s.sentHdr = true
	return nil
}

// PushHeader starts a new logpack. The current diff pack keeps filling
// across logpack boundaries.
func (s *WlogSender) PushHeader(p *logdev.PackHeader) error {
	return s.sendFileHeader()
}

// PushIo translates record i of p with its data blocks into a diff record.
// Padding records are dropped; discards become DISCARD records; all-zero
// payloads become ALLZERO records.
func (s *WlogSender) PushIo(p *logdev.PackHeader, i int, blocks [][]byte) error {
	rec := &p.H.Records[i]
	if rec.IsPadding() {
		return nil
	}
	drec := types.DiffRecord{
		IoAddress: rec.Offset,
		IoBlocks:  rec.IoSize,
	}
	if rec.IsDiscard() {
		drec.SetDiscard()
		return s.addRecord(drec, nil)
	}

	data := flattenIo(blocks, rec.IoSize)
	if isAllZero(data) {
		drec.SetAllZero()
		return s.addRecord(drec, nil)
	}
	drec.DataSize = uint32(len(data))
	drec.Checksum = types.Checksum(data, 0)
	return s.addRecord(drec, data)
}

func (s *WlogSender) addRecord(rec types.DiffRecord, data []byte) error {
	if err := s.checkWriter(); err != nil {
		return err
	}
	if !s.builder.CanAdd(rec.DataSize) {
		s.flushPack()
	}
	return s.builder.Add(rec, data)
}

func (s *WlogSender) flushPack() {
	if s.builder.IsEmpty() {
		return
	}
	header, data := s.builder.Finalize()
	s.queue.Push(append(header, data...))
}

func (s *WlogSender) checkWriter() error {
	return s.err()
}

// shutdown quits the queue and joins the writer and its engines. Idempotent;
// shared by Sync and Close so a deferred Close after Sync is a no-op.
func (s *WlogSender) shutdown() {
	s.closeOnce.Do(func() {
		s.queue.Quit()
		<-s.done
		s.queue.Close()
	})
}

// Sync flushes the pending pack, drains the pipeline, writes the terminal
// pack frame and flushes the socket.
func (s *WlogSender) Sync() error {
	if err := s.sendFileHeader(); err != nil {
		return err
	}
	s.flushPack()
	s.shutdown()
	if err := s.err(); err != nil {
		return err
	}
	if err := s.pkt.WriteSizedBytes(wdiff.SerializeEndPack()); err != nil {
		return err
	}
	return s.pkt.Flush()
}

// Close aborts the pipeline without completing the stream.
func (s *WlogSender) Close() {
	s.shutdown()
}

func flattenIo(blocks [][]byte, ioSizeLb uint32) []byte {
	out := make([]byte, 0, int(ioSizeLb)*types.LogicalBlockSize)
	remaining := int(ioSizeLb) * types.LogicalBlockSize
	for _, b := range blocks {
		if remaining <= 0 {
			break
		}
		n := len(b)
		if n > remaining {
			n = remaining
		}
		out = append(out, b[:n]...)
		remaining -= n
	}
	return out
}

func isAllZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

// WlogReceiver consumes a wlog-transfer diff stream: header frame, then
// compressed pack frames until the terminal pack. Used by the proxy side and
// by tests.
type WlogReceiver struct {
	pkt *Packet
	Hdr *types.WlogFileHeader
}

// NewWlogReceiver reads the stream's wlog file header frame.
func NewWlogReceiver(pkt *Packet) (*WlogReceiver, error) {
	buf, err := pkt.ReadSizedBytes(types.WlogFileHeaderSize)
	if err != nil {
		return nil, err
	}
	hdr, err := logdev.ParseWlogFileHeader(buf)
	if err != nil {
		return nil, err
	}
	return &WlogReceiver{pkt: pkt, Hdr: hdr}, nil
}

// Next returns the records and uncompressed payloads of the next pack. ok is
// false on the terminal pack.
func (r *WlogReceiver) Next() (recs []types.DiffRecord, datas [][]byte, ok bool, err error) {
	buf, err := r.pkt.ReadSizedBytes(maxPackFrame)
	if err != nil {
		return nil, nil, false, err
	}
	if len(buf) < types.DiffPackSize {
		return nil, nil, false, fmt.Errorf("short pack frame: %d bytes", len(buf))
	}
	h, err := wdiff.ParsePackHeader(buf[:types.DiffPackSize])
	if err != nil {
		return nil, nil, false, err
	}
	if h.IsEnd() {
		return nil, nil, false, nil
	}
	data := buf[types.DiffPackSize:]
	for i := range h.Records {
		rec := h.Records[i]
		if !rec.IsNormal() {
			recs = append(recs, rec)
			datas = append(datas, nil)
			continue
		}
		stored := data[rec.DataOffset : rec.DataOffset+rec.DataSize]
		out, err := compression.UncompressRecord(&rec, stored)
		if err != nil {
			return nil, nil, false, err
		}
		rec.CompressionType = types.CmprNone
		rec.DataSize = uint32(len(out))
		rec.Checksum = types.Checksum(out, 0)
		recs = append(recs, rec)
		datas = append(datas, out)
	}
	return recs, datas, true, nil
}
