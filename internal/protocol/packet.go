package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/walb-tools/go-walb/internal/types"
)

// Version is the wire protocol version exchanged during negotiation.
const Version uint32 = 1

// maxStringLen bounds string fields on the wire.
const maxStringLen = 1 << 20

// ackMagic is the fixed Ack word.
const ackMagic uint32 = 0x416b416b // "AkAk"

// Packet frames little-endian primitives over a stream, mirroring the wire
// layout of every walb protocol.
type Packet struct {
	br *bufio.Reader
	bw *bufio.Writer
}

// NewPacket wraps rw.
func NewPacket(rw io.ReadWriter) *Packet {
	return &Packet{br: bufio.NewReader(rw), bw: bufio.NewWriter(rw)}
}

// Flush pushes buffered writes to the connection.
func (p *Packet) Flush() error {
	if err := p.bw.Flush(); err != nil {
		return fmt.Errorf("packet flush failed: %w", err)
	}
	return nil
}

func (p *Packet) WriteU8(v uint8) error {
	return p.writeAll([]byte{v})
}

func (p *Packet) WriteU16(v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return p.writeAll(b[:])
}

func (p *Packet) WriteU32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return p.writeAll(b[:])
}

func (p *Packet) WriteU64(v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return p.writeAll(b[:])
}

func (p *Packet) writeAll(b []byte) error {
	if _, err := p.bw.Write(b); err != nil {
		return fmt.Errorf("packet write failed: %w", err)
	}
	return nil
}

// WriteString writes a u32 length followed by the bytes.
func (p *Packet) WriteString(s string) error {
	if len(s) > maxStringLen {
		return fmt.Errorf("string too long: %d bytes", len(s))
	}
	if err := p.WriteU32(uint32(len(s))); err != nil {
		return err
	}
	return p.writeAll([]byte(s))
}

// WriteSizedBytes writes a u32 length followed by the bytes.
func (p *Packet) WriteSizedBytes(b []byte) error {
	if err := p.WriteU32(uint32(len(b))); err != nil {
		return err
	}
	return p.writeAll(b)
}

// WriteBytes writes raw bytes without a length prefix.
func (p *Packet) WriteBytes(b []byte) error {
	return p.writeAll(b)
}

// WriteUUID writes the 16 raw uuid bytes.
func (p *Packet) WriteUUID(id uuid.UUID) error {
	return p.writeAll(id[:])
}

func (p *Packet) ReadU8() (uint8, error) {
	var b [1]byte
	if err := p.readFull(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (p *Packet) ReadU16() (uint16, error) {
	var b [2]byte
	if err := p.readFull(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (p *Packet) ReadU32() (uint32, error) {
	var b [4]byte
	if err := p.readFull(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (p *Packet) ReadU64() (uint64, error) {
	var b [8]byte
	if err := p.readFull(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (p *Packet) readFull(b []byte) error {
	if _, err := io.ReadFull(p.br, b); err != nil {
		return fmt.Errorf("packet read failed: %w", err)
	}
	return nil
}

// ReadString reads a u32-length-prefixed string.
func (p *Packet) ReadString() (string, error) {
	n, err := p.ReadU32()
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("string length %d exceeds limit", n)
	}
	b := make([]byte, n)
	if err := p.readFull(b); err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadSizedBytes reads a u32-length-prefixed byte block bounded by limit.
func (p *Packet) ReadSizedBytes(limit uint32) ([]byte, error) {
	n, err := p.ReadU32()
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, fmt.Errorf("sized block %d exceeds limit %d", n, limit)
	}
	b := make([]byte, n)
	if err := p.readFull(b); err != nil {
		return nil, err
	}
	return b, nil
}

// ReadBytes reads exactly len(b) raw bytes.
func (p *Packet) ReadBytes(b []byte) error {
	return p.readFull(b)
}

// ReadUUID reads 16 raw uuid bytes.
func (p *Packet) ReadUUID() (uuid.UUID, error) {
	var id uuid.UUID
	if err := p.readFull(id[:]); err != nil {
		return uuid.UUID{}, err
	}
	return id, nil
}

// WriteAck sends the fixed Ack word and flushes.
func (p *Packet) WriteAck() error {
	if err := p.WriteU32(ackMagic); err != nil {
		return err
	}
	return p.Flush()
}

// ReadAck consumes an Ack word.
func (p *Packet) ReadAck() error {
	v, err := p.ReadU32()
	if err != nil {
		return err
	}
	if v != ackMagic {
		return fmt.Errorf("bad ack word %08x", v)
	}
	return nil
}

// WriteStrVec writes a counted vector of strings.
func (p *Packet) WriteStrVec(v []string) error {
	if err := p.WriteU32(uint32(len(v))); err != nil {
		return err
	}
	for _, s := range v {
		if err := p.WriteString(s); err != nil {
			return err
		}
	}
	return nil
}

// ReadStrVec reads a counted vector of strings.
func (p *Packet) ReadStrVec() ([]string, error) {
	n, err := p.ReadU32()
	if err != nil {
		return nil, err
	}
	if n > maxStringLen {
		return nil, fmt.Errorf("string vector length %d exceeds limit", n)
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := p.ReadString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// WriteMetaSnap writes a MetaSnap.
func (p *Packet) WriteMetaSnap(s types.MetaSnap) error {
	if err := p.WriteU64(s.GidB); err != nil {
		return err
	}
	return p.WriteU64(s.GidE)
}

// ReadMetaSnap reads a MetaSnap.
func (p *Packet) ReadMetaSnap() (types.MetaSnap, error) {
	gidB, err := p.ReadU64()
	if err != nil {
		return types.MetaSnap{}, err
	}
	gidE, err := p.ReadU64()
	if err != nil {
		return types.MetaSnap{}, err
	}
	return types.MetaSnap{GidB: gidB, GidE: gidE}, nil
}

// WriteMetaDiff writes a MetaDiff.
func (p *Packet) WriteMetaDiff(d types.MetaDiff) error {
	if err := p.WriteMetaSnap(d.SnapB); err != nil {
		return err
	}
	if err := p.WriteMetaSnap(d.SnapE); err != nil {
		return err
	}
	m := uint8(0)
	if d.IsMergeable {
		m = 1
	}
	if err := p.WriteU8(m); err != nil {
		return err
	}
	return p.WriteU64(uint64(d.Timestamp.Unix()))
}

// ReadMetaDiff reads a MetaDiff.
func (p *Packet) ReadMetaDiff() (types.MetaDiff, error) {
	snapB, err := p.ReadMetaSnap()
	if err != nil {
		return types.MetaDiff{}, err
	}
	snapE, err := p.ReadMetaSnap()
	if err != nil {
		return types.MetaDiff{}, err
	}
	m, err := p.ReadU8()
	if err != nil {
		return types.MetaDiff{}, err
	}
	ts, err := p.ReadU64()
	if err != nil {
		return types.MetaDiff{}, err
	}
	return types.MetaDiff{
		SnapB:       snapB,
		SnapE:       snapE,
		IsMergeable: m != 0,
		Timestamp:   time.Unix(int64(ts), 0).UTC(),
	}, nil
}
