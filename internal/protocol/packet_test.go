package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/walb-tools/go-walb/internal/types"
)

func pipePair(t *testing.T) (*Packet, *Packet) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })
	return NewPacket(c1), NewPacket(c2)
}

func TestPacketPrimitivesRoundTrip(t *testing.T) {
	a, b := pipePair(t)
	id := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")

	done := make(chan error, 1)
	go func() {
		defer close(done)
		if err := a.WriteU16(0xbeef); err != nil {
			done <- err
			return
		}
		if err := a.WriteU32(0xdeadbeef); err != nil {
			done <- err
			return
		}
		if err := a.WriteU64(1 << 40); err != nil {
			done <- err
			return
		}
		if err := a.WriteString("walb"); err != nil {
			done <- err
			return
		}
		if err := a.WriteUUID(id); err != nil {
			done <- err
			return
		}
		if err := a.WriteSizedBytes([]byte{1, 2, 3}); err != nil {
			done <- err
			return
		}
		done <- a.Flush()
	}()

	v16, err := b.ReadU16()
	require.NoError(t, err)
	require.Equal(t, uint16(0xbeef), v16)
	v32, err := b.ReadU32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), v32)
	v64, err := b.ReadU64()
	require.NoError(t, err)
	require.Equal(t, uint64(1)<<40, v64)
	s, err := b.ReadString()
	require.NoError(t, err)
	require.Equal(t, "walb", s)
	gotID, err := b.ReadUUID()
	require.NoError(t, err)
	require.Equal(t, id, gotID)
	sized, err := b.ReadSizedBytes(16)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, sized)
	require.NoError(t, <-done)
}

func TestMetaDiffRoundTrip(t *testing.T) {
	a, b := pipePair(t)
	d := types.MetaDiff{
		SnapB:       types.MetaSnap{GidB: 3, GidE: 3},
		SnapE:       types.MetaSnap{GidB: 7, GidE: 9},
		IsMergeable: true,
		Timestamp:   time.Unix(1700000000, 0).UTC(),
	}
	go func() {
		a.WriteMetaDiff(d)
		a.Flush()
	}()
	got, err := b.ReadMetaDiff()
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestAck(t *testing.T) {
	a, b := pipePair(t)
	go a.WriteAck()
	require.NoError(t, b.ReadAck())
}

func TestNegotiateAcceptAndReject(t *testing.T) {
	serve := func(known bool) (string, error) {
		c1, c2 := net.Pipe()
		defer c1.Close()
		defer c2.Close()
		go func() {
			pkt := NewPacket(c2)
			RunNegotiateAsServer(pkt, "server0", func(name string) bool { return known })
		}()
		pkt := NewPacket(c1)
		return RunNegotiateAsClient(pkt, "client0", EchoPN)
	}

	serverID, err := serve(true)
	require.NoError(t, err)
	require.Equal(t, "server0", serverID)

	_, err = serve(false)
	require.Error(t, err)
}

func TestEchoProtocol(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	go RunEchoServer(NewPacket(c2))
	require.NoError(t, RunEchoClient(NewPacket(c1), []string{"a", "bb", "ccc"}))
}

func TestGetHostType(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		pkt := NewPacket(conn)
		if _, err := RunNegotiateAsServer(pkt, "p0", func(n string) bool { return n == GetHostTypePN }); err != nil {
			return
		}
		RunGetHostTypeServer(pkt, ProxyHT)
	}()

	conn, err := ConnectWithTimeout(ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	ht, err := RunGetHostTypeClient(conn, "s0")
	require.NoError(t, err)
	require.Equal(t, ProxyHT, ht)
}
