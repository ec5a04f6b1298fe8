package services

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walb-tools/go-walb/internal/interfaces"
	"github.com/walb-tools/go-walb/internal/protocol"
	"github.com/walb-tools/go-walb/internal/types"
)

// receivedTransfer is one wlog-transfer captured by the fake proxy.
type receivedTransfer struct {
	VolID string
	Recs  []types.DiffRecord
	Datas [][]byte
	Diff  types.MetaDiff
}

// fakeProxy is an in-process proxy stand-in serving get-host-type and
// wlog-transfer on a loopback listener.
type fakeProxy struct {
	ln       net.Listener
	hostType string
	accept   bool

	mu        sync.Mutex
	transfers []receivedTransfer
}

func newFakeProxy(t *testing.T, hostType string, accept bool) *fakeProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fp := &fakeProxy{ln: ln, hostType: hostType, accept: accept}
	go fp.serve()
	t.Cleanup(func() { ln.Close() })
	return fp
}

func (fp *fakeProxy) addr() string { return fp.ln.Addr().String() }

func (fp *fakeProxy) received() []receivedTransfer {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	out := make([]receivedTransfer, len(fp.transfers))
	copy(out, fp.transfers)
	return out
}

func (fp *fakeProxy) serve() {
	for {
		conn, err := fp.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			fp.handle(conn)
		}()
	}
}

func (fp *fakeProxy) handle(conn net.Conn) {
	pkt := protocol.NewPacket(conn)
	res, err := protocol.RunNegotiateAsServer(pkt, "fake-proxy", func(name string) bool {
		return name == protocol.GetHostTypePN || name == protocol.WlogTransferPN
	})
	if err != nil {
		return
	}
	switch res.ProtocolName {
	case protocol.GetHostTypePN:
		protocol.RunGetHostTypeServer(pkt, fp.hostType)
	case protocol.WlogTransferPN:
		fp.handleTransfer(pkt)
	}
}

func (fp *fakeProxy) handleTransfer(pkt *protocol.Packet) {
	volID, err := pkt.ReadString()
	if err != nil {
		return
	}
	var id [16]byte
	if err := pkt.ReadBytes(id[:]); err != nil {
		return
	}
	if _, err := pkt.ReadU32(); err != nil { // pbs
		return
	}
	if _, err := pkt.ReadU32(); err != nil { // salt
		return
	}
	if _, err := pkt.ReadU64(); err != nil { // volSizeLb
		return
	}
	if _, err := pkt.ReadU64(); err != nil { // maxLogSizePb
		return
	}
	if !fp.accept {
		pkt.WriteString("reject")
		pkt.Flush()
		return
	}
	if err := pkt.WriteString("accept"); err != nil {
		return
	}
	if err := pkt.Flush(); err != nil {
		return
	}

	rcv, err := protocol.NewWlogReceiver(pkt)
	if err != nil {
		return
	}
	tr := receivedTransfer{VolID: volID}
	for {
		recs, datas, ok, err := rcv.Next()
		if err != nil {
			return
		}
		if !ok {
			break
		}
		tr.Recs = append(tr.Recs, recs...)
		tr.Datas = append(tr.Datas, datas...)
	}
	tr.Diff, err = pkt.ReadMetaDiff()
	if err != nil {
		return
	}
	fp.mu.Lock()
	fp.transfers = append(fp.transfers, tr)
	fp.mu.Unlock()
	pkt.WriteAck()
}

// memWdevFactory installs dev as the controller for every wdev path.
func memWdevFactory(dev interfaces.WdevController) func(string) (interfaces.WdevController, error) {
	return func(string) (interfaces.WdevController, error) { return dev, nil }
}
