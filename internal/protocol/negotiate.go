package protocol

import (
	"fmt"
	"net"
	"time"
)

// Protocol names.
const (
	EchoPN          = "echo"
	DirtyFullSyncPN = "dirty-full-sync"
	DirtyHashSyncPN = "dirty-hash-sync"
	WlogTransferPN  = "wlog-transfer"
	GetHostTypePN   = "get-host-type"
)

// Host types returned by get-host-type.
const (
	StorageHT = "storage"
	ProxyHT   = "proxy"
	ArchiveHT = "archive"
)

// Answer is the server's verdict on the opening negotiation.
type Answer struct {
	Ok   bool
	Code uint32
	Msg  string
}

func (p *Packet) WriteAnswer(a Answer) error {
	ok := uint8(0)
	if a.Ok {
		ok = 1
	}
	if err := p.WriteU8(ok); err != nil {
		return err
	}
	if err := p.WriteU32(a.Code); err != nil {
		return err
	}
	if err := p.WriteString(a.Msg); err != nil {
		return err
	}
	return p.Flush()
}

func (p *Packet) ReadAnswer() (Answer, error) {
	ok, err := p.ReadU8()
	if err != nil {
		return Answer{}, err
	}
	code, err := p.ReadU32()
	if err != nil {
		return Answer{}, err
	}
	msg, err := p.ReadString()
	if err != nil {
		return Answer{}, err
	}
	return Answer{Ok: ok != 0, Code: code, Msg: msg}, nil
}

// RunNegotiateAsClient performs the opening exchange
// {clientId, protocolName, VERSION} -> {serverId, Answer} and returns the
// server id.
func RunNegotiateAsClient(pkt *Packet, clientID, protocolName string) (string, error) {
	if err := pkt.WriteString(clientID); err != nil {
		return "", err
	}
	if err := pkt.WriteString(protocolName); err != nil {
		return "", err
	}
	if err := pkt.WriteU32(Version); err != nil {
		return "", err
	}
	if err := pkt.Flush(); err != nil {
		return "", err
	}
	serverID, err := pkt.ReadString()
	if err != nil {
		return "", err
	}
	ans, err := pkt.ReadAnswer()
	if err != nil {
		return "", err
	}
	if !ans.Ok {
		return "", fmt.Errorf("server %s rejected %s: code %d: %s",
			serverID, protocolName, ans.Code, ans.Msg)
	}
	return serverID, nil
}

// NegotiationResult is the server-side outcome of the opening exchange.
type NegotiationResult struct {
	ClientID     string
	ProtocolName string
}

// RunNegotiateAsServer reads the opening exchange and answers. known reports
// whether a protocol name is served; the Answer is negative for unknown
// protocols and version mismatches.
func RunNegotiateAsServer(pkt *Packet, serverID string, known func(string) bool) (NegotiationResult, error) {
	clientID, err := pkt.ReadString()
	if err != nil {
		return NegotiationResult{}, err
	}
	protocolName, err := pkt.ReadString()
	if err != nil {
		return NegotiationResult{}, err
	}
	ver, err := pkt.ReadU32()
	if err != nil {
		return NegotiationResult{}, err
	}
	if err := pkt.WriteString(serverID); err != nil {
		return NegotiationResult{}, err
	}
	res := NegotiationResult{ClientID: clientID, ProtocolName: protocolName}
	if ver != Version {
		err := pkt.WriteAnswer(Answer{Code: 1, Msg: fmt.Sprintf("version mismatch: server %d client %d", Version, ver)})
		if err != nil {
			return res, err
		}
		return res, fmt.Errorf("client %s version %d differs from %d", clientID, ver, Version)
	}
	if !known(protocolName) {
		err := pkt.WriteAnswer(Answer{Code: 1, Msg: fmt.Sprintf("unknown protocol %s", protocolName)})
		if err != nil {
			return res, err
		}
		return res, fmt.Errorf("client %s requested unknown protocol %s", clientID, protocolName)
	}
	if err := pkt.WriteAnswer(Answer{Ok: true}); err != nil {
		return res, err
	}
	return res, nil
}

// ConnectWithTimeout dials addr within timeout and applies it as the initial
// read/write deadline window.
func ConnectWithTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}
	return conn, nil
}

// KeepAliveParams tunes TCP keep-alive on long-lived sockets.
type KeepAliveParams struct {
	Enabled  bool
	IdleSec  int
	Interval int
	Count    int
}

// SetSocketParams applies timeout and keep-alive settings to conn.
func SetSocketParams(conn net.Conn, ka KeepAliveParams, timeout time.Duration) {
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	} else {
		conn.SetDeadline(time.Time{})
	}
	if tc, ok := conn.(*net.TCPConn); ok && ka.Enabled {
		tc.SetKeepAlive(true)
		if ka.IdleSec > 0 {
			tc.SetKeepAlivePeriod(time.Duration(ka.IdleSec) * time.Second)
		}
	}
}

// RunEchoClient round-trips each string and verifies the echo.
func RunEchoClient(pkt *Packet, msgs []string) error {
	if err := pkt.WriteU32(uint32(len(msgs))); err != nil {
		return err
	}
	for _, s := range msgs {
		if err := pkt.WriteString(s); err != nil {
			return err
		}
		if err := pkt.Flush(); err != nil {
			return err
		}
		got, err := pkt.ReadString()
		if err != nil {
			return err
		}
		if got != s {
			return fmt.Errorf("echo mismatch: sent %q got %q", s, got)
		}
	}
	return nil
}

// RunEchoServer echoes count strings back.
func RunEchoServer(pkt *Packet) error {
	count, err := pkt.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		s, err := pkt.ReadString()
		if err != nil {
			return err
		}
		if err := pkt.WriteString(s); err != nil {
			return err
		}
		if err := pkt.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// RunGetHostTypeClient asks a peer for its host type.
func RunGetHostTypeClient(conn net.Conn, clientID string) (string, error) {
	pkt := NewPacket(conn)
	if _, err := RunNegotiateAsClient(pkt, clientID, GetHostTypePN); err != nil {
		return "", err
	}
	return pkt.ReadString()
}

// RunGetHostTypeServer answers the host type.
func RunGetHostTypeServer(pkt *Packet, hostType string) error {
	if err := pkt.WriteString(hostType); err != nil {
		return err
	}
	return pkt.Flush()
}
