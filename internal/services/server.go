package services

import (
	"fmt"
	"net"
	"strconv"

	"github.com/apex/log"

	"github.com/walb-tools/go-walb/internal/protocol"
)

// Command protocol names served by the storage daemon.
const (
	StatusCN               = "status"
	InitVolCN              = "init-vol"
	ClearVolCN             = "clear-vol"
	ResetVolCN             = "reset-vol"
	StartCN                = "start"
	StopCN                 = "stop"
	FullBkpCN              = "full-bkp"
	HashBkpCN              = "hash-bkp"
	ResizeCN               = "resize"
	SnapshotCN             = "snapshot"
	KickCN                 = "kick"
	DbgDumpLogpackHeaderCN = "dbg-dump-logpack-header"
	GetCN                  = "get"
	ExecCN                 = "exec"
)

// Get targets.
const (
	GetStateTN      = "state"
	GetHostTypeTN   = "host-type"
	GetVolTN        = "vol"
	GetPidTN        = "pid"
	GetIsOverflowTN = "is-overflow"
	GetUuidTN       = "uuid"
)

const msgOk = "ok"

// commandHandler serves one command: params in, value strings out.
type commandHandler func(sc *StorageContext, params []string) ([]string, error)

var commandHandlerMap = map[string]commandHandler{
	StatusCN:               handleStatus,
	InitVolCN:              handleInitVol,
	ClearVolCN:             handleClearVol,
	ResetVolCN:             handleResetVol,
	StartCN:                handleStart,
	StopCN:                 handleStop,
	FullBkpCN:              handleFullBkp,
	HashBkpCN:              handleHashBkp,
	ResizeCN:               handleResize,
	SnapshotCN:             handleSnapshot,
	KickCN:                 handleKick,
	DbgDumpLogpackHeaderCN: handleDumpLogpackHeader,
	GetCN:                  handleGet,
	ExecCN:                 handleExec,
}

// Serve accepts connections until the listener closes.
func Serve(sc *StorageContext, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			serveConn(sc, conn)
		}()
	}
}

func serveConn(sc *StorageContext, conn net.Conn) {
	pkt := protocol.NewPacket(conn)
	known := func(name string) bool {
		if name == protocol.EchoPN || name == protocol.GetHostTypePN {
			return true
		}
		_, ok := commandHandlerMap[name]
		return ok
	}
	res, err := protocol.RunNegotiateAsServer(pkt, sc.Cfg.NodeID, known)
	if err != nil {
		log.WithError(err).Warn("negotiation failed")
		return
	}
	logger := log.WithField("client", res.ClientID).WithField("protocol", res.ProtocolName)

	switch res.ProtocolName {
	case protocol.EchoPN:
		if err := protocol.RunEchoServer(pkt); err != nil {
			logger.WithError(err).Warn("echo failed")
		}
		return
	case protocol.GetHostTypePN:
		if err := protocol.RunGetHostTypeServer(pkt, protocol.StorageHT); err != nil {
			logger.WithError(err).Warn("get-host-type failed")
		}
		return
	}

	params, err := pkt.ReadStrVec()
	if err != nil {
		logger.WithError(err).Warn("failed to read params")
		return
	}
	values, err := commandHandlerMap[res.ProtocolName](sc, params)
	if err != nil {
		logger.WithError(err).Error("command failed")
		pkt.WriteString(err.Error())
		pkt.Flush()
		return
	}
	if err := pkt.WriteString(msgOk); err == nil {
		if err := pkt.WriteStrVec(values); err == nil {
			pkt.Flush()
		}
	}
}

// RunCommandClient runs one command against a daemon and returns the value
// strings.
func RunCommandClient(addr, clientID, cmd string, params []string) ([]string, error) {
	conn, err := protocol.ConnectWithTimeout(addr, 0)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	pkt := protocol.NewPacket(conn)
	if _, err := protocol.RunNegotiateAsClient(pkt, clientID, cmd); err != nil {
		return nil, err
	}
	if err := pkt.WriteStrVec(params); err != nil {
		return nil, err
	}
	if err := pkt.Flush(); err != nil {
		return nil, err
	}
	res, err := pkt.ReadString()
	if err != nil {
		return nil, err
	}
	if res != msgOk {
		return nil, fmt.Errorf("%s failed: %s", cmd, res)
	}
	return pkt.ReadStrVec()
}

func needParams(params []string, n int, usage string) error {
	if len(params) < n {
		return fmt.Errorf("%s requires %d parameters", usage, n)
	}
	return nil
}

func handleStatus(sc *StorageContext, params []string) ([]string, error) {
	if len(params) == 0 {
		return StatusAll(sc), nil
	}
	return StatusVol(sc, params[0]), nil
}

func handleInitVol(sc *StorageContext, params []string) ([]string, error) {
	if err := needParams(params, 2, "init-vol volId wdevPath"); err != nil {
		return nil, err
	}
	return nil, InitVol(sc, params[0], params[1])
}

func handleClearVol(sc *StorageContext, params []string) ([]string, error) {
	if err := needParams(params, 1, "clear-vol volId"); err != nil {
		return nil, err
	}
	return nil, ClearVol(sc, params[0])
}

func handleResetVol(sc *StorageContext, params []string) ([]string, error) {
	if err := needParams(params, 1, "reset-vol volId [gid]"); err != nil {
		return nil, err
	}
	gid := uint64(0)
	if len(params) >= 2 {
		v, err := strconv.ParseUint(params[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad gid %q: %w", params[1], err)
		}
		gid = v
	}
	return nil, ResetVol(sc, params[0], gid)
}

func handleStart(sc *StorageContext, params []string) ([]string, error) {
	if err := needParams(params, 2, "start volId target|standby"); err != nil {
		return nil, err
	}
	switch params[1] {
	case "target":
		return nil, StartVol(sc, params[0], true)
	case "standby":
		return nil, StartVol(sc, params[0], false)
	default:
		return nil, fmt.Errorf("bad role %q: must be target or standby", params[1])
	}
}

func handleStop(sc *StorageContext, params []string) ([]string, error) {
	if err := needParams(params, 1, "stop volId [force]"); err != nil {
		return nil, err
	}
	force := len(params) >= 2 && params[1] == "force"
	return nil, StopVol(sc, params[0], force)
}

func parseBulkLb(params []string, idx int) (uint64, error) {
	const defaultBulkLb = 64 * 1024 / 512 // 64 KiB
	if len(params) <= idx {
		return defaultBulkLb, nil
	}
	v, err := strconv.ParseUint(params[idx], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bad bulkLb %q: %w", params[idx], err)
	}
	return v, nil
}

func handleFullBkp(sc *StorageContext, params []string) ([]string, error) {
	if err := needParams(params, 1, "full-bkp volId [bulkLb]"); err != nil {
		return nil, err
	}
	bulkLb, err := parseBulkLb(params, 1)
	if err != nil {
		return nil, err
	}
	return nil, RunBackup(sc, params[0], bulkLb, true)
}

func handleHashBkp(sc *StorageContext, params []string) ([]string, error) {
	if err := needParams(params, 1, "hash-bkp volId [bulkLb]"); err != nil {
		return nil, err
	}
	bulkLb, err := parseBulkLb(params, 1)
	if err != nil {
		return nil, err
	}
	return nil, RunBackup(sc, params[0], bulkLb, false)
}

func handleResize(sc *StorageContext, params []string) ([]string, error) {
	if err := needParams(params, 2, "resize volId newSizeLb"); err != nil {
		return nil, err
	}
	newSizeLb, err := strconv.ParseUint(params[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad newSizeLb %q: %w", params[1], err)
	}
	return nil, ResizeVol(sc, params[0], newSizeLb)
}

func handleSnapshot(sc *StorageContext, params []string) ([]string, error) {
	if err := needParams(params, 1, "snapshot volId"); err != nil {
		return nil, err
	}
	gid, err := Snapshot(sc, params[0])
	if err != nil {
		return nil, err
	}
	return []string{strconv.FormatUint(gid, 10)}, nil
}

func handleKick(sc *StorageContext, params []string) ([]string, error) {
	n := Kick(sc)
	return []string{strconv.Itoa(n)}, nil
}

func handleDumpLogpackHeader(sc *StorageContext, params []string) ([]string, error) {
	if err := needParams(params, 2, "dbg-dump-logpack-header volId lsid"); err != nil {
		return nil, err
	}
	lsid, err := strconv.ParseUint(params[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad lsid %q: %w", params[1], err)
	}
	return nil, DumpLogpackHeaderCmd(sc, params[0], lsid)
}

func handleGet(sc *StorageContext, params []string) ([]string, error) {
	if err := needParams(params, 1, "get target [volId]"); err != nil {
		return nil, err
	}
	switch params[0] {
	case GetStateTN:
		if err := needParams(params, 2, "get state volId"); err != nil {
			return nil, err
		}
		return []string{sc.VolState(params[1]).SM.Get()}, nil
	case GetHostTypeTN:
		return []string{protocol.StorageHT}, nil
	case GetVolTN:
		return VolList(sc)
	case GetPidTN:
		return []string{Pid()}, nil
	case GetIsOverflowTN:
		if err := needParams(params, 2, "get is-overflow volId"); err != nil {
			return nil, err
		}
		ov, err := IsOverflow(sc, params[1])
		if err != nil {
			return nil, err
		}
		if ov {
			return []string{"1"}, nil
		}
		return []string{"0"}, nil
	case GetUuidTN:
		if err := needParams(params, 2, "get uuid volId"); err != nil {
			return nil, err
		}
		id, err := VolUUID(sc, params[1])
		if err != nil {
			return nil, err
		}
		return []string{id.String()}, nil
	default:
		return nil, fmt.Errorf("unknown get target %q", params[0])
	}
}

func handleExec(sc *StorageContext, params []string) ([]string, error) {
	out, err := ExecCmd(sc, params)
	if err != nil {
		return nil, err
	}
	return []string{out}, nil
}
