package services

import (
	"fmt"
	"net"
	"time"

	"github.com/apex/log"

	"github.com/walb-tools/go-walb/internal/device"
	"github.com/walb-tools/go-walb/internal/parsers/logdev"
	"github.com/walb-tools/go-walb/internal/protocol"
	"github.com/walb-tools/go-walb/internal/types"
)

// verifyMaxWlogSendPbIsNotTooSmall aborts the round when one logpack exceeds
// the per-round budget; shipping could otherwise never progress.
func verifyMaxWlogSendPbIsNotTooSmall(maxWlogSendPb, logpackPb uint64) error {
	if maxWlogSendPb < logpackPb {
		return fmt.Errorf("maxWlogSendPb %d is too small for logpack of %d blocks; raise max-wlog-send-mb and restart",
			maxWlogSendPb, logpackPb)
	}
	return nil
}

// deleteWlogs asks the kernel to release log blocks below lsidE and reports
// whether the log is now empty. lsidE == InvalidLsid releases everything.
func deleteWlogs(sc *StorageContext, volID string, lsidE uint64) (bool, error) {
	dev, err := sc.Wdev(volID)
	if err != nil {
		return false, err
	}
	if lsidE == types.InvalidLsid {
		p, err := dev.PermanentLsid()
		if err != nil {
			return false, err
		}
		lsidE = p
	}
	remaining, err := dev.EraseWal(lsidE)
	if err != nil {
		return false, err
	}
	return remaining == 0, nil
}

// dumpLogpackHeader saves a corrupt header block for offline analysis.
// Failures only log; the transfer error is the interesting one.
func dumpLogpackHeader(sc *StorageContext, volID string, lsid uint64, raw []byte) {
	if raw == nil {
		return
	}
	vi := NewVolInfo(sc.Cfg.BaseDir, volID)
	if err := vi.DumpLogpackHeader(lsid, raw); err != nil {
		log.WithField("vol", volID).WithField("lsid", lsid).WithError(err).
			Error("failed to dump logpack header")
	}
}

// selectProxy walks the available proxies and returns the first connection
// whose handshake for the transfer is accepted.
func selectProxy(sc *StorageContext, volID string, hs transferHandshake) (net.Conn, *protocol.Packet, string, error) {
	for _, addr := range sc.ProxyManager.AvailableList() {
		conn, err := protocol.ConnectWithTimeout(addr, sc.Cfg.SocketTimeout)
		if err != nil {
			log.WithField("proxy", addr).WithError(err).Warn("proxy connect failed")
			sc.ProxyManager.MarkUnavailable(addr)
			continue
		}
		protocol.SetSocketParams(conn, protocol.KeepAliveParams{
			Enabled: sc.Cfg.KeepAlive.Enabled,
			IdleSec: sc.Cfg.KeepAlive.IdleSec,
		}, sc.Cfg.SocketTimeout)

		pkt := protocol.NewPacket(conn)
		serverID, err := protocol.RunNegotiateAsClient(pkt, sc.Cfg.NodeID, protocol.WlogTransferPN)
		if err == nil {
			err = hs.send(pkt)
		}
		if err != nil {
			log.WithField("proxy", addr).WithError(err).Warn("wlog-transfer handshake failed")
			sc.ProxyManager.MarkUnavailable(addr)
			conn.Close()
			continue
		}
		// The handshake ran under the connect deadline; the stream itself is
		// paced by keep-alive.
		conn.SetDeadline(time.Time{})
		return conn, pkt, serverID, nil
	}
	return nil, nil, "", fmt.Errorf("there is no available proxy")
}

// transferHandshake is the parameter block sent before the diff stream.
type transferHandshake struct {
	volID        string
	uuid         [16]byte
	pbs          uint32
	salt         uint32
	volSizeLb    uint64
	maxLogSizePb uint64
}

func (h transferHandshake) send(pkt *protocol.Packet) error {
	if err := pkt.WriteString(h.volID); err != nil {
		return err
	}
	if err := pkt.WriteBytes(h.uuid[:]); err != nil {
		return err
	}
	if err := pkt.WriteU32(h.pbs); err != nil {
		return err
	}
	if err := pkt.WriteU32(h.salt); err != nil {
		return err
	}
	if err := pkt.WriteU64(h.volSizeLb); err != nil {
		return err
	}
	if err := pkt.WriteU64(h.maxLogSizePb); err != nil {
		return err
	}
	if err := pkt.Flush(); err != nil {
		return err
	}
	res, err := pkt.ReadString()
	if err != nil {
		return err
	}
	if res != "accept" {
		return fmt.Errorf("proxy rejected transfer: %s", res)
	}
	return nil
}

// extractAndSendAndDeleteWlog runs one wlog-transfer round for a Target
// volume: read logpacks from the send boundary, stream them as a wdiff to
// the first accepting proxy, persist the new boundary on ack, release the
// shipped log prefix. It returns whether more work remains.
func extractAndSendAndDeleteWlog(sc *StorageContext, volID string) (bool, error) {
	volSt := sc.VolState(volID)
	vi := NewVolInfo(sc.Cfg.BaseDir, volID)
	dev, err := sc.Wdev(volID)
	if err != nil {
		return false, err
	}

	permanent, err := dev.PermanentLsid()
	if err != nil {
		return false, err
	}
	required, err := vi.IsRequiredWlogTransfer(permanent)
	if err != nil {
		return false, err
	}
	if !required {
		log.WithField("vol", volID).Debug("wlog-transfer not required")
		return false, nil
	}

	reader, err := device.NewAsyncWldevReader(dev.LogDevPath(), 0, 0)
	if err != nil {
		return false, err
	}
	defer reader.Close()
	pbs := reader.Pbs()
	salt := reader.Salt()
	id := reader.Super().UUID()

	maxWlogSendPb := sc.MaxWlogSendPb(pbs)
	rec0, rec1, lsidLimit, err := vi.PrepareWlogTransfer(permanent, maxWlogSendPb)
	if err != nil {
		return false, err
	}
	lsidB := rec0.Lsid
	volSizeLb, err := dev.SizeLb()
	if err != nil {
		return false, err
	}

	conn, pkt, serverID, err := selectProxy(sc, volID, transferHandshake{
		volID:        volID,
		uuid:         [16]byte(id),
		pbs:          pbs,
		salt:         salt,
		volSizeLb:    volSizeLb,
		maxLogSizePb: lsidLimit - lsidB,
	})
	if err != nil {
		return false, err
	}
	defer conn.Close()
	logger := log.WithField("vol", volID).WithField("proxy", serverID)

	sender := protocol.NewWlogSender(pkt, pbs, salt, id, lsidB, lsidLimit,
		protocol.WlogSenderConfig{CmprType: sc.Cfg.CmprType})
	defer sender.Close()

	if err := reader.Reset(lsidB); err != nil {
		return false, err
	}
	lsid := lsidB
	for lsid < lsidLimit {
		if volSt.StopState.Load() == ForceStopping || sc.IsForceShutdown() {
			return false, fmt.Errorf("%s: %w", volID, types.ErrForceStopped)
		}
		// Below permanent_lsid every pack must verify completely; a shrunken
		// pack here means real corruption.
		packH, raw, res, err := logdev.ReadPackHeader(reader, lsid)
		if err != nil || res != logdev.ParseValid {
			dumpLogpackHeader(sc, volID, lsid, raw)
			if err == nil {
				err = fmt.Errorf("invalid logpack header at lsid %d: %w", lsid, types.ErrInvalidFormat)
			}
			return false, err
		}
		if err := verifyMaxWlogSendPbIsNotTooSmall(maxWlogSendPb, uint64(packH.H.TotalIoSize)+1); err != nil {
			return false, err
		}
		nextLsid := packH.NextLogpackLsid()
		if nextLsid > lsidLimit {
			// partial pack: ship it next round
			break
		}
		if err := sender.PushHeader(packH); err != nil {
			return false, err
		}
		for i := 0; i < int(packH.H.NRecords); i++ {
			blocks, err := logdev.ReadPackIo(reader, packH, i)
			if err != nil {
				return false, fmt.Errorf("invalid logpack IO at lsid %d record %d: %w", lsid, i, err)
			}
			if err := sender.PushIo(packH, i, blocks); err != nil {
				return false, err
			}
		}
		lsid = nextLsid
	}
	if err := sender.Sync(); err != nil {
		return false, err
	}
	lsidE := lsid

	diff := vi.TransferDiff(rec0, rec1, lsidE)
	if err := pkt.WriteMetaDiff(diff); err != nil {
		return false, err
	}
	if err := pkt.Flush(); err != nil {
		return false, err
	}
	if err := pkt.ReadAck(); err != nil {
		return false, err
	}
	logger.WithField("diff", diff.String()).Info("wlog-transfer shipped")

	isRemaining, err := vi.FinishWlogTransfer(rec0, rec1, lsidE, permanent)
	if err != nil {
		return false, err
	}

	isEmpty := true
	if lsidB < lsidE {
		if err := dev.WaitForWrittenAndFlushed(lsidE); err != nil {
			return false, err
		}
		isEmpty, err = deleteWlogs(sc, volID, lsidE)
		if err != nil {
			return false, err
		}
	}
	return !isEmpty || isRemaining, nil
}
