package services

import (
	"github.com/walb-tools/go-walb/internal/device"
)

// readRawLogpackHeader reads the raw header block at lsid without any
// validation, for debug dumps.
func readRawLogpackHeader(wldevPath string, lsid uint64) ([]byte, error) {
	r, err := device.NewAsyncWldevReader(wldevPath, 0, 1)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if err := r.Reset(lsid); err != nil {
		return nil, err
	}
	return r.ReadBlock()
}
