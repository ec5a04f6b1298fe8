package types

import (
	"fmt"
	"time"
)

// MetaSnap identifies a snapshot on the archive side. A clean snapshot has
// GidB == GidE; a dirty one covers the gid range [GidB, GidE].
type MetaSnap struct {
	GidB uint64
	GidE uint64
}

// NewMetaSnap returns a clean snapshot at gid.
func NewMetaSnap(gid uint64) MetaSnap {
	return MetaSnap{GidB: gid, GidE: gid}
}

// IsClean reports whether the snapshot is clean.
func (s MetaSnap) IsClean() bool { return s.GidB == s.GidE }

func (s MetaSnap) String() string {
	if s.IsClean() {
		return fmt.Sprintf("|%d|", s.GidB)
	}
	return fmt.Sprintf("|%d,%d|", s.GidB, s.GidE)
}

// MetaDiff describes a wdiff shipped to the archive: the transition from
// snapshot SnapB to SnapE. Diffs produced by wlog-transfer are mergeable;
// full/hash sync results are not.
type MetaDiff struct {
	SnapB       MetaSnap
	SnapE       MetaSnap
	IsMergeable bool
	Timestamp   time.Time
}

func (d MetaDiff) String() string {
	m := ""
	if d.IsMergeable {
		m = " mergeable"
	}
	return fmt.Sprintf("%s-->%s%s", d.SnapB, d.SnapE, m)
}

// MetaLsidGid records a gid boundary together with the log position it was
// taken at. The storage host persists a sequence of these to map gid ranges
// onto lsid ranges.
type MetaLsidGid struct {
	Lsid      uint64
	Gid       uint64
	Timestamp time.Time
}

func (r MetaLsidGid) String() string {
	return fmt.Sprintf("lsid %d gid %d at %s", r.Lsid, r.Gid, r.Timestamp.UTC().Format(time.RFC3339))
}
