// Package ctl defines the wire format of the diodctl control program.
//
// The control program is carried over ONC RPC v2 (see internal/protocol/rpc).
// It exposes a small fid-based file protocol, modelled on 9P, just large
// enough to attach to the synthetic control tree, walk to a file and read it.
//
// Every procedure result starts with a status word: 0 on success, otherwise
// a Linux errno value. The procedure-specific result only follows a zero
// status.
package ctl

import "golang.org/x/sys/unix"

const (
	// ProgramDiodctl is the RPC program number, taken from the transient
	// range (0x20000000-0x3fffffff) with the well-known port as suffix.
	ProgramDiodctl = 0x20000564

	// Version1 is the only supported program version.
	Version1 = 1
)

// Procedure numbers
const (
	ProcNull    = 0
	ProcAttach  = 1
	ProcWalk    = 2
	ProcOpen    = 3
	ProcRead    = 4
	ProcClunk   = 5
	ProcStat    = 6
	ProcReaddir = 7
)

// Status values
const (
	StatusOK = 0
)

// Open modes (9P style)
const (
	OREAD  = 0
	OWRITE = 1
	ORDWR  = 2
	OEXEC  = 3
)

// Qid types
const (
	QTFILE = 0x00
	QTDIR  = 0x80
)

// DMDIR marks a directory in Stat.Mode.
const DMDIR = 0x80000000

// NoFid is the reserved "no fid" value.
const NoFid = ^uint32(0)

// MaxWalkElements bounds the names of one WALK request.
const MaxWalkElements = 16

// MaxReadCount bounds the data returned by one READ or READDIR.
const MaxReadCount = 64 * 1024

var procNames = map[uint32]string{
	ProcNull:    "NULL",
	ProcAttach:  "ATTACH",
	ProcWalk:    "WALK",
	ProcOpen:    "OPEN",
	ProcRead:    "READ",
	ProcClunk:   "CLUNK",
	ProcStat:    "STAT",
	ProcReaddir: "READDIR",
}

// ProcedureName returns a printable name for a procedure number.
func ProcedureName(proc uint32) string {
	if name, ok := procNames[proc]; ok {
		return name
	}
	return "UNKNOWN"
}

// StatusString renders a status word for logs.
func StatusString(status uint32) string {
	if status == StatusOK {
		return "OK"
	}
	return unix.ErrnoName(unix.Errno(status))
}
