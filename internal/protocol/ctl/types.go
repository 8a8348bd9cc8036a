package ctl

import (
	"bytes"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// Qid identifies a file of the control tree.
type Qid struct {
	Type    uint32
	Version uint32
	Path    uint64
}

// IsDir reports whether the qid names a directory.
func (q Qid) IsDir() bool {
	return q.Type&QTDIR != 0
}

// Stat describes one file.
type Stat struct {
	Qid    Qid
	Mode   uint32
	Length uint64
	Name   string
}

// Dirent is one READDIR entry. Offset is the cookie to resume after it.
type Dirent struct {
	Qid    Qid
	Offset uint64
	Name   string
}

type AttachArgs struct {
	Fid   uint32
	UID   uint32
	Uname string
	Aname string
}

type AttachRes struct {
	Qid Qid
}

type WalkArgs struct {
	Fid    uint32
	NewFid uint32
	Names  []string
}

type WalkRes struct {
	Qids []Qid
}

type OpenArgs struct {
	Fid  uint32
	Mode uint32
}

type OpenRes struct {
	Qid    Qid
	IOUnit uint32
}

type ReadArgs struct {
	Fid    uint32
	Offset uint64
	Count  uint32
}

type ReadRes struct {
	Data []byte `xdr:"opaque"`
}

type ClunkArgs struct {
	Fid uint32
}

type StatArgs struct {
	Fid uint32
}

type StatRes struct {
	Stat Stat
}

type ReaddirArgs struct {
	Fid    uint32
	Offset uint64
	Count  uint32
}

type ReaddirRes struct {
	Entries []Dirent
}

// DecodeArgs unmarshals procedure arguments.
func DecodeArgs(data []byte, v any) error {
	if _, err := xdr.Unmarshal(bytes.NewReader(data), v); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}

// EncodeArgs marshals procedure arguments.
func EncodeArgs(v any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeResult marshals a status word followed by res when the status is
// StatusOK. res may be nil for procedures without a result body.
func EncodeResult(status uint32, res any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &status); err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}
	if status == StatusOK && res != nil {
		if _, err := xdr.Marshal(&buf, res); err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeResult reads the status word and, on success, unmarshals the rest
// into res. A non-zero status is returned as-is with a nil error.
func DecodeResult(data []byte, res any) (uint32, error) {
	reader := bytes.NewReader(data)

	var status uint32
	if _, err := xdr.Unmarshal(reader, &status); err != nil {
		return 0, fmt.Errorf("decode status: %w", err)
	}
	if status != StatusOK || res == nil {
		return status, nil
	}
	if _, err := xdr.Unmarshal(reader, res); err != nil {
		return status, fmt.Errorf("decode result: %w", err)
	}
	return status, nil
}
