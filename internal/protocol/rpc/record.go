package rpc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame prepends a single last-fragment record marker to data.
func Frame(data []byte) []byte {
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(out, lastFragmentBit|uint32(len(data)))
	copy(out[4:], data)
	return out
}

// ReadFragmentHeader reads one record marker and returns whether it is the
// last fragment and the fragment length.
func ReadFragmentHeader(r io.Reader) (last bool, length uint32, err error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return false, 0, err
	}
	v := binary.BigEndian.Uint32(hdr[:])
	return v&lastFragmentBit != 0, v &^ lastFragmentBit, nil
}

// ReadRecord reassembles one record from its fragments. Records larger than
// maxSize are rejected before their payload is read.
func ReadRecord(r io.Reader, maxSize uint32) ([]byte, error) {
	var record []byte
	for {
		last, length, err := ReadFragmentHeader(r)
		if err != nil {
			if record != nil && err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		if uint64(len(record))+uint64(length) > uint64(maxSize) {
			return nil, fmt.Errorf("rpc: record exceeds %d bytes", maxSize)
		}

		start := len(record)
		record = append(record, make([]byte, length)...)
		if _, err := io.ReadFull(r, record[start:]); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read fragment: %w", err)
		}

		if last {
			return record, nil
		}
	}
}
