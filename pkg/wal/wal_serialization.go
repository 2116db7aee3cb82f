package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/dd0wney/graphstore/pkg/action"
)

func encodeHeader(id uuid.UUID, flags uint32) []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = append(buf, magic...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(FormatVersion))
	buf = binary.LittleEndian.AppendUint32(buf, flags)
	buf = append(buf, id[:]...)
	return buf
}

func decodeHeader(b []byte) (uuid.UUID, uint32, error) {
	if len(b) < HeaderSize || string(b[:8]) != magic {
		return uuid.Nil, 0, ErrBadHeader
	}
	if v := int32(binary.LittleEndian.Uint32(b[8:12])); v != FormatVersion {
		return uuid.Nil, 0, fmt.Errorf("%w: version %d, want %d", ErrBadHeader, v, FormatVersion)
	}
	flags := binary.LittleEndian.Uint32(b[12:16])
	id, err := uuid.FromBytes(b[16:32])
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	return id, flags, nil
}

// appendRecord encodes txn onto buf. base is the file position of buf[0].
// It returns the grown buffer and, for every node add, the segment its
// payload occupies in the file.
func appendRecord(buf []byte, base int64, txn action.Transaction, compress bool) ([]byte, []action.Segment, error) {
	start := len(buf)
	buf = append(buf, make([]byte, recordHeaderSize)...)
	bodyStart := len(buf)

	buf = binary.LittleEndian.AppendUint64(buf, uint64(txn.Timestamp))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(txn.Actions)))

	segs := make([]action.Segment, len(txn.Actions))
	for i, a := range txn.Actions {
		if !a.Resolved() {
			return buf[:start], nil, fmt.Errorf("%w: %v", ErrUnresolvedAction, a)
		}
		buf = append(buf, byte(a.Kind), byte(a.Op))
		switch a.Kind {
		case action.KindNode:
			buf = binary.LittleEndian.AppendUint64(buf, a.NodeID)
			if a.Op != action.OpAdd {
				continue
			}
			payload := a.Payload
			if compress {
				payload = snappy.Encode(nil, a.Payload)
			}
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
			segs[i] = action.Segment{Position: base + int64(len(buf)), Length: int32(len(payload))}
			buf = append(buf, payload...)
		case action.KindRelation:
			buf = binary.LittleEndian.AppendUint32(buf, a.Relation)
			buf = binary.LittleEndian.AppendUint64(buf, a.Source)
			buf = binary.LittleEndian.AppendUint64(buf, a.Target)
		default:
			return buf[:start], nil, fmt.Errorf("%w: kind %d", ErrUnresolvedAction, a.Kind)
		}
	}

	body := buf[bodyStart:]
	if len(body) > maxRecordBody {
		return buf[:start], nil, fmt.Errorf("wal: transaction of %d bytes exceeds record limit", len(body))
	}
	binary.LittleEndian.PutUint32(buf[start:], uint32(len(body)))
	binary.LittleEndian.PutUint32(buf[start+4:], crc32.ChecksumIEEE(body))
	return buf, segs, nil
}

// decodeBody parses a record body whose first byte sits at bodyPos in the
// file. Payloads are returned decompressed; segments describe stored bytes.
func decodeBody(body []byte, bodyPos int64, compressed bool) (action.Transaction, error) {
	var txn action.Transaction
	if len(body) < 12 {
		return txn, fmt.Errorf("%w: short body", ErrTornRecord)
	}
	txn.Timestamp = int64(binary.LittleEndian.Uint64(body))
	count := binary.LittleEndian.Uint32(body[8:])
	off := 12

	need := func(n int) error {
		if off+n > len(body) {
			return fmt.Errorf("%w: action overruns body at offset %d", ErrTornRecord, off)
		}
		return nil
	}

	txn.Actions = make([]action.Action, 0, min(int(count), len(body)/10))
	for i := uint32(0); i < count; i++ {
		if err := need(2); err != nil {
			return txn, err
		}
		a := action.Action{Kind: action.Kind(body[off]), Op: action.Op(body[off+1])}
		off += 2
		switch a.Kind {
		case action.KindNode:
			if err := need(8); err != nil {
				return txn, err
			}
			a.NodeID = binary.LittleEndian.Uint64(body[off:])
			off += 8
			if a.Op == action.OpAdd {
				if err := need(4); err != nil {
					return txn, err
				}
				n := int(binary.LittleEndian.Uint32(body[off:]))
				off += 4
				if err := need(n); err != nil {
					return txn, err
				}
				a.Segment = action.Segment{Position: bodyPos + int64(off), Length: int32(n)}
				stored := body[off : off+n]
				if compressed {
					payload, err := snappy.Decode(nil, stored)
					if err != nil {
						return txn, fmt.Errorf("%w: payload of node %d: %v", ErrTornRecord, a.NodeID, err)
					}
					a.Payload = payload
				} else {
					a.Payload = append([]byte(nil), stored...)
				}
				off += n
			}
		case action.KindRelation:
			if err := need(20); err != nil {
				return txn, err
			}
			a.Relation = binary.LittleEndian.Uint32(body[off:])
			a.Source = binary.LittleEndian.Uint64(body[off+4:])
			a.Target = binary.LittleEndian.Uint64(body[off+12:])
			off += 20
		default:
			return txn, fmt.Errorf("%w: unknown action kind %d", ErrTornRecord, a.Kind)
		}
		if !a.Resolved() {
			return txn, fmt.Errorf("%w: unknown op %d", ErrTornRecord, a.Op)
		}
		txn.Actions = append(txn.Actions, a)
	}
	if off != len(body) {
		return txn, fmt.Errorf("%w: %d trailing bytes", ErrTornRecord, len(body)-off)
	}
	return txn, nil
}

// recordBodyLen validates a record header and returns the body length.
func recordBodyLen(hdr []byte) (int, uint32, error) {
	n := binary.LittleEndian.Uint32(hdr)
	if n == 0 || n > maxRecordBody {
		return 0, 0, fmt.Errorf("%w: body length %d", ErrTornRecord, n)
	}
	return int(n), binary.LittleEndian.Uint32(hdr[4:]), nil
}
