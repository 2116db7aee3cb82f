package wal

import (
	"errors"
	"time"

	"github.com/dd0wney/graphstore/pkg/action"
	"github.com/dd0wney/graphstore/pkg/logging"
)

// File layout:
//
//	header: [magic:8][version:int32][flags:uint32][fileID:16]
//	record: [bodyLen:uint32][crc32(body):uint32][body]
//	body:   [timestamp:int64][count:uint32][action...]
//
// Node add:    [kind:1][op:1][nodeID:8][len:4][payload]
// Node remove: [kind:1][op:1][nodeID:8]
// Relation:    [kind:1][op:1][relation:4][source:8][target:8]
//
// All integers are little-endian.
const (
	magic = "GSTWAL01"

	// FormatVersion is the on-disk format version written in the header.
	FormatVersion int32 = 1

	// HeaderSize is the size of the file header; the first record starts here.
	HeaderSize = 8 + 4 + 4 + 16 // len(magic) + version + flags + log ID; untyped so it mixes with int and int64

	recordHeaderSize = 8
	minRecordBody    = 12
	maxRecordBody    = 1 << 30

	// FlagSnappy marks files whose node payloads are snappy-compressed.
	FlagSnappy uint32 = 1 << 0
)

var (
	ErrClosed            = errors.New("wal: closed")
	ErrIO                = errors.New("wal: i/o failure")
	ErrBadHeader         = errors.New("wal: invalid file header")
	ErrUnflushed         = errors.New("wal: queued writes must be flushed first")
	ErrTornRecord        = errors.New("wal: torn or corrupt record")
	ErrCorruptLog        = errors.New("wal: corrupt record followed by valid records")
	ErrSegmentOutOfRange = errors.New("wal: segment outside file")
	ErrUnresolvedAction  = errors.New("wal: only add and remove actions can be logged")
)

// Options configures a WAL instance.
type Options struct {
	// CompressPayloads snappy-compresses node payloads. Only honoured when a
	// file is created; existing files keep the flag in their header.
	CompressPayloads bool

	// FlushInterval is the background flusher period. Zero disables the
	// ticker; the flusher then only runs when MaxQueuedBytes is exceeded.
	FlushInterval time.Duration

	// MaxQueuedBytes triggers an early background flush.
	MaxQueuedBytes int

	Logger logging.Logger
}

// FlushResult reports what a flush wrote.
type FlushResult struct {
	Transactions int
	Actions      int
	Bytes        int64
}

// Entry is one transaction yielded by a LogReader, with its byte span.
// Node add actions carry the Segment of their payload in this file.
type Entry struct {
	Txn   action.Transaction
	Start int64
	End   int64
}
