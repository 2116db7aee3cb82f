package wal

import (
	"fmt"
	"hash/crc32"
	"io"

	"github.com/google/uuid"
	"golang.org/x/exp/mmap"
)

// LogReader iterates the durable records of a log file front to back.
// It maps the file read-only and sees the bytes that were durable when it
// was created.
type LogReader struct {
	r          *mmap.ReaderAt
	id         uuid.UUID
	compressed bool

	pos     int64
	end     int64
	startTS int64
	hdr     [recordHeaderSize]byte
}

// CreateLogReader returns a reader positioned at start that skips records
// with a timestamp below startTS. A start before the first record begins at
// the first record.
func (w *WAL) CreateLogReader(start, startTS int64) (*LogReader, error) {
	w.mu.RLock()
	end := w.durable
	closed := w.closed
	w.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	lr, err := OpenLogReader(w.path)
	if err != nil {
		return nil, err
	}
	lr.end = min(end, int64(lr.r.Len()))
	lr.startTS = startTS
	if start > HeaderSize {
		if start > lr.end {
			lr.Close()
			return nil, fmt.Errorf("%w: start %d beyond durable size %d", ErrSegmentOutOfRange, start, lr.end)
		}
		lr.pos = start
	}
	return lr, nil
}

// OpenLogReader opens a log file directly, for tools that inspect files the
// store does not have open.
func OpenLogReader(path string) (*LogReader, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: map %s: %v", ErrIO, path, err)
	}
	hdr := make([]byte, HeaderSize)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		r.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrBadHeader, path, err)
	}
	id, flags, err := decodeHeader(hdr)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &LogReader{
		r:          r,
		id:         id,
		compressed: flags&FlagSnappy != 0,
		pos:        HeaderSize,
		end:        int64(r.Len()),
	}, nil
}

// ID returns the identity of the file being read.
func (lr *LogReader) ID() uuid.UUID { return lr.id }

// Position returns the offset of the next record. After an ErrTornRecord it
// is the end of the last valid record.
func (lr *LogReader) Position() int64 { return lr.pos }

// Size returns the number of bytes the reader covers.
func (lr *LogReader) Size() int64 { return lr.end }

// Progress returns the percentage of the file consumed.
func (lr *LogReader) Progress() float64 {
	if lr.end <= HeaderSize {
		return 100
	}
	return float64(lr.pos-HeaderSize) / float64(lr.end-HeaderSize) * 100
}

// Next returns the next transaction. It returns io.EOF at the end of the
// file and an error wrapping ErrTornRecord when the remaining bytes do not
// form a valid record; Position then marks where valid data ends.
func (lr *LogReader) Next() (Entry, error) {
	for {
		if lr.pos >= lr.end {
			return Entry{}, io.EOF
		}
		if lr.end-lr.pos < recordHeaderSize {
			return Entry{}, fmt.Errorf("%w: %d trailing bytes at %d", ErrTornRecord, lr.end-lr.pos, lr.pos)
		}
		if _, err := lr.r.ReadAt(lr.hdr[:], lr.pos); err != nil {
			return Entry{}, fmt.Errorf("%w: %v", ErrIO, err)
		}
		n, sum, err := recordBodyLen(lr.hdr[:])
		if err != nil {
			return Entry{}, fmt.Errorf("at %d: %w", lr.pos, err)
		}
		bodyPos := lr.pos + recordHeaderSize
		if bodyPos+int64(n) > lr.end {
			return Entry{}, fmt.Errorf("%w: record at %d overruns file", ErrTornRecord, lr.pos)
		}
		body := make([]byte, n)
		if _, err := lr.r.ReadAt(body, bodyPos); err != nil {
			return Entry{}, fmt.Errorf("%w: %v", ErrIO, err)
		}
		if crc32.ChecksumIEEE(body) != sum {
			return Entry{}, fmt.Errorf("%w: checksum mismatch at %d", ErrTornRecord, lr.pos)
		}
		txn, err := decodeBody(body, bodyPos, lr.compressed)
		if err != nil {
			return Entry{}, fmt.Errorf("at %d: %w", lr.pos, err)
		}

		e := Entry{Txn: txn, Start: lr.pos, End: bodyPos + int64(n)}
		lr.pos = e.End
		if txn.Timestamp < lr.startTS {
			continue
		}
		return e, nil
	}
}

// RecordAfter looks past the record at Position for the next offset that
// holds an intact record. A torn tail has none; a damaged record in the
// middle of the log does.
func (lr *LogReader) RecordAfter() (int64, bool) {
	var (
		hdr  [recordHeaderSize]byte
		body []byte
	)
	for pos := lr.pos + 1; pos+recordHeaderSize+minRecordBody <= lr.end; pos++ {
		if _, err := lr.r.ReadAt(hdr[:], pos); err != nil {
			return 0, false
		}
		n, sum, err := recordBodyLen(hdr[:])
		if err != nil || n < minRecordBody || pos+recordHeaderSize+int64(n) > lr.end {
			continue
		}
		if cap(body) < n {
			body = make([]byte, n)
		}
		body = body[:n]
		if _, err := lr.r.ReadAt(body, pos+recordHeaderSize); err != nil {
			return 0, false
		}
		if crc32.ChecksumIEEE(body) == sum {
			return pos, true
		}
	}
	return 0, false
}

// Close unmaps the file.
func (lr *LogReader) Close() error {
	if lr.r == nil {
		return nil
	}
	err := lr.r.Close()
	lr.r = nil
	return err
}
