package wal

import (
	"fmt"
	"sort"

	"github.com/golang/snappy"

	"github.com/dd0wney/graphstore/pkg/action"
)

const (
	// Adjacent durable segments closer than this are read with one ReadAt.
	coalesceGap = 4 << 10
	// Upper bound for one coalesced read.
	coalesceMax = 1 << 20
)

// ReadNodeSegments reads node payloads by segment. Bytes still in the queue
// are served from memory; durable bytes are read from the file, merging
// nearby segments into one read. Payloads come back in the order of segs,
// decompressed. diskReads counts the ReadAt calls issued.
//
// It holds the read lock only for the duration of the call, so the compactor
// can call it without the store's gate.
func (w *WAL) ReadNodeSegments(segs []action.Segment) ([][]byte, int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil, 0, ErrClosed
	}

	out := make([][]byte, len(segs))
	size := w.durable + int64(len(w.queue))

	var onDisk []int
	for i, s := range segs {
		if s.Position < HeaderSize || s.Length < 0 || s.End() > size {
			return nil, 0, fmt.Errorf("%w: %s, size %d", ErrSegmentOutOfRange, s, size)
		}
		if s.Position >= w.durable {
			off := s.Position - w.durable
			out[i] = append([]byte(nil), w.queue[off:off+int64(s.Length)]...)
			continue
		}
		if s.End() > w.durable {
			return nil, 0, fmt.Errorf("%w: %s straddles durable end %d", ErrSegmentOutOfRange, s, w.durable)
		}
		onDisk = append(onDisk, i)
	}

	sort.Slice(onDisk, func(a, b int) bool {
		return segs[onDisk[a]].Position < segs[onDisk[b]].Position
	})

	reads := 0
	for start := 0; start < len(onDisk); {
		first := segs[onDisk[start]]
		runEnd := first.End()
		end := start + 1
		for end < len(onDisk) {
			next := segs[onDisk[end]]
			if next.Position-runEnd > coalesceGap || max(runEnd, next.End())-first.Position > coalesceMax {
				break
			}
			runEnd = max(runEnd, next.End())
			end++
		}

		buf := make([]byte, runEnd-first.Position)
		if _, err := w.file.ReadAt(buf, first.Position); err != nil {
			return nil, reads, fmt.Errorf("%w: read %d bytes at %d: %v", ErrIO, len(buf), first.Position, err)
		}
		reads++
		for _, i := range onDisk[start:end] {
			off := segs[i].Position - first.Position
			out[i] = buf[off : off+int64(segs[i].Length) : off+int64(segs[i].Length)]
		}
		start = end
	}
	w.diskReads.Add(int64(reads))

	if w.Compressed() {
		for i, b := range out {
			payload, err := snappy.Decode(nil, b)
			if err != nil {
				return nil, reads, fmt.Errorf("%w: decode segment %s: %v", ErrTornRecord, segs[i], err)
			}
			out[i] = payload
		}
	}
	return out, reads, nil
}
