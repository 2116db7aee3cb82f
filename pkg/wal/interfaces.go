package wal

import (
	"github.com/dd0wney/graphstore/pkg/action"
)

// Flusher makes queued writes durable.
type Flusher interface {
	FlushToDisk() (FlushResult, error)
}

// SegmentReader reads node payloads by segment.
// The node index depends on this to load payloads on cache misses.
type SegmentReader interface {
	ReadNodeSegments(segs []action.Segment) ([][]byte, int, error)
}

var (
	_ Flusher       = (*WAL)(nil)
	_ SegmentReader = (*WAL)(nil)
	_ Destination   = DirDestination{}
	_ Destination   = (*S3Destination)(nil)
)
