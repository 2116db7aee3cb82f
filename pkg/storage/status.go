package storage

import (
	"path/filepath"

	"github.com/dd0wney/graphstore/pkg/activity"
	"github.com/dd0wney/graphstore/pkg/locks"
	"github.com/dd0wney/graphstore/pkg/wal"
)

// WALStatus describes the current log file.
type WALStatus struct {
	Path        string `json:"path"`
	ID          string `json:"id"`
	Sequence    int    `json:"sequence"`
	Size        int64  `json:"size"`
	DurableSize int64  `json:"durable_size"`
	QueuedBytes int    `json:"queued_bytes"`
	Compressed  bool   `json:"compressed"`
}

// Status is a point-in-time view of the store.
type Status struct {
	State         string              `json:"state"`
	Error         string              `json:"error,omitempty"`
	Activities    []activity.Activity `json:"activities"`
	Counters      Counters            `json:"counters"`
	WAL           WALStatus           `json:"wal"`
	NodeCount     int                 `json:"node_count"`
	RelationCount int                 `json:"relation_count"`
	Locks         []locks.Lock        `json:"locks"`
	Gate          string              `json:"gate"`
	Rewriting     bool                `json:"rewriting"`
}

// GetStatus reports the engine state. It never waits for the gate, so it
// answers while a long transaction or maintenance step runs; counts are as
// of the last commit.
func (s *Store) GetStatus() Status {
	c := s.Counters()
	st := Status{
		State:         s.State().String(),
		Activities:    s.activities.List(),
		Counters:      c,
		NodeCount:     c.Nodes,
		RelationCount: c.Relations,
		Locks:         s.locks.List(),
		Gate:          s.gate.State().String(),
		Rewriting:     s.rewriting.Load(),
	}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	if l := s.log.Load(); l != nil {
		seq, _ := wal.ParseLogFileName(s.cfg.FilePrefix, filepath.Base(l.Path()))
		st.WAL = WALStatus{
			Path:        l.Path(),
			Sequence:    seq,
			ID:          l.ID().String(),
			Size:        l.Size(),
			DurableSize: l.DurableSize(),
			QueuedBytes: l.QueuedBytes(),
			Compressed:  l.Compressed(),
		}
	}
	return st
}
