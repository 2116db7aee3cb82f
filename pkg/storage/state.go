package storage

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/graphstore/pkg/activity"
	"github.com/dd0wney/graphstore/pkg/logging"
	"github.com/dd0wney/graphstore/pkg/metrics"
	"github.com/dd0wney/graphstore/pkg/snapshot"
	"github.com/dd0wney/graphstore/pkg/wal"
)

// FlushToDisk writes every queued transaction to stable storage.
func (s *Store) FlushToDisk() error {
	if err := s.usable(); err != nil {
		return err
	}
	s.gate.Lock()
	defer s.gate.Unlock()
	return s.flushLog(s.log.Load())
}

// flushLog flushes l. A failed flush leaves the log unusable, so it is
// fatal for the store.
func (s *Store) flushLog(l wal.Flusher) error {
	start := time.Now()
	res, err := l.FlushToDisk()
	s.metrics.RecordFlush(res.Bytes, time.Since(start), err)
	if err != nil {
		return s.fail("flush", err, nil)
	}
	return nil
}

// SaveIndexStates writes the index snapshot. Unless force is set, nothing is
// written when no change happened since the last save and the file exists.
// It reports whether a file was written.
func (s *Store) SaveIndexStates(force bool) (bool, error) {
	if err := s.usable(); err != nil {
		return false, err
	}
	s.gate.Lock()
	defer s.gate.Unlock()
	return s.saveIndexStatesLocked(force)
}

func (s *Store) saveIndexStatesLocked(force bool) (bool, error) {
	path := s.cfg.SnapshotPath()
	if !force && !s.exec.dirty && snapshot.Exists(path) {
		s.metrics.RecordSnapshotSave(metrics.StatusSkipped, 0)
		return false, nil
	}

	l := s.log.Load()
	if err := s.flushLog(l); err != nil {
		return false, err
	}

	actID := s.activities.Add(activity.CategorySnapshot, "saving index state", "")
	defer s.activities.Remove(actID)
	timer := logging.StartTimer(s.logger, "save index state")

	rec, err := s.buildRecord(l)
	if err != nil {
		s.metrics.RecordSnapshotSave(metrics.StatusError, 0)
		timer.EndError(err)
		return false, NewError("save").Snapshot().Cause(err).Err()
	}
	n, err := snapshot.Save(path, rec)
	if err != nil {
		s.metrics.RecordSnapshotSave(metrics.StatusError, 0)
		timer.EndError(err)
		return false, NewError("save").Snapshot().Context(path).Cause(err).Err()
	}

	s.exec.dirty = false
	s.exec.actionsSinceSave = 0
	s.exec.lastSave = time.Now()
	s.publish()
	s.metrics.RecordSnapshotSave(metrics.StatusSuccess, n)
	timer.End(logging.Bytes(n), logging.Int64("wal_size", rec.WALSize))
	return true, nil
}

// buildRecord captures the indexes against l's durable size. The queue must
// be empty so the replay position covers every indexed action.
func (s *Store) buildRecord(l *wal.WAL) (*snapshot.Record, error) {
	size := l.DurableSize()
	rec := &snapshot.Record{
		Version:            snapshot.FormatVersion,
		LastTimestamp:      l.LastTimestamp(),
		LastTxnBytePos:     size,
		SchemaChecksum:     s.checksum,
		WALSize:            size,
		WALID:              l.ID(),
		TruncatableActions: s.exec.truncatable,
	}

	var g errgroup.Group
	g.Go(func() (err error) { rec.IDRegistry, err = s.ids.MarshalState(); return })
	g.Go(func() (err error) { rec.NodeIndex, err = s.nodes.MarshalState(); return })
	g.Go(func() (err error) { rec.RelationIndex, err = s.relations.MarshalState(); return })
	g.Go(func() (err error) { rec.ValueIndex, err = s.values.SaveState(); return })
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Backup flushes the current log and copies it to dest under key. The copy
// carries a fresh file identity. Writers wait while the copy runs.
func (s *Store) Backup(ctx context.Context, key string, dest wal.Destination) (wal.CopyResult, error) {
	if err := s.usable(); err != nil {
		return wal.CopyResult{}, err
	}
	actID := s.activities.Add(activity.CategoryBackup, "copying log to "+key, "")
	defer s.activities.Remove(actID)

	s.gate.RLock()
	defer s.gate.RUnlock()

	l := s.log.Load()
	if err := s.flushLog(l); err != nil {
		return wal.CopyResult{}, err
	}
	res, err := l.Copy(ctx, key, dest)
	if err != nil {
		return wal.CopyResult{}, NewError("backup").WAL().Context(key).Cause(err).Err()
	}
	return res, nil
}
