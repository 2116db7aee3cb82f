package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/graphstore/pkg/action"
	"github.com/dd0wney/graphstore/pkg/activity"
	"github.com/dd0wney/graphstore/pkg/index"
	"github.com/dd0wney/graphstore/pkg/logging"
	"github.com/dd0wney/graphstore/pkg/snapshot"
	"github.com/dd0wney/graphstore/pkg/wal"
)

// RewriteMarkerName is written while a log rewrite is in progress. It holds
// the name of the file being written.
const RewriteMarkerName = "rewrite.inprogress"

// replayProgressEvery is how many transactions pass between progress updates.
const replayProgressEvery = 1024

func (s *Store) markerPath() string {
	return filepath.Join(s.cfg.DataDir, RewriteMarkerName)
}

// cleanupRewriteMarker discards a rewrite that was interrupted before it
// committed: the partial file, the marker and any snapshot written for it.
func (s *Store) cleanupRewriteMarker() error {
	data, err := os.ReadFile(s.markerPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return NewError("open").WAL().Context("rewrite marker").Cause(err).Err()
	}

	name := strings.TrimSpace(string(data))
	if name != "" && filepath.Base(name) == name {
		if err := removeIfExists(filepath.Join(s.cfg.DataDir, name)); err != nil {
			return NewError("open").WAL().Context(name).Cause(err).Err()
		}
	}
	if err := snapshot.Delete(s.cfg.SnapshotPath()); err != nil {
		return NewError("open").Snapshot().Cause(err).Err()
	}
	if err := os.Remove(s.markerPath()); err != nil {
		return NewError("open").WAL().Context("rewrite marker").Cause(err).Err()
	}
	s.logger.Warn("discarded interrupted log rewrite", logging.String("file", name))
	return nil
}

// recover loads the index state and replays the log after it. Gate
// write-held.
func (s *Store) recover() (replayed int64, rebuilt bool, err error) {
	actID := s.activities.Add(activity.CategoryRecovery, "reading index state", "")
	defer s.activities.Remove(actID)

	l := s.log.Load()
	start, err := s.readState(l)
	if errors.Is(err, snapshot.ErrIndexRead) {
		if s.cfg.StrictStateFile {
			return 0, false, NewError("open").Snapshot().Cause(err).Err()
		}
		s.logger.Warn("index state unusable; rebuilding from log", logging.Error(err))
		if err := snapshot.Delete(s.cfg.SnapshotPath()); err != nil {
			return 0, false, NewError("open").Snapshot().Cause(err).Err()
		}
		s.resetIndexes(l)
		start, rebuilt = 0, true
	} else if err != nil {
		return 0, false, err
	}

	s.activities.SetDescription(actID, "replaying log")
	replayed, err = s.replay(l, start, actID)
	if err != nil {
		return replayed, rebuilt, err
	}
	if replayed > 0 || rebuilt {
		s.exec.dirty = true
	}
	s.exec.lastTimestamp = l.LastTimestamp()
	s.logger.Info("recovered indexes",
		logging.Int64("replay_from", start),
		logging.Int64("replayed_actions", replayed),
		logging.Int("nodes", s.nodes.Count()),
		logging.Int("relations", s.relations.Count()),
		logging.Int64("truncatable", s.exec.truncatable))
	return replayed, rebuilt, nil
}

// readState installs the snapshot's indexes and returns the log position to
// replay from. No snapshot means replay from the start.
func (s *Store) readState(l *wal.WAL) (int64, error) {
	rec, err := snapshot.Load(s.cfg.SnapshotPath())
	if err != nil {
		if errors.Is(err, snapshot.ErrIndexRead) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", snapshot.ErrIndexRead, err)
	}
	if rec == nil {
		s.exec.dirty = true
		return 0, nil
	}
	if err := rec.Validate(s.checksum, l.ID(), l.DurableSize()); err != nil {
		return 0, err
	}

	ids := index.NewIDRegistry()
	nodes := index.NewNodeIndex(l, s.cfg.CacheSize)
	relations := index.NewRelationIndex(s.schema)
	values := index.NewValueIndex(s.schema)

	var g errgroup.Group
	g.Go(func() error { return ids.UnmarshalState(rec.IDRegistry) })
	g.Go(func() error { return nodes.UnmarshalState(rec.NodeIndex) })
	g.Go(func() error { return relations.UnmarshalState(rec.RelationIndex) })
	g.Go(func() error { return values.ReadState(rec.ValueIndex) })
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("%w: %v", snapshot.ErrIndexRead, err)
	}

	s.ids, s.nodes, s.relations, s.values = ids, nodes, relations, values
	s.exec.truncatable = rec.TruncatableActions
	l.ObserveTimestamp(rec.LastTimestamp)
	return rec.LastTxnBytePos, nil
}

// resetIndexes replaces every index with an empty one reading from l.
func (s *Store) resetIndexes(l *wal.WAL) {
	s.ids = index.NewIDRegistry()
	s.nodes = index.NewNodeIndex(l, s.cfg.CacheSize)
	s.relations = index.NewRelationIndex(s.schema)
	s.values = index.NewValueIndex(s.schema)
	s.exec.truncatable = 0
}

// replay applies every durable transaction from start. A torn tail is cut
// off; a damaged record with intact records after it, or anything else that
// stops the reader, fails recovery.
func (s *Store) replay(l *wal.WAL, start int64, actID string) (int64, error) {
	lr, err := l.CreateLogReader(start, 0)
	if err != nil {
		return 0, NewError("replay").WAL().Cause(err).Err()
	}

	var replayed int64
	for txns := 1; ; txns++ {
		entry, err := lr.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, wal.ErrTornRecord) {
			pos := lr.Position()
			next, found := lr.RecordAfter()
			lr.Close()
			if found {
				return replayed, NewError("replay").WAL().
					Context(fmt.Sprintf("damaged record at %d, intact record at %d", pos, next)).
					Cause(fmt.Errorf("%w: %v", wal.ErrCorruptLog, err)).Err()
			}
			s.logger.Warn("log ends in a torn record; truncating",
				logging.Error(err),
				logging.Int64("position", pos),
				logging.Int64("size", l.DurableSize()))
			if err := l.Truncate(pos); err != nil {
				return replayed, NewError("replay").WAL().Cause(err).Err()
			}
			return replayed, nil
		}
		if err != nil {
			lr.Close()
			return replayed, NewError("replay").WAL().Cause(err).Err()
		}

		if err := s.replayTransaction(l, entry.Txn); err != nil {
			lr.Close()
			return replayed, NewError("replay").WAL().Context(fmt.Sprintf("record at %d", entry.Start)).Cause(err).Err()
		}
		replayed += int64(len(entry.Txn.Actions))
		if txns%replayProgressEvery == 0 {
			s.activities.SetPercent(actID, lr.Progress())
		}
	}
	return replayed, lr.Close()
}

// replayTransaction applies a logged transaction without validation. A node
// add for an id that already exists replaces it.
func (s *Store) replayTransaction(l *wal.WAL, txn action.Transaction) error {
	s.gate.AssertWriteHeld()
	for _, a := range txn.Actions {
		switch {
		case a.IsNode() && a.Op == action.OpAdd:
			n, err := index.DecodeNode(a.Payload)
			if err != nil {
				return err
			}
			if s.nodes.Contains(a.NodeID) {
				if err := s.dropNode(a.NodeID); err != nil {
					return err
				}
			}
			if err := s.nodes.Add(n, a.Payload, a.Segment); err != nil {
				return err
			}
			s.values.Add(n)
			s.ids.Observe(a.NodeID)
		case a.IsNode():
			if s.nodes.Contains(a.NodeID) {
				if err := s.dropNode(a.NodeID); err != nil {
					return err
				}
			}
		default:
			s.relations.RegisterActionRelaxed(a)
		}
		if a.IsRemove() {
			s.exec.truncatable++
		}
	}
	l.ObserveTimestamp(txn.Timestamp)
	return nil
}

func (s *Store) dropNode(id uint64) error {
	n, err := s.nodes.Get(id)
	if err != nil {
		return err
	}
	s.values.Remove(n)
	_, err = s.nodes.Remove(id)
	return err
}
