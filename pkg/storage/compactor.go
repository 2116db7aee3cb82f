package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/graphstore/pkg/action"
	"github.com/dd0wney/graphstore/pkg/activity"
	"github.com/dd0wney/graphstore/pkg/config"
	"github.com/dd0wney/graphstore/pkg/index"
	"github.com/dd0wney/graphstore/pkg/logging"
	"github.com/dd0wney/graphstore/pkg/metrics"
	"github.com/dd0wney/graphstore/pkg/snapshot"
	"github.com/dd0wney/graphstore/pkg/wal"
)

const (
	// rewriteBatch is the number of nodes or relations copied per record.
	rewriteBatch = 256

	// rewriteFlushBytes flushes the new file during the copy phase.
	rewriteFlushBytes = 8 << 20
)

// RewriteResult describes a finished log rewrite.
type RewriteResult struct {
	Path       string
	ID         uuid.UUID
	HotSwapped bool
	Nodes      int
	Relations  int
	// Captured is the number of transactions committed during the copy and
	// replayed into the new file.
	Captured int
	Bytes    int64
	// Copy is set when the file was sent to a destination.
	Copy *wal.CopyResult

	CopyDuration    time.Duration
	HotSwapDuration time.Duration
	Total           time.Duration
}

// rewriteJob is the state shared by the phases of one rewrite.
type rewriteJob struct {
	hotSwap bool
	path    string
	seq     int

	old       *wal.WAL
	out       *wal.WAL
	entries   []index.NodeEntry
	relations []action.Action
	timestamp int64
	initial   int64
	listener  int
	captured  []action.Transaction
	segments  map[uint64]action.Segment
}

// RewriteStore writes the live nodes and relations into a new log file.
// With hotSwap the store switches to the new file, which must be named as
// the next log in sequence (empty picks it). Without hotSwap the finished
// file is sent to dest, or left in the data directory when dest is nil, and
// the store keeps its current log. Only one rewrite runs at a time. A
// failure after the rewrite started is fatal.
func (s *Store) RewriteStore(ctx context.Context, hotSwap bool, newFileName string, dest wal.Destination) (RewriteResult, error) {
	if err := s.usable(); err != nil {
		return RewriteResult{}, err
	}
	if !s.rewriting.CompareAndSwap(false, true) {
		return RewriteResult{}, ErrRewriteInProgress
	}
	defer s.rewriting.Store(false)

	start := time.Now()
	res, err := s.rewrite(ctx, hotSwap, newFileName, dest)
	if err != nil {
		s.metrics.RecordCompaction(metrics.StatusError, 0, 0, 0)
		return RewriteResult{}, err
	}
	res.Total = time.Since(start)
	s.metrics.RecordCompaction(metrics.StatusSuccess, res.CopyDuration, res.HotSwapDuration, res.Total)
	s.logger.Info("log rewrite finished",
		logging.Path(res.Path),
		logging.Bool("hot_swap", res.HotSwapped),
		logging.Int("nodes", res.Nodes),
		logging.Int("relations", res.Relations),
		logging.Int("captured", res.Captured),
		logging.Bytes(res.Bytes),
		logging.Duration("copy", res.CopyDuration),
		logging.Duration("hot_swap_duration", res.HotSwapDuration))
	return res, nil
}

func (s *Store) rewrite(ctx context.Context, hotSwap bool, name string, dest wal.Destination) (RewriteResult, error) {
	parent := s.activities.Add(activity.CategoryCompaction, "rewriting log", "")
	defer s.activities.Remove(parent)

	// Flush first so the exclusive flush below has little left to write.
	s.gate.RLock()
	err := s.flushLog(s.log.Load())
	s.gate.RUnlock()
	if err != nil {
		return RewriteResult{}, err
	}

	job, err := s.beginRewrite(hotSwap, name)
	if err != nil {
		return RewriteResult{}, err
	}

	copyStart := time.Now()
	if err := s.copyLiveData(ctx, job, parent); err != nil {
		if ctx.Err() != nil {
			return RewriteResult{}, s.abortRewrite(job, err)
		}
		return RewriteResult{}, s.fail("rewrite", err, nil)
	}
	res := RewriteResult{
		Path:         job.path,
		ID:           job.out.ID(),
		HotSwapped:   hotSwap,
		Nodes:        len(job.entries),
		Relations:    len(job.relations),
		CopyDuration: time.Since(copyStart),
	}

	if hotSwap {
		// The snapshot describes the old file and is stale once the swap
		// happens.
		s.gate.Lock()
		err := snapshot.Delete(s.cfg.SnapshotPath())
		s.gate.Unlock()
		if err != nil {
			return RewriteResult{}, s.fail("rewrite", err, nil)
		}
	}

	swapStart := time.Now()
	s.activities.SetDescription(parent, "switching to rewritten log")
	if err := s.finishRewrite(job); err != nil {
		return RewriteResult{}, err
	}
	if hotSwap {
		res.HotSwapDuration = time.Since(swapStart)
	}
	res.Captured = len(job.captured)
	res.Bytes = job.out.DurableSize()

	if !hotSwap {
		copied, err := s.deliverRewrite(ctx, job, dest)
		if err != nil {
			return RewriteResult{}, s.fail("rewrite", err, nil)
		}
		res.Copy = copied
	}
	return res, nil
}

// beginRewrite validates the target, writes the marker, snapshots the
// indexes and starts capturing commits. Gate write-held inside.
func (s *Store) beginRewrite(hotSwap bool, name string) (*rewriteJob, error) {
	s.gate.Lock()
	defer s.gate.Unlock()

	path, seq, err := s.rewriteTarget(hotSwap, name)
	if err != nil {
		return nil, err
	}

	job := &rewriteJob{hotSwap: hotSwap, path: path, seq: seq, old: s.log.Load()}
	if err := s.flushLog(job.old); err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.markerPath(), []byte(filepath.Base(path)), 0644); err != nil {
		return nil, s.fail("rewrite", fmt.Errorf("write rewrite marker: %w", err), nil)
	}

	job.entries = s.nodes.Snapshot()
	job.relations = s.relations.Snapshot()
	job.timestamp = job.old.LastTimestamp()
	job.initial = s.exec.truncatable
	job.listener = s.addListenerLocked(func(txn action.Transaction) {
		job.captured = append(job.captured, txn)
	})
	return job, nil
}

// rewriteTarget resolves and validates the new file name.
func (s *Store) rewriteTarget(hotSwap bool, name string) (string, int, error) {
	if name != "" && filepath.Base(name) != name {
		return "", 0, fmt.Errorf("%w: %q is not a plain file name", ErrInvalidFileName, name)
	}
	seq, isLog := wal.ParseLogFileName(s.cfg.FilePrefix, name)
	switch {
	case hotSwap && name == "":
		seq = s.seq + 1
		name = wal.LogFileName(s.cfg.FilePrefix, seq)
	case hotSwap && (!isLog || seq <= s.seq):
		return "", 0, fmt.Errorf("%w: %q must be a log file after sequence %d", ErrInvalidFileName, name, s.seq)
	case !hotSwap && name == "":
		name = fmt.Sprintf("%s-rewrite-%d.wal", s.cfg.FilePrefix, time.Now().UnixNano())
	case !hotSwap && isLog:
		return "", 0, fmt.Errorf("%w: %q would become the current log", ErrInvalidFileName, name)
	}
	if name == RewriteMarkerName || name == config.SnapshotFileName {
		return "", 0, fmt.Errorf("%w: %q is reserved", ErrInvalidFileName, name)
	}

	path := filepath.Join(s.cfg.DataDir, name)
	if wal.FileExists(path) {
		return "", 0, fmt.Errorf("%w: %s already exists", ErrInvalidFileName, path)
	}
	return path, seq, nil
}

// copyLiveData writes the snapshotted nodes and relations to the new file.
// No store lock is held; the old log serialises its own reads.
func (s *Store) copyLiveData(ctx context.Context, job *rewriteJob, parent string) error {
	child := s.activities.Add(activity.CategoryCompaction, "copying live data", parent)
	defer s.activities.Remove(child)

	out, err := wal.Create(job.path, s.cfg.WALOptions(s.logger))
	if err != nil {
		return err
	}
	job.out = out
	job.segments = make(map[uint64]action.Segment, len(job.entries))

	total := len(job.entries) + len(job.relations)
	done := 0
	progress := func(n int) {
		done += n
		if total > 0 {
			s.activities.SetPercent(child, float64(done)/float64(total)*100)
		}
	}

	for i := 0; i < len(job.entries); i += rewriteBatch {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := job.entries[i:min(i+rewriteBatch, len(job.entries))]
		segs := make([]action.Segment, len(batch))
		for j, e := range batch {
			segs[j] = e.Segment
		}
		payloads, _, err := job.old.ReadNodeSegments(segs)
		if err != nil {
			return err
		}

		txn := action.Transaction{Timestamp: job.timestamp, Actions: make([]action.Action, len(batch))}
		for j, e := range batch {
			txn.Actions[j] = action.AddNode(e.ID, payloads[j])
		}
		written, err := out.QueueWrite(txn)
		if err != nil {
			return err
		}
		for j, e := range batch {
			job.segments[e.ID] = written[j]
		}
		if err := flushIfLarge(out); err != nil {
			return err
		}
		progress(len(batch))
	}

	for i := 0; i < len(job.relations); i += rewriteBatch {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := job.relations[i:min(i+rewriteBatch, len(job.relations))]
		if _, err := out.QueueWrite(action.Transaction{Timestamp: job.timestamp, Actions: batch}); err != nil {
			return err
		}
		if err := flushIfLarge(out); err != nil {
			return err
		}
		progress(len(batch))
	}

	_, err = out.FlushToDisk()
	return err
}

func flushIfLarge(l interface {
	wal.Flusher
	QueuedBytes() int
}) error {
	if l.QueuedBytes() < rewriteFlushBytes {
		return nil
	}
	_, err := l.FlushToDisk()
	return err
}

// finishRewrite replays the captured commits into the new file and, for a
// hot swap, switches the store to it. Deleting the marker commits the
// rewrite. Gate write-held inside.
func (s *Store) finishRewrite(job *rewriteJob) error {
	s.gate.Lock()
	defer s.gate.Unlock()
	s.gate.AssertWriteHeld()

	s.removeListenerLocked(job.listener)
	fail := func(err error) error { return s.fail("rewrite", err, nil) }

	if err := s.flushLog(job.old); err != nil {
		return err
	}
	for _, txn := range job.captured {
		written, err := job.out.QueueWrite(txn)
		if err != nil {
			return fail(err)
		}
		for i, a := range txn.Actions {
			if !a.IsNode() {
				continue
			}
			if a.Op == action.OpAdd {
				job.segments[a.NodeID] = written[i]
			} else {
				delete(job.segments, a.NodeID)
			}
		}
	}
	if _, err := job.out.FlushToDisk(); err != nil {
		return fail(err)
	}

	if !job.hotSwap {
		return nil
	}

	for _, id := range s.nodes.IDs() {
		seg, ok := job.segments[id]
		if !ok {
			return fail(fmt.Errorf("node %d missing from rewritten log", id))
		}
		if err := s.nodes.UpdateNodeSegmentPosition(id, seg); err != nil {
			return fail(err)
		}
	}

	job.out.ObserveTimestamp(job.old.LastTimestamp())
	s.nodes.SetReader(job.out)
	s.log.Store(job.out)
	s.seq = job.seq
	if err := job.old.Close(); err != nil {
		s.logger.Warn("closing replaced log failed", logging.Path(job.old.Path()), logging.Error(err))
	}
	s.startFlusher(job.out)

	s.exec.truncatable -= job.initial
	s.exec.dirty = true
	if _, err := s.saveIndexStatesLocked(true); err != nil {
		return fail(err)
	}
	if err := os.Remove(s.markerPath()); err != nil {
		return fail(fmt.Errorf("remove rewrite marker: %w", err))
	}
	s.publish()
	return nil
}

// deliverRewrite sends a finished file that the store does not switch to.
func (s *Store) deliverRewrite(ctx context.Context, job *rewriteJob, dest wal.Destination) (*wal.CopyResult, error) {
	var copied *wal.CopyResult
	if dest != nil {
		res, err := job.out.Copy(ctx, filepath.Base(job.path), dest)
		if err != nil {
			return nil, err
		}
		copied = &res
	}
	if err := job.out.Close(); err != nil {
		return nil, err
	}
	if dest != nil {
		if err := os.Remove(job.path); err != nil {
			return nil, err
		}
	}
	if err := os.Remove(s.markerPath()); err != nil {
		return nil, fmt.Errorf("remove rewrite marker: %w", err)
	}
	return copied, nil
}

// abortRewrite undoes a rewrite cancelled before the swap. The store is
// untouched, so this is not fatal.
func (s *Store) abortRewrite(job *rewriteJob, cause error) error {
	s.gate.Lock()
	defer s.gate.Unlock()

	s.removeListenerLocked(job.listener)
	if job.out != nil {
		job.out.Abandon()
	}
	if err := removeIfExists(job.path); err != nil {
		return s.fail("rewrite", err, nil)
	}
	if err := os.Remove(s.markerPath()); err != nil {
		return s.fail("rewrite", err, nil)
	}
	s.logger.Info("log rewrite cancelled", logging.Error(cause))
	return cause
}
