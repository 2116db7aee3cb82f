package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/graphstore/pkg/action"
	"github.com/dd0wney/graphstore/pkg/logging"
)

// WAL is an append-only log of executed transactions.
//
// Writes are queued in memory by QueueWrite and made durable by FlushToDisk,
// either explicitly or from the background flusher. Queue order is write
// order. Every file carries a 128-bit identity generated at creation, which
// snapshots use to check they belong to this file.
type WAL struct {
	mu   sync.RWMutex
	path string
	file *os.File
	id   uuid.UUID

	flags   uint32
	durable int64 // bytes fsynced to disk, header included

	queue         []byte
	queuedTxns    int
	queuedActions int

	lastTimestamp int64
	diskReads     atomic.Int64

	closed bool
	failed error

	opts   Options
	logger logging.Logger

	flushCh   chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newWAL(path string, opts Options) *WAL {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	return &WAL{
		path:    path,
		opts:    opts,
		logger:  opts.Logger.With(logging.Component("wal"), logging.Path(path)),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Create creates a new log file with a fresh identity. It fails if the file
// already exists.
func Create(path string, opts Options) (*WAL, error) {
	if err := EnsureDir(dirOf(path)); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrIO, path, err)
	}

	w := newWAL(path, opts)
	w.file = file
	w.id = uuid.New()
	if opts.CompressPayloads {
		w.flags |= FlagSnappy
	}

	if _, err := file.WriteAt(encodeHeader(w.id, w.flags), 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: write header: %v", ErrIO, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: sync header: %v", ErrIO, err)
	}
	if err := syncDir(dirOf(path)); err != nil {
		file.Close()
		return nil, err
	}
	w.durable = HeaderSize

	w.logger.Info("created log file", logging.FileID(w.id.String()))
	return w, nil
}

// Open opens an existing log file, or creates one if it does not exist.
func Open(path string, opts Options) (*WAL, error) {
	if !FileExists(path) {
		return Create(path, opts)
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}

	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(file, hdr); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrBadHeader, path, err)
	}
	id, flags, err := decodeHeader(hdr)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}

	w := newWAL(path, opts)
	w.file = file
	w.id = id
	w.flags = flags
	w.durable = info.Size()
	return w, nil
}

// ID returns the file identity.
func (w *WAL) ID() uuid.UUID { return w.id }

// Path returns the file path.
func (w *WAL) Path() string { return w.path }

// Compressed reports whether node payloads are snappy-compressed.
func (w *WAL) Compressed() bool { return w.flags&FlagSnappy != 0 }

// Size returns the logical size of the log: durable bytes plus queued bytes.
// Segments returned by QueueWrite are positions below Size.
func (w *WAL) Size() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.durable + int64(len(w.queue))
}

// DurableSize returns the number of bytes known to be on stable storage.
func (w *WAL) DurableSize() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.durable
}

// QueuedBytes returns the number of bytes waiting to be flushed.
func (w *WAL) QueuedBytes() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.queue)
}

// DiskReads returns the number of ReadAt calls issued for segment reads.
func (w *WAL) DiskReads() int64 {
	return w.diskReads.Load()
}

// Err returns the error that put the log into a failed state, if any.
func (w *WAL) Err() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.failed
}

func (w *WAL) usable() error {
	if w.closed {
		return ErrClosed
	}
	return w.failed
}

// LastTimestamp returns the highest timestamp issued or observed.
func (w *WAL) LastTimestamp() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastTimestamp
}

// NewTimestamp returns a timestamp strictly greater than every timestamp
// issued or observed before. Wall-clock nanoseconds are used when they are
// ahead of the last value.
func (w *WAL) NewTimestamp() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	ts := time.Now().UnixNano()
	if ts <= w.lastTimestamp {
		ts = w.lastTimestamp + 1
	}
	w.lastTimestamp = ts
	return ts
}

// ObserveTimestamp raises the timestamp floor. Replay and caller-supplied
// timestamps go through here so NewTimestamp never reissues them.
func (w *WAL) ObserveTimestamp(ts int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ts > w.lastTimestamp {
		w.lastTimestamp = ts
	}
}

// QueueWrite encodes txn and appends it to the write queue. It returns, for
// each action, the segment of its payload in this file; only node adds get a
// non-zero segment.
func (w *WAL) QueueWrite(txn action.Transaction) ([]action.Segment, error) {
	w.mu.Lock()
	if err := w.usable(); err != nil {
		w.mu.Unlock()
		return nil, err
	}

	buf, segs, err := appendRecord(w.queue, w.durable, txn, w.Compressed())
	if err != nil {
		w.queue = buf
		w.mu.Unlock()
		return nil, err
	}
	w.queue = buf
	w.queuedTxns++
	w.queuedActions += len(txn.Actions)
	if txn.Timestamp > w.lastTimestamp {
		w.lastTimestamp = txn.Timestamp
	}
	overflow := w.opts.MaxQueuedBytes > 0 && len(w.queue) >= w.opts.MaxQueuedBytes
	w.mu.Unlock()

	if overflow {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
	return segs, nil
}

// FlushToDisk writes every queued transaction with a single write and fsync.
// With nothing queued it returns a zero result without touching the file.
// A failed write or sync leaves the log failed; every later write returns
// the same error.
func (w *WAL) FlushToDisk() (FlushResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return FlushResult{}, err
	}
	if len(w.queue) == 0 {
		return FlushResult{}, nil
	}

	n, err := w.file.WriteAt(w.queue, w.durable)
	if err == nil {
		err = w.file.Sync()
	}
	if err != nil {
		w.failed = fmt.Errorf("%w: flush %d bytes at %d (wrote %d): %v", ErrIO, len(w.queue), w.durable, n, err)
		w.logger.Error("flush failed", logging.Error(err), logging.Bytes(int64(len(w.queue))))
		return FlushResult{}, w.failed
	}

	res := FlushResult{
		Transactions: w.queuedTxns,
		Actions:      w.queuedActions,
		Bytes:        int64(len(w.queue)),
	}
	w.durable += res.Bytes
	w.queue = w.queue[:0]
	w.queuedTxns = 0
	w.queuedActions = 0
	return res, nil
}

// Truncate cuts the durable file back to pos. Recovery uses it to drop a torn
// tail; it requires an empty queue.
func (w *WAL) Truncate(pos int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}
	if len(w.queue) > 0 {
		return ErrUnflushed
	}
	if pos < HeaderSize || pos > w.durable {
		return fmt.Errorf("%w: truncate to %d, size %d", ErrSegmentOutOfRange, pos, w.durable)
	}
	if err := w.file.Truncate(pos); err != nil {
		return fmt.Errorf("%w: truncate: %v", ErrIO, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrIO, err)
	}
	w.logger.Warn("truncated log tail", logging.Int64("from", w.durable), logging.Int64("to", pos))
	w.durable = pos
	return nil
}

// Close stops the flusher, flushes anything queued and closes the file.
func (w *WAL) Close() error {
	var closeErr error
	w.closeOnce.Do(func() {
		close(w.stopCh)
		w.wg.Wait()

		_, flushErr := w.FlushToDisk()
		if errors.Is(flushErr, ErrClosed) {
			flushErr = nil
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		w.closed = true
		closeErr = errors.Join(flushErr, w.file.Close())
	})
	return closeErr
}

// Abandon closes the file without flushing. Queued transactions are lost;
// the store uses it when it has entered the error state.
func (w *WAL) Abandon() error {
	var closeErr error
	w.closeOnce.Do(func() {
		close(w.stopCh)
		w.wg.Wait()

		w.mu.Lock()
		defer w.mu.Unlock()
		if len(w.queue) > 0 {
			w.logger.Warn("abandoning queued writes", logging.Int("transactions", w.queuedTxns))
		}
		w.queue = nil
		w.closed = true
		closeErr = w.file.Close()
	})
	return closeErr
}
