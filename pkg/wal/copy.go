package wal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/dd0wney/graphstore/pkg/logging"
)

// Destination receives full copies of a log file.
type Destination interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
}

// CopyResult describes a finished copy.
type CopyResult struct {
	Key   string
	ID    uuid.UUID
	Bytes int64
}

// Copy streams the durable file to dest under key. The copy gets a fresh
// identity in its header, so a snapshot of this file never validates
// against it. Queued writes must be flushed first.
func (w *WAL) Copy(ctx context.Context, key string, dest Destination) (CopyResult, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if err := w.usable(); err != nil {
		return CopyResult{}, err
	}
	if len(w.queue) > 0 {
		return CopyResult{}, ErrUnflushed
	}

	id := uuid.New()
	body := io.NewSectionReader(w.file, HeaderSize, w.durable-HeaderSize)
	r := io.MultiReader(bytes.NewReader(encodeHeader(id, w.flags)), body)
	if err := dest.Put(ctx, key, r, w.durable); err != nil {
		return CopyResult{}, fmt.Errorf("copy %s to %s: %w", w.path, key, err)
	}

	w.logger.Info("copied log file", logging.String("key", key), logging.FileID(id.String()))
	return CopyResult{Key: key, ID: id, Bytes: w.durable}, nil
}

// DirDestination writes copies into a local directory, atomically.
type DirDestination struct {
	Dir string
}

// Put writes r to Dir/key through a temporary file.
func (d DirDestination) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := EnsureDir(d.Dir); err != nil {
		return err
	}
	path := filepath.Join(d.Dir, filepath.Base(key))
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrIO, tmp, err)
	}
	n, err := io.Copy(f, ctxReader{ctx: ctx, r: r})
	if err == nil && n != size {
		err = fmt.Errorf("short copy: %d of %d bytes", n, size)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: write %s: %v", ErrIO, tmp, err)
	}
	return ReplaceFile(tmp, path)
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
