// Package snapshot reads and writes the index state file: a point-in-time
// image of the derived indexes plus the log position replay resumes from.
//
// Layout, little-endian:
//
//	[version:int32][lastTimestamp:int64][lastTxnBytePos:int64]
//	[schemaChecksum:16][walFileSize:int64][walFileId:16]
//	[idRegistryBlob][nodeIndexBlob][relationIndexBlob][valueIndexBlob]
//	[truncatableActionCount:int64]
//
// Each blob is [len:int64][bytes].
package snapshot

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/dd0wney/graphstore/pkg/schema"
)

// FormatVersion is the version written by this package.
const FormatVersion int32 = 1

// fixedSize is the encoded size of everything but the blob bytes: the
// header fields, four blob lengths and the trailing truncatable count.
const fixedSize = 4 + 8 + 8 + 16 + 8 + 16 + 4*8 + 8

// ErrIndexRead marks a state file that cannot be used for this log: wrong
// version, schema, log identity or size, or a missing index. The caller
// deletes the file and replays the log from the start.
var ErrIndexRead = errors.New("index state unusable")

// Record is the decoded state file.
type Record struct {
	Version            int32
	LastTimestamp      int64
	LastTxnBytePos     int64
	SchemaChecksum     schema.Checksum
	WALSize            int64
	WALID              uuid.UUID
	IDRegistry         []byte
	NodeIndex          []byte
	RelationIndex      []byte
	ValueIndex         []byte
	TruncatableActions int64
}

func (r *Record) blobs() []*[]byte {
	return []*[]byte{&r.IDRegistry, &r.NodeIndex, &r.RelationIndex, &r.ValueIndex}
}

// WriteTo encodes the record.
func (r *Record) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}
	le := binary.LittleEndian

	fields := []any{r.Version, r.LastTimestamp, r.LastTxnBytePos, r.SchemaChecksum, r.WALSize, [16]byte(r.WALID)}
	for _, f := range fields {
		if err := binary.Write(cw, le, f); err != nil {
			return cw.n, err
		}
	}
	for _, b := range r.blobs() {
		if err := binary.Write(cw, le, int64(len(*b))); err != nil {
			return cw.n, err
		}
		if _, err := cw.Write(*b); err != nil {
			return cw.n, err
		}
	}
	if err := binary.Write(cw, le, r.TruncatableActions); err != nil {
		return cw.n, err
	}
	return cw.n, bw.Flush()
}

// Read decodes a record of size bytes. Any structural problem is reported
// as ErrIndexRead; blob lengths are checked against size before anything is
// allocated.
func Read(rd io.Reader, size int64) (*Record, error) {
	if size < fixedSize {
		return nil, fmt.Errorf("%w: file is %d bytes, need at least %d", ErrIndexRead, size, fixedSize)
	}
	br := bufio.NewReader(rd)
	le := binary.LittleEndian
	r := &Record{}

	var id [16]byte
	fields := []any{&r.Version, &r.LastTimestamp, &r.LastTxnBytePos, &r.SchemaChecksum, &r.WALSize, &id}
	for _, f := range fields {
		if err := binary.Read(br, le, f); err != nil {
			return nil, fmt.Errorf("%w: header: %v", ErrIndexRead, err)
		}
	}
	r.WALID = uuid.UUID(id)
	if r.Version != FormatVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrIndexRead, r.Version, FormatVersion)
	}

	remaining := size - fixedSize
	for i, b := range r.blobs() {
		var n int64
		if err := binary.Read(br, le, &n); err != nil {
			return nil, fmt.Errorf("%w: blob %d length: %v", ErrIndexRead, i, err)
		}
		if n < 0 || n > remaining {
			return nil, fmt.Errorf("%w: blob %d length %d, %d bytes left", ErrIndexRead, i, n, remaining)
		}
		remaining -= n
		*b = make([]byte, n)
		if _, err := io.ReadFull(br, *b); err != nil {
			return nil, fmt.Errorf("%w: blob %d: %v", ErrIndexRead, i, err)
		}
	}
	if err := binary.Read(br, le, &r.TruncatableActions); err != nil {
		return nil, fmt.Errorf("%w: truncatable count: %v", ErrIndexRead, err)
	}
	return r, nil
}

// Validate checks the record belongs to the given schema and log file. The
// log may have grown since the save but never shrunk.
func (r *Record) Validate(checksum schema.Checksum, walID uuid.UUID, walSize int64) error {
	switch {
	case r.SchemaChecksum != checksum:
		return fmt.Errorf("%w: schema checksum %s, want %s", ErrIndexRead, r.SchemaChecksum, checksum)
	case r.WALID != walID:
		return fmt.Errorf("%w: log id %s, current %s", ErrIndexRead, r.WALID, walID)
	case r.WALSize > walSize:
		return fmt.Errorf("%w: log size %d exceeds current %d", ErrIndexRead, r.WALSize, walSize)
	case r.LastTxnBytePos > r.WALSize:
		return fmt.Errorf("%w: replay position %d beyond recorded size %d", ErrIndexRead, r.LastTxnBytePos, r.WALSize)
	}
	for i, b := range r.blobs() {
		if len(*b) == 0 {
			return fmt.Errorf("%w: index blob %d missing", ErrIndexRead, i)
		}
	}
	return nil
}

// Save replaces the file at path: the old file is removed, the new one is
// written to path.tmp, fsynced and renamed into place.
func Save(path string, r *Record) (int64, error) {
	if err := Delete(path); err != nil {
		return 0, err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tmp, err)
	}
	n, err := r.WriteTo(f)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("rename %s: %w", tmp, err)
	}
	return n, syncDir(filepath.Dir(path))
}

// Load reads the file at path. A missing file returns nil, nil.
func Load(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return Read(f, info.Size())
}

// Delete removes the file at path and any leftover temporary file.
func Delete(path string) error {
	for _, p := range []string{path, path + ".tmp"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// Exists reports whether a state file is present.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
