package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const logFileExt = ".wal"

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FileSize returns the size of a file, or 0 if it doesn't exist.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// LogFileName returns the file name for sequence seq: <prefix>-<seq>.wal.
func LogFileName(prefix string, seq int) string {
	return fmt.Sprintf("%s-%06d%s", prefix, seq, logFileExt)
}

// ParseLogFileName extracts the sequence number from a log file name.
func ParseLogFileName(prefix, name string) (int, bool) {
	rest, ok := strings.CutPrefix(filepath.Base(name), prefix+"-")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, logFileExt)
	if !ok || rest == "" {
		return 0, false
	}
	seq, err := strconv.Atoi(rest)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

// LogFile is a log file found in a data directory.
type LogFile struct {
	Path string
	Seq  int
}

// ListLogFiles returns the log files for prefix in dir, ordered by sequence.
// The last one is the current file.
func ListLogFiles(dir, prefix string) ([]LogFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var files []LogFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if seq, ok := ParseLogFileName(prefix, e.Name()); ok {
			files = append(files, LogFile{Path: filepath.Join(dir, e.Name()), Seq: seq})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Seq < files[j].Seq })
	return files, nil
}

// ReplaceFile atomically moves src over dst and syncs the directory.
func ReplaceFile(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", src, dst, err)
	}
	return syncDir(dirOf(dst))
}

func dirOf(path string) string {
	return filepath.Dir(path)
}

// syncDir fsyncs a directory so renames and creates inside it are durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: open dir %s: %v", ErrIO, dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("%w: sync dir %s: %v", ErrIO, dir, err)
	}
	return nil
}
