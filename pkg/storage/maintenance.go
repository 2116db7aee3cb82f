package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/dd0wney/graphstore/pkg/activity"
	"github.com/dd0wney/graphstore/pkg/config"
	"github.com/dd0wney/graphstore/pkg/logging"
	"github.com/dd0wney/graphstore/pkg/wal"
)

// MaintenanceFlags selects maintenance steps. Steps run in the order the
// flags are declared.
type MaintenanceFlags uint32

const (
	// MaintenanceTruncateLog rewrites the log without its dead actions and
	// switches to the new file.
	MaintenanceTruncateLog MaintenanceFlags = 1 << iota
	// MaintenanceTruncateIndexes discards the indexes and rebuilds them from
	// the current log.
	MaintenanceTruncateIndexes
	// MaintenanceDeleteOldLogs removes every log file except the current one.
	MaintenanceDeleteOldLogs
	MaintenanceSaveIndexStates
	MaintenanceClearAICache
	MaintenanceClearCache
	// MaintenancePurgeCache evicts the older half of the node cache.
	MaintenancePurgeCache
	// MaintenanceCompressMemory returns freed memory to the OS.
	MaintenanceCompressMemory
	MaintenanceGarbageCollect
	MaintenanceFlushDisk

	maintenanceEnd
)

// MaintenanceAll selects every step.
const MaintenanceAll = maintenanceEnd - 1

// maintenanceMemory is the group run as one unit under the write lock.
const maintenanceMemory = MaintenanceClearAICache | MaintenanceClearCache | MaintenancePurgeCache |
	MaintenanceCompressMemory | MaintenanceGarbageCollect

var maintenanceNames = []struct {
	flag MaintenanceFlags
	name string
}{
	{MaintenanceTruncateLog, "truncate_log"},
	{MaintenanceTruncateIndexes, "truncate_indexes"},
	{MaintenanceDeleteOldLogs, "delete_old_logs"},
	{MaintenanceSaveIndexStates, "save_index_states"},
	{MaintenanceClearAICache, "clear_ai_cache"},
	{MaintenanceClearCache, "clear_cache"},
	{MaintenancePurgeCache, "purge_cache"},
	{MaintenanceCompressMemory, "compress_memory"},
	{MaintenanceGarbageCollect, "garbage_collect"},
	{MaintenanceFlushDisk, "flush_disk"},
}

// Has reports whether every bit of flag is set.
func (f MaintenanceFlags) Has(flag MaintenanceFlags) bool {
	return f&flag == flag
}

func (f MaintenanceFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, n := range maintenanceNames {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseMaintenanceFlags parses step names as printed by String. "all"
// selects every step.
func ParseMaintenanceFlags(names []string) (MaintenanceFlags, error) {
	var f MaintenanceFlags
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "all" {
			f |= MaintenanceAll
			continue
		}
		found := false
		for _, n := range maintenanceNames {
			if n.name == name {
				f |= n.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown maintenance step %q", raw)
		}
	}
	return f, nil
}

// Maintenance runs the selected steps in their fixed order. A failing step
// does not stop the ones after it; all step errors are joined.
func (s *Store) Maintenance(ctx context.Context, flags MaintenanceFlags) error {
	if err := s.usable(); err != nil {
		return err
	}
	if flags == 0 {
		return nil
	}

	actID := s.activities.Add(activity.CategoryMaintenance, flags.String(), "")
	defer s.activities.Remove(actID)
	timer := logging.StartTimer(s.logger, "maintenance", logging.String("steps", flags.String()))

	var errs []error
	record := func(flag MaintenanceFlags, err error) {
		name := flag.String()
		s.metrics.RecordMaintenanceStep(name, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	step := func(flag MaintenanceFlags, fn func() error) {
		if !flags.Has(flag) {
			return
		}
		s.activities.SetDescription(actID, flag.String())
		err := ctx.Err()
		if err == nil {
			err = fn()
		}
		record(flag, err)
	}

	step(MaintenanceTruncateLog, func() error {
		_, err := s.RewriteStore(ctx, true, "", nil)
		return err
	})
	step(MaintenanceTruncateIndexes, func() error {
		return s.underMaintenanceLock(func() error { return s.rebuildIndexesLocked(actID) })
	})
	step(MaintenanceDeleteOldLogs, func() error {
		return s.underMaintenanceLock(s.deleteOldLogsLocked)
	})
	step(MaintenanceSaveIndexStates, func() error {
		return s.underMaintenanceLock(func() error {
			_, err := s.saveIndexStatesLocked(false)
			return err
		})
	})

	if flags&maintenanceMemory != 0 {
		s.activities.SetDescription(actID, (flags & maintenanceMemory).String())
		err := ctx.Err()
		if err == nil {
			err = s.underMaintenanceLock(func() error {
				s.memoryStepsLocked(flags, record)
				return nil
			})
		}
		if err != nil {
			for _, n := range maintenanceNames {
				if maintenanceMemory.Has(n.flag) && flags.Has(n.flag) {
					record(n.flag, err)
				}
			}
		}
	}

	step(MaintenanceFlushDisk, func() error {
		return s.underMaintenanceLock(func() error { return s.flushLog(s.log.Load()) })
	})

	err := errors.Join(errs...)
	if err != nil {
		timer.EndError(err)
	} else {
		timer.End()
	}
	return err
}

// underMaintenanceLock runs fn with the gate write-held, giving up after the
// configured timeout instead of queueing behind a stuck reader.
func (s *Store) underMaintenanceLock(fn func() error) error {
	timeout := config.DefaultOr(s.cfg.MaintenanceTimeout, config.DefaultMaintenanceTimeout)
	if err := s.gate.TryLock(timeout); err != nil {
		return err
	}
	defer s.gate.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	return fn()
}

// rebuildIndexesLocked replays the current log into empty indexes.
func (s *Store) rebuildIndexesLocked(actID string) error {
	s.gate.AssertWriteHeld()
	l := s.log.Load()
	if err := s.flushLog(l); err != nil {
		return err
	}
	s.resetIndexes(l)
	if _, err := s.replay(l, 0, actID); err != nil {
		// The indexes are half built and cannot serve reads.
		return s.fail("truncate indexes", err, nil)
	}
	s.exec.dirty = true
	s.exec.actionsSinceCacheClear = 0
	s.publish()
	return nil
}

// deleteOldLogsLocked removes log files older than the current one.
func (s *Store) deleteOldLogsLocked() error {
	files, err := wal.ListLogFiles(s.cfg.DataDir, s.cfg.FilePrefix)
	if err != nil {
		return err
	}
	var errs []error
	for _, f := range files {
		if f.Seq >= s.seq {
			continue
		}
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		s.logger.Info("deleted old log", logging.Path(f.Path))
	}
	return errors.Join(errs...)
}

// memoryStepsLocked runs the cache and memory steps as one unit.
func (s *Store) memoryStepsLocked(flags MaintenanceFlags, record func(MaintenanceFlags, error)) {
	if flags.Has(MaintenanceClearAICache) {
		var err error
		if s.aiCache != nil {
			err = s.aiCache.Clear()
		}
		record(MaintenanceClearAICache, err)
	}
	if flags.Has(MaintenanceClearCache) {
		s.nodes.Cache().Clear()
		s.exec.actionsSinceCacheClear = 0
		record(MaintenanceClearCache, nil)
	}
	if flags.Has(MaintenancePurgeCache) {
		n := s.nodes.Cache().Purge()
		s.logger.Debug("purged node cache", logging.Int("evicted", n))
		record(MaintenancePurgeCache, nil)
	}
	if flags.Has(MaintenanceCompressMemory) {
		debug.FreeOSMemory()
		record(MaintenanceCompressMemory, nil)
	}
	if flags.Has(MaintenanceGarbageCollect) {
		runtime.GC()
		record(MaintenanceGarbageCollect, nil)
	}
	s.publish()
}
