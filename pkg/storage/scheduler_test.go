package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronFields(t *testing.T) {
	fields := cronFields([]interface{}{"now", 1, "entry", "save", "dangling"})
	require.Len(t, fields, 2)
	assert.Equal(t, "now", fields[0].Key)
	assert.Equal(t, "entry", fields[1].Key)
}

func TestSchedulerRegistersConfiguredJobs(t *testing.T) {
	cfg := testConfig(t)
	cfg.SaveSchedule = "*/5 * * * *"
	cfg.CompactSchedule = "@daily"
	s := openStore(t, cfg)

	require.NotNil(t, s.cron)
	assert.Len(t, s.cron.Entries(), 2)
}

func TestSchedulerIdleWithoutSchedules(t *testing.T) {
	s := openStore(t, testConfig(t))
	assert.Nil(t, s.cron)
}

func TestScheduledJobsSkipClosedStore(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)
	insertPerson(t, s, "a", "a@example.com")
	require.NoError(t, s.Close())

	s.scheduledSave()
	s.scheduledCompaction()
	assert.Equal(t, StateClosed, s.State())
}
