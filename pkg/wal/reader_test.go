package wal

import (
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/graphstore/pkg/action"
)

func writeTxns(t *testing.T, w *WAL, n int) []int64 {
	t.Helper()
	ends := make([]int64, 0, n)
	for i := 1; i <= n; i++ {
		_, err := w.QueueWrite(sampleTxn(int64(i*100), uint64(i), "payload"))
		require.NoError(t, err)
		ends = append(ends, w.Size())
	}
	_, err := w.FlushToDisk()
	require.NoError(t, err)
	return ends
}

func TestLogReader_Sequential(t *testing.T) {
	w := newTestWAL(t, Options{})
	ends := writeTxns(t, w, 5)

	lr, err := w.CreateLogReader(0, 0)
	require.NoError(t, err)
	defer lr.Close()
	assert.Equal(t, w.ID(), lr.ID())

	start := int64(HeaderSize)
	for i := 0; i < 5; i++ {
		e, err := lr.Next()
		require.NoError(t, err)
		assert.Equal(t, int64((i+1)*100), e.Txn.Timestamp)
		assert.Equal(t, start, e.Start)
		assert.Equal(t, ends[i], e.End)
		require.Len(t, e.Txn.Actions, 3)
		assert.Equal(t, action.OpAdd, e.Txn.Actions[0].Op)
		assert.Equal(t, "payload", string(e.Txn.Actions[0].Payload))
		assert.Equal(t, uint32(3), e.Txn.Actions[1].Relation)
		assert.Equal(t, action.OpRemove, e.Txn.Actions[2].Op)
		start = e.End
	}
	_, err = lr.Next()
	assert.Equal(t, io.EOF, err)
	assert.InDelta(t, 100.0, lr.Progress(), 0.001)
}

func TestLogReader_StartPositionAndTimestamp(t *testing.T) {
	w := newTestWAL(t, Options{})
	ends := writeTxns(t, w, 5)

	lr, err := w.CreateLogReader(ends[1], 0)
	require.NoError(t, err)
	e, err := lr.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(300), e.Txn.Timestamp)
	lr.Close()

	lr, err = w.CreateLogReader(0, 400)
	require.NoError(t, err)
	defer lr.Close()
	e, err = lr.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(400), e.Txn.Timestamp)

	_, err = w.CreateLogReader(w.Size()+1, 0)
	assert.ErrorIs(t, err, ErrSegmentOutOfRange)
}

func TestLogReader_TornTail(t *testing.T) {
	w := newTestWAL(t, Options{})
	ends := writeTxns(t, w, 2)
	path := w.Path()
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xff, 0x00, 0x00, 0x00, 1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = Open(path, Options{})
	require.NoError(t, err)
	defer w.Close()

	lr, err := w.CreateLogReader(0, 0)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := lr.Next()
		require.NoError(t, err)
	}
	_, err = lr.Next()
	assert.True(t, errors.Is(err, ErrTornRecord), "got %v", err)
	assert.Equal(t, ends[1], lr.Position())
	lr.Close()

	require.NoError(t, w.Truncate(lr.Position()))
	assert.Equal(t, ends[1], FileSize(path))

	lr, err = w.CreateLogReader(0, 0)
	require.NoError(t, err)
	defer lr.Close()
	n := 0
	for {
		if _, err := lr.Next(); err == io.EOF {
			break
		} else {
			require.NoError(t, err)
		}
		n++
	}
	assert.Equal(t, 2, n)
}

func TestLogReader_RecordAfter(t *testing.T) {
	w := newTestWAL(t, Options{})
	ends := writeTxns(t, w, 3)
	path := w.Path()
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Damage the second record's timestamp; the third stays intact.
	mid := append([]byte(nil), data...)
	mid[ends[0]+recordHeaderSize+1] ^= 0xff
	require.NoError(t, os.WriteFile(path, mid, 0644))

	lr, err := OpenLogReader(path)
	require.NoError(t, err)
	_, err = lr.Next()
	require.NoError(t, err)
	_, err = lr.Next()
	require.ErrorIs(t, err, ErrTornRecord)
	next, found := lr.RecordAfter()
	assert.True(t, found)
	assert.Equal(t, ends[1], next)
	require.NoError(t, lr.Close())

	// Damage the last record instead: nothing intact follows it.
	tail := append([]byte(nil), data...)
	tail[ends[1]+recordHeaderSize+1] ^= 0xff
	require.NoError(t, os.WriteFile(path, tail, 0644))

	lr, err = OpenLogReader(path)
	require.NoError(t, err)
	defer lr.Close()
	for i := 0; i < 2; i++ {
		_, err = lr.Next()
		require.NoError(t, err)
	}
	_, err = lr.Next()
	require.ErrorIs(t, err, ErrTornRecord)
	_, found = lr.RecordAfter()
	assert.False(t, found)
}

func TestLogReader_ChecksumMismatch(t *testing.T) {
	w := newTestWAL(t, Options{})
	writeTxns(t, w, 1)
	path := w.Path()
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	lr, err := OpenLogReader(path)
	require.NoError(t, err)
	defer lr.Close()
	_, err = lr.Next()
	assert.ErrorIs(t, err, ErrTornRecord)
	assert.Equal(t, int64(HeaderSize), lr.Position())
}
