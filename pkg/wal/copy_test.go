package wal

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/graphstore/pkg/action"
)

func TestWAL_CopyRequiresFlush(t *testing.T) {
	w := newTestWAL(t, Options{})
	_, err := w.QueueWrite(sampleTxn(1, 1, "a"))
	require.NoError(t, err)

	_, err = w.Copy(context.Background(), "backup.wal", DirDestination{Dir: t.TempDir()})
	assert.ErrorIs(t, err, ErrUnflushed)
}

func TestWAL_CopyToDir(t *testing.T) {
	w := newTestWAL(t, Options{CompressPayloads: true})
	writeTxns(t, w, 3)

	dir := t.TempDir()
	res, err := w.Copy(context.Background(), "backup.wal", DirDestination{Dir: dir})
	require.NoError(t, err)
	assert.NotEqual(t, w.ID(), res.ID)
	assert.Equal(t, w.Size(), res.Bytes)

	lr, err := OpenLogReader(filepath.Join(dir, "backup.wal"))
	require.NoError(t, err)
	defer lr.Close()
	assert.Equal(t, res.ID, lr.ID())

	n := 0
	for {
		e, err := lr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, "payload", string(e.Txn.Actions[0].Payload))
		n++
	}
	assert.Equal(t, 3, n)
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	b, err := io.ReadAll(in.Body)
	f.body = b
	return &s3.PutObjectOutput{}, err
}

func TestS3Destination_Put(t *testing.T) {
	w := newTestWAL(t, Options{})
	writeTxns(t, w, 1)

	client := &fakeS3{}
	dest := NewS3DestinationWithClient(client, "backups", "graph/nightly")
	_, err := w.Copy(context.Background(), "graph-000001.wal", dest)
	require.NoError(t, err)

	require.NotNil(t, client.input)
	assert.Equal(t, "backups", *client.input.Bucket)
	assert.Equal(t, "graph/nightly/graph-000001.wal", *client.input.Key)
	assert.Equal(t, w.Size(), *client.input.ContentLength)
	assert.Len(t, client.body, int(w.Size()))
	assert.Equal(t, magic, string(client.body[:8]))
}

func TestReadNodeSegments_Coalesces(t *testing.T) {
	w := newTestWAL(t, Options{})

	var segs []action.Segment
	for i := 1; i <= 10; i++ {
		s, err := w.QueueWrite(action.Transaction{
			Timestamp: int64(i),
			Actions:   []action.Action{action.AddNode(uint64(i), []byte{byte(i), byte(i)})},
		})
		require.NoError(t, err)
		segs = append(segs, s[0])
	}
	_, err := w.FlushToDisk()
	require.NoError(t, err)

	// Reversed order still comes back in request order.
	req := make([]action.Segment, len(segs))
	for i := range segs {
		req[i] = segs[len(segs)-1-i]
	}
	got, reads, err := w.ReadNodeSegments(req)
	require.NoError(t, err)
	assert.Equal(t, 1, reads)
	for i, b := range got {
		id := byte(len(segs) - i)
		assert.Equal(t, []byte{id, id}, b)
	}
	assert.Equal(t, int64(1), w.DiskReads())

	_, _, err = w.ReadNodeSegments([]action.Segment{{Position: w.Size(), Length: 4}})
	assert.ErrorIs(t, err, ErrSegmentOutOfRange)
}

func TestFlusher_FlushesOnQueueLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), LogFileName("graph", 1))
	w, err := Create(path, Options{MaxQueuedBytes: 1})
	require.NoError(t, err)
	defer w.Close()

	flushed := make(chan FlushResult, 4)
	w.StartFlusher(func(res FlushResult, _ time.Duration, err error) {
		if err == nil {
			flushed <- res
		}
	})

	_, err = w.QueueWrite(sampleTxn(1, 1, "a"))
	require.NoError(t, err)

	select {
	case res := <-flushed:
		assert.Equal(t, 1, res.Transactions)
	case <-time.After(5 * time.Second):
		t.Fatal("background flush did not run")
	}
	assert.Equal(t, w.Size(), w.DurableSize())
}

func TestLogFileNames(t *testing.T) {
	dir := t.TempDir()
	for _, seq := range []int{3, 1, 12} {
		w, err := Create(filepath.Join(dir, LogFileName("graph", seq)), Options{})
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}
	// Unrelated files are ignored.
	other, err := Create(filepath.Join(dir, "other-000002.wal"), Options{})
	require.NoError(t, err)
	require.NoError(t, other.Close())

	files, err := ListLogFiles(dir, "graph")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, []int{1, 3, 12}, []int{files[0].Seq, files[1].Seq, files[2].Seq})

	_, ok := ParseLogFileName("graph", "graph-abc.wal")
	assert.False(t, ok)
	seq, ok := ParseLogFileName("graph", "/data/graph-000042.wal")
	assert.True(t, ok)
	assert.Equal(t, 42, seq)
}
