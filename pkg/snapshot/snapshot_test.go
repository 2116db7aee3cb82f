package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dd0wney/graphstore/pkg/schema"
)

func sampleRecord() *Record {
	return &Record{
		Version:            FormatVersion,
		LastTimestamp:      1234,
		LastTxnBytePos:     900,
		SchemaChecksum:     schema.Checksum{1, 2, 3},
		WALSize:            1000,
		WALID:              uuid.New(),
		IDRegistry:         []byte("ids"),
		NodeIndex:          []byte("nodes"),
		RelationIndex:      []byte("relations"),
		ValueIndex:         []byte("values"),
		TruncatableActions: 7,
	}
}

func TestRecordLayout(t *testing.T) {
	rec := sampleRecord()
	var buf bytes.Buffer
	n, err := rec.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Errorf("WriteTo reported %d bytes, wrote %d", n, buf.Len())
	}

	b := buf.Bytes()
	le := binary.LittleEndian
	if v := int32(le.Uint32(b[0:])); v != FormatVersion {
		t.Errorf("version = %d", v)
	}
	if ts := int64(le.Uint64(b[4:])); ts != 1234 {
		t.Errorf("lastTimestamp = %d", ts)
	}
	if pos := int64(le.Uint64(b[12:])); pos != 900 {
		t.Errorf("lastTxnBytePos = %d", pos)
	}
	if !bytes.Equal(b[20:36], rec.SchemaChecksum[:]) {
		t.Errorf("checksum bytes = %x", b[20:36])
	}
	if size := int64(le.Uint64(b[36:])); size != 1000 {
		t.Errorf("walFileSize = %d", size)
	}
	if !bytes.Equal(b[44:60], rec.WALID[:]) {
		t.Errorf("walFileId bytes = %x", b[44:60])
	}
	if l := int64(le.Uint64(b[60:])); l != 3 || string(b[68:71]) != "ids" {
		t.Errorf("first blob = %d %q", l, b[68:71])
	}
	if c := int64(le.Uint64(b[len(b)-8:])); c != 7 {
		t.Errorf("truncatable = %d", c)
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.state")

	got, err := Load(path)
	if err != nil || got != nil {
		t.Fatalf("Load of missing file = %v, %v; want nil, nil", got, err)
	}

	rec := sampleRecord()
	if _, err := Save(path, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if Exists(path + ".tmp") {
		t.Error("temporary file left behind")
	}

	got, err = Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.WALID != rec.WALID || got.TruncatableActions != 7 || string(got.ValueIndex) != "values" {
		t.Errorf("Load returned %+v", got)
	}

	if err := Delete(path); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if Exists(path) {
		t.Error("state file still present after Delete")
	}
}

func TestRead_Truncated(t *testing.T) {
	var buf bytes.Buffer
	sampleRecord().WriteTo(&buf)
	data := buf.Bytes()

	for _, n := range []int{0, 10, 70, len(data) - 1} {
		if _, err := Read(bytes.NewReader(data[:n]), int64(n)); !errors.Is(err, ErrIndexRead) {
			t.Errorf("Read of %d bytes: expected ErrIndexRead, got %v", n, err)
		}
	}

	path := filepath.Join(t.TempDir(), "bad.state")
	binary.LittleEndian.PutUint32(data, 99)
	os.WriteFile(path, data, 0644)
	if _, err := Load(path); !errors.Is(err, ErrIndexRead) {
		t.Errorf("Load of wrong version: expected ErrIndexRead, got %v", err)
	}
}

func TestRead_BlobLengthBeyondFile(t *testing.T) {
	var buf bytes.Buffer
	sampleRecord().WriteTo(&buf)
	data := buf.Bytes()

	// The id registry length follows the fixed header fields.
	lenAt := 4 + 8 + 8 + 16 + 8 + 16
	tests := []struct {
		name string
		n    uint64
	}{
		{"huge", 1 << 40},
		{"negative", 1 << 63},
		{"one past the end", uint64(len(data))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := append([]byte(nil), data...)
			binary.LittleEndian.PutUint64(bad[lenAt:], tt.n)

			if _, err := Read(bytes.NewReader(bad), int64(len(bad))); !errors.Is(err, ErrIndexRead) {
				t.Errorf("expected ErrIndexRead, got %v", err)
			}
			path := filepath.Join(t.TempDir(), "state.snapshot")
			if err := os.WriteFile(path, bad, 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); !errors.Is(err, ErrIndexRead) {
				t.Errorf("Load: expected ErrIndexRead, got %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	rec := sampleRecord()
	sum := rec.SchemaChecksum

	if err := rec.Validate(sum, rec.WALID, 1000); err != nil {
		t.Errorf("Validate of matching record: %v", err)
	}
	if err := rec.Validate(sum, rec.WALID, 5000); err != nil {
		t.Errorf("Validate with grown log: %v", err)
	}

	tests := []struct {
		name  string
		sum   schema.Checksum
		id    uuid.UUID
		size  int64
		tweak func(*Record)
	}{
		{"checksum", schema.Checksum{9}, rec.WALID, 1000, nil},
		{"log id", sum, uuid.New(), 1000, nil},
		{"log shrank", sum, rec.WALID, 999, nil},
		{"missing index", sum, rec.WALID, 1000, func(r *Record) { r.ValueIndex = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := *rec
			if tt.tweak != nil {
				tt.tweak(&r)
			}
			if err := r.Validate(tt.sum, tt.id, tt.size); !errors.Is(err, ErrIndexRead) {
				t.Errorf("expected ErrIndexRead, got %v", err)
			}
		})
	}
}

func TestRecordRoundTripProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("decode(encode(r)) preserves every field", prop.ForAll(
		func(ts, pos, trunc int64, nodes []byte) bool {
			rec := sampleRecord()
			rec.LastTimestamp, rec.LastTxnBytePos, rec.TruncatableActions = ts, pos, trunc
			rec.NodeIndex = nodes

			var buf bytes.Buffer
			if _, err := rec.WriteTo(&buf); err != nil {
				return false
			}
			got, err := Read(&buf, int64(buf.Len()))
			if err != nil {
				return false
			}
			return got.LastTimestamp == ts && got.LastTxnBytePos == pos &&
				got.TruncatableActions == trunc && bytes.Equal(got.NodeIndex, nodes) &&
				got.WALID == rec.WALID && got.SchemaChecksum == rec.SchemaChecksum
		},
		gen.Int64(),
		gen.Int64(),
		gen.Int64Range(0, 1<<40),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
