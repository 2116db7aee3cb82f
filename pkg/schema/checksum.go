package schema

import (
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ChecksumSize is the size of a schema checksum.
const ChecksumSize = 16

// Checksum identifies a schema together with the engine settings that shape
// the persisted index state.
type Checksum [ChecksumSize]byte

func (c Checksum) String() string {
	return fmt.Sprintf("%x", c[:])
}

// Settings are the engine options covered by the checksum. Changing any of
// them makes existing snapshots unusable.
type Settings struct {
	ValueIndexEngine string `json:"value_index_engine"`
	FilePrefix       string `json:"file_prefix"`
	Compression      bool   `json:"compression"`
}

// ComputeChecksum hashes the canonical form of the schema and settings with
// a 128-bit BLAKE2b digest.
func ComputeChecksum(s *Schema, settings Settings) (Checksum, error) {
	doc := struct {
		Schema   Schema   `json:"schema"`
		Settings Settings `json:"settings"`
	}{s.canonical(), settings}

	data, err := json.Marshal(doc)
	if err != nil {
		return Checksum{}, fmt.Errorf("encode schema: %w", err)
	}
	h, err := blake2b.New(ChecksumSize, nil)
	if err != nil {
		return Checksum{}, err
	}
	h.Write(data)

	var sum Checksum
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
