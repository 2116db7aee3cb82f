package index

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// IDRegistry hands out node ids. Ids are reserved while a transaction is
// converted and committed or cancelled when it finishes; cancelling the
// newest reservations gives their ids back. Id 0 is never issued.
type IDRegistry struct {
	next      uint64
	committed uint64 // highest committed or observed id
	reserved  map[uint64]struct{}
}

// NewIDRegistry creates a registry that starts at id 1.
func NewIDRegistry() *IDRegistry {
	return &IDRegistry{next: 1, reserved: make(map[uint64]struct{})}
}

// Reserve returns the next free id.
func (r *IDRegistry) Reserve() uint64 {
	id := r.next
	r.next++
	r.reserved[id] = struct{}{}
	return id
}

// Commit makes reservations permanent.
func (r *IDRegistry) Commit(ids []uint64) {
	for _, id := range ids {
		delete(r.reserved, id)
		r.committed = max(r.committed, id)
	}
}

// Cancel releases reservations. The counter rewinds past the highest id
// still in use.
func (r *IDRegistry) Cancel(ids []uint64) {
	for _, id := range ids {
		delete(r.reserved, id)
	}
	top := r.committed
	for id := range r.reserved {
		top = max(top, id)
	}
	r.next = top + 1
}

// Observe records an id seen during replay or supplied by a caller.
func (r *IDRegistry) Observe(id uint64) {
	r.committed = max(r.committed, id)
	r.next = max(r.next, id+1)
}

// Next returns the id the next Reserve would return.
func (r *IDRegistry) Next() uint64 {
	return r.next
}

// Reserved returns the number of outstanding reservations.
func (r *IDRegistry) Reserved() int {
	return len(r.reserved)
}

// Reset forgets everything.
func (r *IDRegistry) Reset() {
	r.next = 1
	r.committed = 0
	r.reserved = make(map[uint64]struct{})
}

type idRegistryState struct {
	Next      uint64 `msgpack:"n"`
	Committed uint64 `msgpack:"c"`
}

// MarshalState serializes the counters. Outstanding reservations cannot be
// persisted.
func (r *IDRegistry) MarshalState() ([]byte, error) {
	if len(r.reserved) > 0 {
		return nil, fmt.Errorf("%w: %d reserved ids", ErrPendingState, len(r.reserved))
	}
	return msgpack.Marshal(idRegistryState{Next: r.next, Committed: r.committed})
}

// UnmarshalState restores saved counters.
func (r *IDRegistry) UnmarshalState(data []byte) error {
	var st idRegistryState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode id registry: %w", err)
	}
	if st.Next == 0 {
		return fmt.Errorf("decode id registry: next id is 0")
	}
	r.Reset()
	r.next = st.Next
	r.committed = st.Committed
	return nil
}
