// Package index holds the in-memory structures derived from the log: the
// node index, the relation index, the value index and the id registry.
//
// None of them lock internally, except the node cache. The store mutates
// them only under its write lock and reads them under its read lock.
package index

import "errors"

var (
	ErrNodeExists           = errors.New("node already exists")
	ErrNodeNotFound         = errors.New("node not found")
	ErrRelationExists       = errors.New("relation already exists")
	ErrRelationNotFound     = errors.New("relation not found")
	ErrUnknownRelation      = errors.New("unknown relation type")
	ErrConstraintViolation  = errors.New("unique constraint violation")
	ErrPendingState         = errors.New("index has uncommitted entries")
	ErrMissingIndex         = errors.New("index missing from saved state")
	ErrNoReader             = errors.New("node index has no segment reader")
	ErrUnsupportedStateBlob = errors.New("unsupported index state version")
)
