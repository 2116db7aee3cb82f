package storage

import (
	"errors"
	"fmt"

	"github.com/dd0wney/graphstore/pkg/index"
	"github.com/dd0wney/graphstore/pkg/schema"
)

// Common sentinel errors
var (
	ErrStoreClosed        = errors.New("store is closed")
	ErrRestartRequired    = errors.New("store is in an error state; restart required")
	ErrDuplicateTimestamp = errors.New("timestamp already used")
	ErrTimestampRange     = errors.New("timestamp leaves no room for later transactions")
	ErrNodeLocked         = errors.New("node is locked")
	ErrLockExpired        = errors.New("lock exemption is no longer active")
	ErrRewriteInProgress  = errors.New("log rewrite already in progress")
	ErrInvalidAction      = errors.New("invalid action")
	ErrInvalidFileName    = errors.New("invalid log file name")

	ErrNodeNotFound        = index.ErrNodeNotFound
	ErrNodeExists          = index.ErrNodeExists
	ErrRelationExists      = index.ErrRelationExists
	ErrRelationNotFound    = index.ErrRelationNotFound
	ErrConstraintViolation = index.ErrConstraintViolation
)

// integrityCauses are the failures a transaction can hit without
// compromising the store: it is rolled back and the store stays open.
var integrityCauses = []error{
	ErrDuplicateTimestamp,
	ErrTimestampRange,
	ErrNodeLocked,
	ErrLockExpired,
	ErrInvalidAction,
	index.ErrNodeNotFound,
	index.ErrNodeExists,
	index.ErrRelationExists,
	index.ErrRelationNotFound,
	index.ErrUnknownRelation,
	index.ErrConstraintViolation,
	schema.ErrUnknownType,
	schema.ErrUnknownRelation,
}

// StorageError provides structured error information for storage operations.
type StorageError struct {
	Op      string // Operation that failed (e.g., "execute", "rewrite")
	Entity  string // Entity type (e.g., "node", "relation", "WAL")
	ID      uint64 // Entity ID (if applicable)
	Field   string // Field name (for property operations)
	Cause   error  // Underlying error
	Context string // Additional context
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.ID != 0 {
		if e.Field != "" {
			return fmt.Sprintf("%s %s %d (field %s): %v", e.Op, e.Entity, e.ID, e.Field, e.Cause)
		}
		return fmt.Sprintf("%s %s %d: %v", e.Op, e.Entity, e.ID, e.Cause)
	}
	if e.Field != "" {
		return fmt.Sprintf("%s %s (field %s): %v", e.Op, e.Entity, e.Field, e.Cause)
	}
	if e.Context != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Entity, e.Context, e.Cause)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Entity, e.Cause)
}

// Unwrap returns the underlying cause for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ErrorBuilder provides a fluent interface for building StorageErrors.
type ErrorBuilder struct {
	err StorageError
}

// NewError creates a new error builder with the given operation.
func NewError(op string) *ErrorBuilder {
	return &ErrorBuilder{err: StorageError{Op: op}}
}

// Node sets the entity to "node" with the given ID.
func (b *ErrorBuilder) Node(id uint64) *ErrorBuilder {
	b.err.Entity = "node"
	b.err.ID = id
	return b
}

// Relation sets the entity to "relation" and describes the triple.
func (b *ErrorBuilder) Relation(rel uint32, source, target uint64) *ErrorBuilder {
	b.err.Entity = "relation"
	b.err.Context = fmt.Sprintf("%d -[%d]-> %d", source, rel, target)
	return b
}

// Index sets the entity to "index" with the given field name.
func (b *ErrorBuilder) Index(field string) *ErrorBuilder {
	b.err.Entity = "index"
	b.err.Field = field
	return b
}

// WAL sets the entity to "WAL".
func (b *ErrorBuilder) WAL() *ErrorBuilder {
	b.err.Entity = "WAL"
	return b
}

// Snapshot sets the entity to "snapshot".
func (b *ErrorBuilder) Snapshot() *ErrorBuilder {
	b.err.Entity = "snapshot"
	return b
}

// Field sets the field name for property operations.
func (b *ErrorBuilder) Field(name string) *ErrorBuilder {
	b.err.Field = name
	return b
}

// Context sets additional context information.
func (b *ErrorBuilder) Context(ctx string) *ErrorBuilder {
	b.err.Context = ctx
	return b
}

// Cause sets the underlying error cause.
func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.err.Cause = err
	return b
}

// Build returns the constructed StorageError.
func (b *ErrorBuilder) Build() *StorageError {
	return &b.err
}

// Err returns the error as an error interface.
func (b *ErrorBuilder) Err() error {
	return &b.err
}

// IntegrityError reports a transaction that failed validation. Its effects
// were rolled back before it was returned; the store remains usable.
type IntegrityError struct {
	// Action is the index of the logical action that failed, or -1 when the
	// transaction failed before any action ran.
	Action int
	Cause  error
}

func (e *IntegrityError) Error() string {
	if e.Action < 0 {
		return fmt.Sprintf("transaction rejected: %v", e.Cause)
	}
	return fmt.Sprintf("transaction rolled back at action %d: %v", e.Action, e.Cause)
}

func (e *IntegrityError) Unwrap() error {
	return e.Cause
}

// NewIntegrityError marks err as a validation failure. Custom action
// factories use it for errors the store does not otherwise recognise, so
// they roll the transaction back instead of failing the store.
func NewIntegrityError(err error) error {
	return &IntegrityError{Action: -1, Cause: err}
}

// FatalError reports a failure the store could not contain. The store is in
// the error state and must be closed and reopened.
type FatalError struct {
	Op    string
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Cause, ErrRestartRequired)
}

// Unwrap exposes both the cause and ErrRestartRequired.
func (e *FatalError) Unwrap() []error {
	return []error{e.Cause, ErrRestartRequired}
}

// IsIntegrityError reports whether err leaves the store consistent.
func IsIntegrityError(err error) bool {
	if err == nil {
		return false
	}
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return true
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return false
	}
	for _, cause := range integrityCauses {
		if errors.Is(err, cause) {
			return true
		}
	}
	return false
}

// IsFatal reports whether err put the store into the error state.
func IsFatal(err error) bool {
	return errors.Is(err, ErrRestartRequired)
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNodeNotFound) || errors.Is(err, ErrRelationNotFound)
}

// IsClosed returns true if the error indicates the store is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrStoreClosed)
}
