package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dd0wney/graphstore/pkg/schema"
)

func TestStorageError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *StorageError
		expected string
	}{
		{
			name: "with ID",
			err: &StorageError{
				Op:     "create",
				Entity: "node",
				ID:     123,
				Cause:  fmt.Errorf("duplicate key"),
			},
			expected: "create node 123: duplicate key",
		},
		{
			name: "with ID and field",
			err: &StorageError{
				Op:     "update",
				Entity: "node",
				ID:     456,
				Field:  "name",
				Cause:  fmt.Errorf("validation failed"),
			},
			expected: "update node 456 (field name): validation failed",
		},
		{
			name: "without ID with field",
			err: &StorageError{
				Op:     "insert",
				Entity: "index",
				Field:  "email",
				Cause:  fmt.Errorf("index full"),
			},
			expected: "insert index (field email): index full",
		},
		{
			name: "with context",
			err: &StorageError{
				Op:      "flush",
				Entity:  "WAL",
				Context: "during shutdown",
				Cause:   fmt.Errorf("disk full"),
			},
			expected: "flush WAL (during shutdown): disk full",
		},
		{
			name: "minimal",
			err: &StorageError{
				Op:     "close",
				Entity: "storage",
				Cause:  fmt.Errorf("already closed"),
			},
			expected: "close storage: already closed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestErrorBuilder(t *testing.T) {
	cause := errors.New("boom")

	err := NewError("relate").Relation(3, 1, 2).Cause(cause).Build()
	if err.Entity != "relation" {
		t.Errorf("Entity = %q, want relation", err.Entity)
	}
	if got, want := err.Error(), "relate relation (1 -[3]-> 2): boom"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	err = NewError("add").Node(7).Field("email").Cause(ErrConstraintViolation).Build()
	if got, want := err.Error(), "add node 7 (field email): "+ErrConstraintViolation.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	snap := NewError("save").Snapshot().Context("/tmp/x").Cause(cause).Err()
	if !errors.Is(snap, cause) {
		t.Error("builder error should unwrap to its cause")
	}
	var se *StorageError
	if !errors.As(snap, &se) || se.Entity != "snapshot" {
		t.Errorf("expected a snapshot StorageError, got %v", snap)
	}

	if got := NewError("flush").WAL().Cause(cause).Build().Entity; got != "WAL" {
		t.Errorf("Entity = %q, want WAL", got)
	}
	if got := NewError("lookup").Index("name").Cause(cause).Build(); got.Entity != "index" || got.Field != "name" {
		t.Errorf("Index() set %q/%q", got.Entity, got.Field)
	}
}

func TestIntegrityError(t *testing.T) {
	err := &IntegrityError{Action: 2, Cause: ErrConstraintViolation}
	if got, want := err.Error(), "transaction rolled back at action 2: "+ErrConstraintViolation.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrConstraintViolation) {
		t.Error("IntegrityError should unwrap to its cause")
	}

	early := &IntegrityError{Action: -1, Cause: ErrLockExpired}
	if got, want := early.Error(), "transaction rejected: "+ErrLockExpired.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestFatalError(t *testing.T) {
	cause := errors.New("disk full")
	err := error(&FatalError{Op: "flush", Cause: cause})

	if !errors.Is(err, cause) {
		t.Error("FatalError should unwrap to its cause")
	}
	if !errors.Is(err, ErrRestartRequired) {
		t.Error("FatalError should match ErrRestartRequired")
	}
	if !IsFatal(fmt.Errorf("wrapped: %w", err)) {
		t.Error("IsFatal should see through wrapping")
	}
	if got, want := err.Error(), "flush: disk full: "+ErrRestartRequired.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIsIntegrityError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"integrity error", &IntegrityError{Action: 0, Cause: errors.New("custom")}, true},
		{"marked by factory", NewIntegrityError(errors.New("custom")), true},
		{"constraint", NewError("add").Node(1).Cause(ErrConstraintViolation).Err(), true},
		{"node exists", fmt.Errorf("%w: 4", ErrNodeExists), true},
		{"node missing", fmt.Errorf("%w: 4", ErrNodeNotFound), true},
		{"locked", fmt.Errorf("%w: 4", ErrNodeLocked), true},
		{"duplicate timestamp", ErrDuplicateTimestamp, true},
		{"relation exists", ErrRelationExists, true},
		{"unknown type", fmt.Errorf("%w: x", schema.ErrUnknownType), true},
		{"io failure", errors.New("read: input/output error"), false},
		{"fatal wrapping integrity cause", &FatalError{Op: "commit", Cause: ErrNodeExists}, false},
		{"closed", ErrStoreClosed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsIntegrityError(tt.err); got != tt.want {
				t.Errorf("IsIntegrityError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsNotFoundAndClosed(t *testing.T) {
	if !IsNotFound(fmt.Errorf("get: %w", ErrNodeNotFound)) {
		t.Error("IsNotFound should match a wrapped ErrNodeNotFound")
	}
	if !IsNotFound(ErrRelationNotFound) {
		t.Error("IsNotFound should match ErrRelationNotFound")
	}
	if IsNotFound(ErrNodeExists) {
		t.Error("IsNotFound should not match ErrNodeExists")
	}
	if !IsClosed(fmt.Errorf("execute: %w", ErrStoreClosed)) {
		t.Error("IsClosed should match a wrapped ErrStoreClosed")
	}
}
