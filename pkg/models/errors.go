package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine. Miss is not an error: cache
// lookups report it as a nil entry.
var (
	ErrNotFound         = errors.New("record not found")
	ErrVersionConflict  = errors.New("version conflict")
	ErrPrivacyViolation = errors.New("privacy violation")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrCorruptEntry     = errors.New("corrupt entry")
	ErrTimeout          = errors.New("dependency timeout")
	ErrInvalidField     = errors.New("invalid field")
	ErrInvalidScope     = errors.New("invalid scope")
)

// PrivacyViolationError is returned when a write crosses a scope boundary
type PrivacyViolationError struct {
	Op        string
	Requester PrivacyScope
	Target    PrivacyScope
	Reason    string
}

func (e *PrivacyViolationError) Error() string {
	msg := fmt.Sprintf("privacy violation: %s on %s by %s", e.Op, e.Target, e.Requester)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is makes errors.Is(err, ErrPrivacyViolation) match
func (e *PrivacyViolationError) Is(target error) bool {
	return target == ErrPrivacyViolation
}

// VersionConflictError is returned when an optimistic write used a stale version
type VersionConflictError struct {
	Key      string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, current %d", e.Key, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrVersionConflict) match
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}
