package persistence

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all implementations.
var (
	ErrFlowNotFound       = errors.New("flow not found")
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	ErrProfileNotFound    = errors.New("profile not found")
	ErrSegmentNotFound    = errors.New("segment not found")
	ErrSendNotFound       = errors.New("send record not found")
)

// EnrollmentError wraps enrollment-related errors with operation context.
type EnrollmentError struct {
	Op           string
	EnrollmentID string
	FlowID       string
	Err          error
}

func (e *EnrollmentError) Error() string {
	target := e.EnrollmentID
	if target == "" {
		target = fmt.Sprintf("flow %s", e.FlowID)
	}

	return fmt.Sprintf("%s operation failed for enrollment %s: %v", e.Op, target, e.Err)
}

func (e *EnrollmentError) Unwrap() error {
	return e.Err
}

func (e *EnrollmentError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewEnrollmentError creates an enrollment error with context.
func NewEnrollmentError(op, enrollmentID string, err error) *EnrollmentError {
	return &EnrollmentError{Op: op, EnrollmentID: enrollmentID, Err: err}
}

// SegmentError wraps segment-related errors with operation context.
type SegmentError struct {
	Op        string
	SegmentID string
	Err       error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("%s operation failed for segment %s: %v", e.Op, e.SegmentID, e.Err)
}

func (e *SegmentError) Unwrap() error {
	return e.Err
}

func (e *SegmentError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsNotFound reports whether the error is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound) ||
		errors.Is(err, ErrEnrollmentNotFound) ||
		errors.Is(err, ErrProfileNotFound) ||
		errors.Is(err, ErrSegmentNotFound) ||
		errors.Is(err, ErrSendNotFound)
}
