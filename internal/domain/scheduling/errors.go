package scheduling

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for callers: validation and state errors need
// different input, conflicts need fresh availability, configuration errors
// mean nothing can be booked until the schedule is fixed.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindState         ErrorKind = "state"
	KindConflict      ErrorKind = "conflict"
	KindConfiguration ErrorKind = "configuration"
	KindNotFound      ErrorKind = "not_found"
)

const (
	CodeValidation         = "validation"
	CodeMissingReason      = "missing_reason"
	CodeTerminalState      = "terminal_state"
	CodeNoChange           = "no_change"
	CodeAlreadyCancelled   = "already_cancelled"
	CodeInvalidTransition  = "invalid_transition"
	CodeSlotConflict       = "slot_conflict"
	CodeLocked             = "locked"
	CodeConcurrentModify   = "concurrent_modification"
	CodeNoActiveAssignment = "no_active_assignment"
	CodeAssignmentInactive = "assignment_inactive"
	CodeNoActiveRoom       = "no_active_room"
	CodeInactiveBranch     = "inactive_branch"
	CodeWeekdayMismatch    = "weekday_mismatch"
	CodeNoPrice            = "no_price"
	CodeNotFound           = "not_found"
)

// Error is the typed failure returned by every Service operation.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches on Code so that sentinels compare equal to any error carrying
// the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Retryable reports whether resubmitting after fresh availability may succeed.
func (e *Error) Retryable() bool { return e.Kind == KindConflict }

func newError(kind ErrorKind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func validationError(format string, args ...interface{}) *Error {
	return newError(KindValidation, CodeValidation, format, args...)
}

var (
	ErrMissingReason      = &Error{Kind: KindValidation, Code: CodeMissingReason, Message: "a cancellation reason is required"}
	ErrTerminalState      = &Error{Kind: KindState, Code: CodeTerminalState, Message: "appointment is in a terminal state"}
	ErrNoChange           = &Error{Kind: KindState, Code: CodeNoChange, Message: "nothing to change: date and start time are the same"}
	ErrAlreadyCancelled   = &Error{Kind: KindState, Code: CodeAlreadyCancelled, Message: "appointment is already cancelled"}
	ErrInvalidTransition  = &Error{Kind: KindState, Code: CodeInvalidTransition, Message: "status transition not allowed"}
	ErrSlotConflict       = &Error{Kind: KindConflict, Code: CodeSlotConflict, Message: "slot no longer available, fetch availability again"}
	ErrLocked             = &Error{Kind: KindConflict, Code: CodeLocked, Message: "another booking for this clinician and day is in progress, retry"}
	ErrConcurrentModify   = &Error{Kind: KindConflict, Code: CodeConcurrentModify, Message: "appointment was modified concurrently, reload and retry"}
	ErrNoActiveAssignment = &Error{Kind: KindConfiguration, Code: CodeNoActiveAssignment, Message: "clinician has no active assignment"}
	ErrAssignmentInactive = &Error{Kind: KindConfiguration, Code: CodeAssignmentInactive, Message: "assignment is inactive"}
	ErrNoActiveRoom       = &Error{Kind: KindConfiguration, Code: CodeNoActiveRoom, Message: "no active room for this assignment"}
	ErrInactiveBranch     = &Error{Kind: KindConfiguration, Code: CodeInactiveBranch, Message: "branch is inactive"}
	ErrWeekdayMismatch    = &Error{Kind: KindConfiguration, Code: CodeWeekdayMismatch, Message: "assignment does not run on that weekday"}
	ErrNoPrice            = &Error{Kind: KindConfiguration, Code: CodeNoPrice, Message: "no price configured for this clinician, branch and type"}
	ErrNotFound           = &Error{Kind: KindNotFound, Code: CodeNotFound, Message: "not found"}
)

// Repository-level errors, translated by the Service.
var (
	ErrRecordNotFound  = errors.New("record not found")
	ErrSlotTaken       = errors.New("interval overlaps a booked appointment")
	ErrVersionConflict = errors.New("version conflict")
)

// KindOf returns the kind of a typed error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
