package thread

import "errors"

// Knot validation errors, one per rule (see ValidateKnot), plus the
// pre-checks that run before rule 1.
var (
	ErrInsufficientParticipants = errors.New("thread: knot requires at least two participants")
	ErrParticipantCountMismatch = errors.New("thread: before/after participant count mismatch")
	ErrInvalidSignature         = errors.New("thread: signature verification failed")
	ErrKnotIDMismatch           = errors.New("thread: recomputed knot id does not match")
	ErrVersionMismatch          = errors.New("thread: version mismatch")
	ErrVersionOverflow          = errors.New("thread: version overflow")
	ErrStateHashMismatch        = errors.New("thread: state hash mismatch")
	ErrPayloadInconsistent      = errors.New("thread: payload inconsistent")
	ErrInvalidAmount            = errors.New("thread: invalid amount")
	ErrTimestampTooFuture       = errors.New("thread: timestamp too far in the future")
	ErrTimestampBeforePrevious  = errors.New("thread: timestamp precedes previous knot")
	ErrKnotExpired              = errors.New("thread: knot has expired")
)

// State-application errors.
var (
	ErrThreadNotFound      = errors.New("thread: thread not found")
	ErrInsufficientBalance = errors.New("thread: insufficient balance")
	ErrSupplyCapExceeded   = errors.New("thread: native token supply cap exceeded")
	ErrNotLoomParticipant  = errors.New("thread: address is not a member of this loom")
)
