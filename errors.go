package redstage

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidQueueName      = errors.New("redstage: invalid queue name")
	ErrInvalidWorkerID       = errors.New("redstage: invalid worker id")
	ErrInvalidJob            = errors.New("redstage: invalid job")
	ErrDuplicateJob          = errors.New("redstage: job already queued")
	ErrDecode                = errors.New("redstage: cannot decode job")
	ErrPartialTransition     = errors.New("redstage: partial transition")
	ErrIndexOutOfRange       = errors.New("redstage: index out of range")
	ErrNotClaimed            = errors.New("redstage: job is not claimed")
	ErrUnknownQueue          = errors.New("redstage: unknown queue")
	ErrTriggersNotConfigured = errors.New("redstage: triggers not configured")
)

// DecodeError reports a stored blob that could not be decoded into a Job.
// When it comes from a pop or move, Raw has already been parked on the
// dead-letter list.
type DecodeError struct {
	Queue string
	Raw   string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("redstage: decode job from %q: %v", e.Queue, e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

// TransitionError reports a step that failed after the job had already
// changed lists. The job is where the first step put it; the follow-up
// (registry sign-in, claim cleanup) needs a retry or a Reconcile pass.
type TransitionError struct {
	Op    string
	JobID string
	Err   error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("redstage: %s of job %s incomplete: %v", e.Op, e.JobID, e.Err)
}

func (e *TransitionError) Unwrap() []error { return []error{ErrPartialTransition, e.Err} }
