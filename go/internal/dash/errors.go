package dash

import (
	"errors"

	"github.com/mcdev12/dashtrack/go/internal/dash/ephemeral"
	"github.com/mcdev12/dashtrack/go/internal/dash/validate"
	"github.com/mcdev12/dashtrack/go/internal/dash/worksession"
	"github.com/mcdev12/dashtrack/go/internal/models"
)

var (
	ErrTaskAlreadyAssigned = errors.New("a different task is already assigned")
	ErrSessionStarted      = errors.New("session already started")
	ErrSessionCompleted    = ephemeral.ErrSessionCompleted
	// ErrCommitClaimed is returned by Finish when the session is being committed, or was
	// already committed, by another caller.
	ErrCommitClaimed = errors.New("session commit already claimed")
	// ErrFinishViaCommit is returned when a stopwatch finish is sent as a plain event.
	ErrFinishViaCommit = errors.New("finish must be sent as a finish command")
)

// Error codes sent to realtime clients.
const (
	CodeNoSession           = "no_session"
	CodeNoTaskAssigned      = "no_task_assigned"
	CodeTaskAlreadyAssigned = "task_already_assigned"
	CodeSessionStarted      = "session_started"
	CodeSessionCompleted    = "session_completed"
	CodeInvalidEvent        = "invalid_event"
	CodeValidationFailed    = "validation_failed"
	CodeCommitFailed        = "commit_failed"
	CodeConflict            = "conflict"
	CodeInternal            = "internal"
)

// Code maps a command error to its client-facing code.
func Code(err error) string {
	var verr *validate.ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return CodeValidationFailed
	case errors.Is(err, ephemeral.ErrNoSession):
		return CodeNoSession
	case errors.Is(err, ephemeral.ErrNoTaskAssigned):
		return CodeNoTaskAssigned
	case errors.Is(err, ephemeral.ErrConflict), errors.Is(err, ErrCommitClaimed):
		return CodeConflict
	case errors.Is(err, ErrTaskAlreadyAssigned):
		return CodeTaskAlreadyAssigned
	case errors.Is(err, ErrSessionStarted):
		return CodeSessionStarted
	case errors.Is(err, ErrSessionCompleted):
		return CodeSessionCompleted
	case errors.Is(err, ErrFinishViaCommit),
		errors.Is(err, models.ErrUnknownDomain),
		errors.Is(err, models.ErrUnknownAction):
		return CodeInvalidEvent
	case errors.Is(err, worksession.ErrCommitFailed):
		return CodeCommitFailed
	default:
		return CodeInternal
	}
}

// Retryable reports whether the same command may succeed if sent again unchanged.
func Retryable(err error) bool {
	return errors.Is(err, worksession.ErrCommitFailed) ||
		errors.Is(err, ephemeral.ErrConflict) ||
		errors.Is(err, ErrCommitClaimed)
}
