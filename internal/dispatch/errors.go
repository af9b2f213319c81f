package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/stellarlinkco/clawgate/internal/approval"
	"github.com/stellarlinkco/clawgate/internal/drift"
	"github.com/stellarlinkco/clawgate/internal/eventlog"
	"github.com/stellarlinkco/clawgate/internal/gate"
)

var (
	// ErrStaleReadRequired blocks a write until the file is read again.
	// It is recoverable: read, then retry the write.
	ErrStaleReadRequired = errors.New("dispatch: file must be re-read before writing")
	// ErrExecutionFailed wraps executor failures. The turn continues and
	// the model sees the failure as a tool result.
	ErrExecutionFailed  = errors.New("dispatch: tool execution failed")
	ErrRejected         = errors.New("dispatch: rejected by user")
	ErrInvalidArguments = errors.New("dispatch: invalid tool arguments")
)

// StaleReadError names the path that must be re-read and why.
type StaleReadError struct {
	Path   string
	Drift  *drift.Record
	Reason string
}

func (e *StaleReadError) Error() string {
	return fmt.Sprintf("stale read: %s: %s; read the file again before writing", e.Path, e.Reason)
}

func (e *StaleReadError) Unwrap() error { return ErrStaleReadRequired }

// Fatal reports whether err must end the turn rather than be fed back to
// the model as a failed tool result.
func Fatal(err error) bool {
	return errors.Is(err, approval.ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, eventlog.ErrLogWriteFailed) ||
		errors.Is(err, eventlog.ErrClosed)
}

// errorCode maps an error to the code stored in Error events.
func errorCode(err error) string {
	switch {
	case errors.Is(err, gate.ErrSandboxViolation):
		return eventlog.CodeSandboxViolation
	case errors.Is(err, gate.ErrGateDenied):
		return eventlog.CodeGateDenied
	case errors.Is(err, ErrStaleReadRequired):
		return eventlog.CodeStaleReadRequired
	case errors.Is(err, ErrRejected):
		return eventlog.CodeApprovalRejected
	case errors.Is(err, approval.ErrCancelled):
		return eventlog.CodeApprovalCancelled
	case errors.Is(err, ErrInvalidArguments):
		return eventlog.CodeInvalidArguments
	default:
		return eventlog.CodeExecutionFailed
	}
}
