// Package ccqerrors defines the orchestrator's typed error taxonomy: each
// kind is a distinct struct carrying the offending change and, where
// relevant, a wrapped cause, so callers can branch on the failure class
// with errors.As instead of string matching.
package ccqerrors

import (
	"fmt"

	"github.com/pkg/errors"
	"go.skia.org/cqcore/go/change"
)

// ChangeAffecting is implemented by every error in this package that names
// the change it concerns, so callers can pull the change back out of an
// opaque error value (e.g. when deciding whether to wrap it again).
type ChangeAffecting interface {
	AffectedChange() *change.Change
}

// TreeClosedError is raised when the tree is closed (or throttled, when
// throttled-ok was not set) for the whole of Acquire's timeout budget.
type TreeClosedError struct {
	State string
}

func (e *TreeClosedError) Error() string {
	return fmt.Sprintf("tree is %s; please wait for it to reopen", e.State)
}

// HelperUnavailableError is raised by HelperPool.ForChange when a change's
// remote has no configured ReviewClient.
type HelperUnavailableError struct {
	Remote change.Remote
}

func (e *HelperUnavailableError) Error() string {
	return fmt.Sprintf("no review-server helper configured for remote %q", e.Remote)
}

// PatchRejectedError is raised during submit-mode planning when a required
// dependency is not in the allowed limit set.
type PatchRejectedError struct {
	Change *change.Change
	Dep    *change.Change
}

func (e *PatchRejectedError) Error() string {
	return fmt.Sprintf("%s was rejected by the CQ: depends on %s, which is not ready to submit", e.Change, e.Dep)
}
func (e *PatchRejectedError) AffectedChange() *change.Change { return e.Change }

// PatchNotCommitReadyError is raised during normal-apply planning when a
// required dependency is not in the allowed limit set.
type PatchNotCommitReadyError struct {
	Change *change.Change
	Dep    *change.Change
}

func (e *PatchNotCommitReadyError) Error() string {
	return fmt.Sprintf("%s isn't marked as commit-ready anymore (depends on %s)", e.Change, e.Dep)
}
func (e *PatchNotCommitReadyError) AffectedChange() *change.Change { return e.Change }

// PatchModifiedError is raised when a change's patch number differs from
// the one that was applied earlier in the run.
type PatchModifiedError struct {
	Change *change.Change
}

func (e *PatchModifiedError) Error() string {
	return fmt.Sprintf("%s was modified while the CQ was in the middle of testing it", e.Change)
}
func (e *PatchModifiedError) AffectedChange() *change.Change { return e.Change }

// PatchConflictError is raised when the review server rejects a submit as
// conflicting with the current tip.
type PatchConflictError struct {
	Change *change.Change
}

func (e *PatchConflictError) Error() string {
	return fmt.Sprintf("%s could not be submitted because the server reported a conflict; did you rebase?", e.Change)
}
func (e *PatchConflictError) AffectedChange() *change.Change { return e.Change }

// PatchFailedToSubmitError is raised on a non-conflict submit failure.
type PatchFailedToSubmitError struct {
	Change *change.Change
	Reason string
}

func (e *PatchFailedToSubmitError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s could not be submitted; the review server might be having trouble", e.Change)
	}
	return fmt.Sprintf("%s could not be submitted: %s", e.Change, e.Reason)
}
func (e *PatchFailedToSubmitError) AffectedChange() *change.Change { return e.Change }

// PatchSubmittedWithoutDepsError is raised when cycle collapse allowed a
// change to submit before a later member of the same cycle failed.
type PatchSubmittedWithoutDepsError struct {
	Change *change.Change
	Cause  error
}

func (e *PatchSubmittedWithoutDepsError) Error() string {
	return fmt.Sprintf("%s was submitted even though a dependency cycle member failed afterward: %v", e.Change, e.Cause)
}
func (e *PatchSubmittedWithoutDepsError) AffectedChange() *change.Change { return e.Change }
func (e *PatchSubmittedWithoutDepsError) Unwrap() error                  { return e.Cause }

// PlanTooLongError is raised when the planner could not fit a change's
// required transaction within max_len.
type PlanTooLongError struct {
	Change *change.Change
	MaxLen int
}

func (e *PlanTooLongError) Error() string {
	return fmt.Sprintf("the CQ cannot handle a change series longer than %d changes; %s is part of one", e.MaxLen, e.Change)
}
func (e *PlanTooLongError) AffectedChange() *change.Change { return e.Change }

// DependencyError wraps a failure that occurred while resolving one of
// change's dependencies, preserving the original cause.
type DependencyError struct {
	Change *change.Change
	Cause  error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s was blocked: %v", e.Change, e.Cause)
}
func (e *DependencyError) AffectedChange() *change.Change { return e.Change }
func (e *DependencyError) Unwrap() error                  { return e.Cause }

// ResolverError wraps a non-retriable failure from the review server while
// resolving a change's dependencies.
type ResolverError struct {
	Change *change.Change
	Cause  error
}

func (e *ResolverError) Error() string {
	return fmt.Sprintf("failed resolving dependencies for %s: %v", e.Change, e.Cause)
}
func (e *ResolverError) AffectedChange() *change.Change { return e.Change }
func (e *ResolverError) Unwrap() error                  { return e.Cause }

// InternalError wraps any unexpected failure while applying a change; it is
// a safety net so the CQ doesn't loop forever on the same bad batch.
type InternalError struct {
	Change *change.Change
	Cause  error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal CQ error on %s: %v", e.Change, e.Cause)
}
func (e *InternalError) AffectedChange() *change.Change { return e.Change }
func (e *InternalError) Unwrap() error                  { return e.Cause }

// ApplyError is returned by ReviewClient.ApplyToCheckout. Inflight
// distinguishes a conflict against the pre-run tip (tot) from one
// introduced by other changes applied earlier in the same run.
type ApplyError struct {
	Change   *change.Change
	Inflight bool
	Cause    error
}

func (e *ApplyError) Error() string {
	kind := "tot"
	if e.Inflight {
		kind = "inflight"
	}
	return fmt.Sprintf("%s failed to apply (%s): %v", e.Change, kind, e.Cause)
}
func (e *ApplyError) AffectedChange() *change.Change { return e.Change }
func (e *ApplyError) Unwrap() error                  { return e.Cause }

// AffectedChangeOf extracts the change an error in this package concerns,
// or nil if err isn't one of ours.
func AffectedChangeOf(err error) *change.Change {
	var ca ChangeAffecting
	if errors.As(err, &ca) {
		return ca.AffectedChange()
	}
	return nil
}

// Wrap is a thin alias over github.com/pkg/errors.Wrap, used throughout
// this module for stack-annotated wrapping of non-taxonomy errors (e.g.
// I/O failures from git or the review-server transport).
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf is the formatted form of Wrap.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
