// Package helperpool routes a Change to the review-server client
// configured for its remote, and defines the ReviewClient contract every
// such client must satisfy.
package helperpool

import (
	"context"
	"errors"

	"go.skia.org/cqcore/go/change"
)

// ErrConflict is the sentinel a ReviewClient's Submit should wrap (via
// fmt.Errorf("%w", ...) or errors.Join) when the server rejects a submit
// because the change no longer applies cleanly to the current tip.
// Submitter uses errors.Is against it to distinguish PatchConflict from a
// generic PatchFailedToSubmit.
var ErrConflict = errors.New("review server reported a conflict")

// ChangeStatus is the review server's lifecycle state for a change.
type ChangeStatus string

const (
	StatusNew       ChangeStatus = "NEW"
	StatusSubmitted ChangeStatus = "SUBMITTED"
	StatusMerged    ChangeStatus = "MERGED"
	StatusAbandoned ChangeStatus = "ABANDONED"
)

// NotifyTarget mirrors Gerrit's notify= parameter on PostComment.
type NotifyTarget string

const (
	NotifyOwner NotifyTarget = "OWNER"
	NotifyNone  NotifyTarget = "NONE"
	NotifyAll   NotifyTarget = "ALL"
)

// MaxCommentBytes is the review server's hard per-comment cap; Notifier
// truncates to this before calling PostComment.
const MaxCommentBytes = 32000

// Manifest maps a change's project to a path in the working tree. It is
// supplied by the caller of ApplyEngine/applyengine.Checkout and passed
// through to ApplyToCheckout so a client can apply against the right repo.
type Manifest interface {
	ProjectPath(project string) (path string, inManifest bool)
}

// ReviewClient is the capability contract for a single remote's
// review-server client. One is configured per change.Remote in a
// HelperPool.
type ReviewClient interface {
	// Query runs a named "ready" or "priority-ready" query, returning every
	// matching change. sortDescending controls ordering when the caller
	// cares (e.g. newest first for logging).
	Query(ctx context.Context, queryText string, sortDescending bool) ([]*change.Change, error)

	// QueryOne runs a query expected to match at most one change. If
	// mustMatch is true and nothing matches, an error is returned instead
	// of (nil, nil).
	QueryOne(ctx context.Context, queryText string, mustMatch bool) (*change.Change, error)

	// Fetch ensures the change's commit is present in localRepo.
	Fetch(ctx context.Context, ch *change.Change, localRepo string) error

	// ApplyToCheckout applies ch against the working tree named by
	// manifest. On failure it returns a *ccqerrors.ApplyError distinguishing
	// tot vs inflight conflicts.
	ApplyToCheckout(ctx context.Context, ch *change.Change, manifest Manifest, strictTrivial bool) error

	// Submit asks the review server to merge ch. If dryRun, no mutation
	// happens server-side.
	Submit(ctx context.Context, ch *change.Change, dryRun bool) error

	// GetStatus returns ch's current lifecycle state.
	GetStatus(ctx context.Context, ch *change.Change) (ChangeStatus, error)

	// RemoveCommitReadyFlag clears the owner's commit-ready bit.
	RemoveCommitReadyFlag(ctx context.Context, ch *change.Change, dryRun bool) error

	// PostComment posts body as a review comment. Callers must keep body
	// under MaxCommentBytes; Notifier enforces this.
	PostComment(ctx context.Context, host, changeRev, body string, notify NotifyTarget) error
}
