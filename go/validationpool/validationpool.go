// Package validationpool implements ValidationPool, the top-level
// orchestrator that acquires a batch of ready changes from the review
// server under tree-state gating, drives ApplyEngine, records picked-up
// actions, handles build success and failure, and triggers submission on
// the master role.
package validationpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.skia.org/cqcore/go/applyengine"
	"go.skia.org/cqcore/go/ccqerrors"
	"go.skia.org/cqcore/go/change"
	"go.skia.org/cqcore/go/clock"
	"go.skia.org/cqcore/go/cqconfig"
	"go.skia.org/cqcore/go/cqlog"
	"go.skia.org/cqcore/go/helperpool"
	"go.skia.org/cqcore/go/manifest"
	"go.skia.org/cqcore/go/notifier"
	"go.skia.org/cqcore/go/statusstore"
	"go.skia.org/cqcore/go/submitter"
	"go.skia.org/cqcore/go/suspect"
)

// Role distinguishes the two ValidationPool factories: a master polls the
// review server and decides what to apply and submit; a slave applies a
// manifest another process (the master) already decided on and hard-stops
// on the first failure.
type Role int

const (
	RoleMaster Role = iota
	RoleSlave
)

// TreeState is the build-tree gate Acquire waits on.
type TreeState string

const (
	TreeOpen      TreeState = "open"
	TreeThrottled TreeState = "throttled"
	TreeClosed    TreeState = "closed"
)

// TreeStatus reports the current tree gate. Implementations typically wrap
// a sheriff-o-matic-style status endpoint.
type TreeStatus interface {
	State(ctx context.Context) (TreeState, error)
}

// Checkout is the capability ValidationPool needs from the working-tree
// manager beyond what ApplyEngine already owns: the project map used to
// split Acquire's results into manifest and non-manifest changes, and the
// board/overlay configuration SuspectAnalyzer needs.
type Checkout interface {
	helperpool.Manifest
	suspect.Checkout
}

// ReadyCriteria re-verifies that a change is still fit to be in the pool:
// not should-reject, still commit-ready, still approved. Exercised both in
// Acquire (right after reload) and in Submitter.SubmitChanges (right
// before partitioning).
type ReadyCriteria func(ch *change.Change) bool

// Filter is the caller-supplied accept/reject hook Acquire invokes once
// per poll with the manifest and non-manifest candidates it found ready;
// it returns the changes to accept into the pool and the ones to set aside
// as outside the manifest (non_tree).
type Filter func(vp *ValidationPool, manifestChanges, nonManifestChanges []*change.Change) (accepted, nonTree []*change.Change)

// ApplyFailure pairs a change with the error that kept it out of the
// applied set, recorded in PoolState.Deferred across ApplyPool calls.
type ApplyFailure struct {
	Change *change.Change
	Err    error
}

// PoolState is the mutable-by-append state a ValidationPool accumulates
// over its lifetime: the role and run mode it was built with, the last
// observed tree gate, the changes it has accepted, the ones it found
// outside the manifest, and any apply failures deferred to a later run.
type PoolState struct {
	Role      Role
	DryRun    bool
	PreCQ     bool
	TreeState TreeState
	Accepted  []*change.Change
	NonTree   []*change.Change
	Deferred  []ApplyFailure
	BuildURL  string
}

// ActionRecorder is the opaque sink every lifecycle transition is recorded
// through; the analytics store behind it is someone else's concern. The
// reference implementation, LogRecorder, just logs.
type ActionRecorder interface {
	RecordPickedUp(ctx context.Context, ch *change.Change, correlationID string) error
	RecordSubmitted(ctx context.Context, ch *change.Change, correlationID string) error
}

// LogRecorder is an ActionRecorder that only logs, stamping each action
// with the correlation ID the caller generated for it.
type LogRecorder struct{}

func (LogRecorder) RecordPickedUp(ctx context.Context, ch *change.Change, correlationID string) error {
	cqlog.ForChange(ch).Infof("action=picked-up correlation_id=%s", correlationID)
	return nil
}

func (LogRecorder) RecordSubmitted(ctx context.Context, ch *change.Change, correlationID string) error {
	cqlog.ForChange(ch).Infof("action=submitted correlation_id=%s", correlationID)
	return nil
}

// Options collects a ValidationPool's collaborators and tunables. Both
// NewMaster and NewSlave take the same Options; only the role differs, so
// every behavioral switch lives in one place.
type Options struct {
	Helpers   *helperpool.HelperPool
	Engine    *applyengine.Engine
	Submitter *submitter.Submitter
	Store     *statusstore.Store
	Analyzer  *suspect.Analyzer
	Notifier  *notifier.Notifier
	Recorder  ActionRecorder
	Bot       string

	Tree          TreeStatus
	ReadyQuery    string
	PriorityQuery string
	ReadyCriteria ReadyCriteria

	// GracePeriod defaults to 30 minutes.
	GracePeriod time.Duration
	// PollInterval defaults to 30 seconds; how long Acquire sleeps between
	// unsuccessful polls.
	PollInterval time.Duration

	DryRun bool
	PreCQ  bool

	// ShouldExitEarly is a test hook: if set and it returns true, Acquire
	// exits its poll loop even with an empty accepted set.
	ShouldExitEarly func() bool
}

type pickedUpKey struct {
	id          change.Identity
	patchNumber int
}

// ValidationPool is the per-build orchestrator. Construct one with
// NewMaster or NewSlave; Changes flow in via Acquire and are drained by
// ApplyPool/SubmitPool and the Handle* terminal methods.
type ValidationPool struct {
	mu    sync.Mutex
	state PoolState

	role Role

	helpers   *helperpool.HelperPool
	engine    *applyengine.Engine
	submitter *submitter.Submitter
	store     *statusstore.Store
	analyzer  *suspect.Analyzer
	notify    *notifier.Notifier
	recorder  ActionRecorder
	bot       string

	tree          TreeStatus
	readyQuery    string
	priorityQuery string
	readyCriteria ReadyCriteria

	dryRun bool
	preCQ  bool

	gracePeriod  time.Duration
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration)

	shouldExitEarly func() bool

	pickedUp map[pickedUpKey]bool
}

func newPool(role Role, opts Options) *ValidationPool {
	gracePeriod := opts.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = 30 * time.Minute
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	readyCriteria := opts.ReadyCriteria
	if readyCriteria == nil {
		readyCriteria = func(*change.Change) bool { return true }
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = LogRecorder{}
	}
	return &ValidationPool{
		state: PoolState{
			Role:   role,
			DryRun: opts.DryRun,
			PreCQ:  opts.PreCQ,
		},
		role:            role,
		helpers:         opts.Helpers,
		engine:          opts.Engine,
		submitter:       opts.Submitter,
		store:           opts.Store,
		analyzer:        opts.Analyzer,
		notify:          opts.Notifier,
		recorder:        recorder,
		bot:             opts.Bot,
		tree:            opts.Tree,
		readyQuery:      opts.ReadyQuery,
		priorityQuery:   opts.PriorityQuery,
		readyCriteria:   readyCriteria,
		dryRun:          opts.DryRun,
		preCQ:           opts.PreCQ,
		gracePeriod:     gracePeriod,
		pollInterval:    pollInterval,
		sleep:           defaultSleep,
		shouldExitEarly: opts.ShouldExitEarly,
		pickedUp:        map[pickedUpKey]bool{},
	}
}

// NewMaster returns a master-role ValidationPool: it polls the review
// server in Acquire, applies with frozen=true, and drives submission.
func NewMaster(opts Options) *ValidationPool { return newPool(RoleMaster, opts) }

// NewSlave returns a slave-role ValidationPool: ApplyPool replays a
// manifest another process already decided on, hard-stopping on failure.
func NewSlave(opts Options) *ValidationPool { return newPool(RoleSlave, opts) }

func defaultSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// State returns a snapshot copy of the pool's current PoolState.
func (vp *ValidationPool) State() PoolState {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	return PoolState{
		Role:      vp.state.Role,
		DryRun:    vp.state.DryRun,
		PreCQ:     vp.state.PreCQ,
		TreeState: vp.state.TreeState,
		Accepted:  append([]*change.Change(nil), vp.state.Accepted...),
		NonTree:   append([]*change.Change(nil), vp.state.NonTree...),
		Deferred:  append([]ApplyFailure(nil), vp.state.Deferred...),
		BuildURL:  vp.state.BuildURL,
	}
}

func (vp *ValidationPool) queueName() notifier.Queue {
	if vp.preCQ {
		return notifier.QueueTrybot
	}
	return notifier.QueueCommitQueue
}

func (vp *ValidationPool) statusKey(ch *change.Change) statusstore.Key {
	return statusstore.Key{Bot: vp.bot, Remote: ch.Remote, GerritNumber: ch.GerritNumber, PatchNumber: ch.PatchNumber}
}

// dashboardURL builds a build-dashboard link for the given board
// overlays: a pure function, never fetched from a server.
func dashboardURL(overlays []string) string {
	if len(overlays) == 0 {
		return ""
	}
	return fmt.Sprintf("https://uberchromegw.corp.google.com/i/build.chromeos/waterfall?overlay=%s", strings.Join(overlays, "&overlay="))
}

// Acquire polls the review server under tree-state gating until it has
// accepted at least one change, is in dry-run mode, its timeout expires,
// or the ShouldExitEarly test hook fires.
func (vp *ValidationPool) Acquire(ctx context.Context, overlays []string, checkout Checkout, filter Filter, checkTree, throttledOk bool, timeout time.Duration) error {
	deadline := clock.Now(ctx).Add(timeout)
	for {
		state := TreeOpen
		if checkTree && vp.tree != nil {
			var err error
			state, err = vp.tree.State(ctx)
			if err != nil {
				return ccqerrors.Wrap(err, "checking tree state")
			}
		}
		vp.mu.Lock()
		vp.state.TreeState = state
		vp.mu.Unlock()

		open := state == TreeOpen || (state == TreeThrottled && throttledOk)
		if !open {
			if clock.Now(ctx).After(deadline) {
				return &ccqerrors.TreeClosedError{State: string(state)}
			}
			vp.sleep(ctx, vp.pollInterval)
			continue
		}

		queryText := vp.readyQuery
		if state == TreeThrottled {
			queryText = vp.priorityQuery
		}

		candidates, err := vp.queryCandidates(ctx, queryText)
		if err != nil {
			return err
		}

		var manifestChanges, nonManifestChanges []*change.Change
		for _, c := range candidates {
			if _, ok := checkout.ProjectPath(c.Project); ok {
				manifestChanges = append(manifestChanges, c)
			} else {
				nonManifestChanges = append(nonManifestChanges, c)
			}
		}

		accepted, nonTree := filter(vp, manifestChanges, nonManifestChanges)

		vp.mu.Lock()
		for _, c := range accepted {
			if !containsIdentity(vp.state.Accepted, c) {
				vp.state.Accepted = append(vp.state.Accepted, c)
			}
		}
		for _, c := range nonTree {
			if !containsIdentity(vp.state.NonTree, c) {
				vp.state.NonTree = append(vp.state.NonTree, c)
			}
		}
		acceptedCount := len(vp.state.Accepted)
		vp.state.BuildURL = dashboardURL(overlays)
		vp.mu.Unlock()

		for _, c := range accepted {
			vp.recordPickedUp(ctx, c, overlays)
		}

		exitEarly := vp.shouldExitEarly != nil && vp.shouldExitEarly()
		if acceptedCount > 0 || vp.dryRun || clock.Now(ctx).After(deadline) || exitEarly {
			return nil
		}
		vp.sleep(ctx, vp.pollInterval)
	}
}

func (vp *ValidationPool) queryCandidates(ctx context.Context, queryText string) ([]*change.Change, error) {
	var candidates []*change.Change
	for _, remote := range []change.Remote{change.RemoteExternal, change.RemoteInternal} {
		if !vp.helpers.Allowed(remote) {
			continue
		}
		client, err := vp.helpers.ForRemote(remote)
		if err != nil {
			continue
		}
		found, err := queryWithRetry(ctx, client, queryText)
		if err != nil {
			return nil, ccqerrors.Wrap(err, "querying review server")
		}
		for _, f := range found {
			reloaded, err := client.QueryOne(ctx, f.ToPatchQuery().ToGerritQueryText(), false)
			if err != nil {
				cqlog.Warningf("dropping %s: could not reload: %v", f, err)
				continue
			}
			if reloaded == nil {
				continue
			}
			if reloaded.CurrentPatchsetDraft {
				vp.handleDraftChange(ctx, reloaded)
				continue
			}
			if !vp.readyCriteria(reloaded) {
				continue
			}
			candidates = append(candidates, reloaded)
		}
	}
	return candidates, nil
}

// queryWithRetry runs a Query against the review server with a short
// exponential backoff, tolerating the transient network hiccups a poll
// loop runs into over a long CQ run; it gives up and surfaces the last
// error after queryMaxElapsed.
func queryWithRetry(ctx context.Context, client helperpool.ReviewClient, queryText string) ([]*change.Change, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = queryMaxElapsed

	var found []*change.Change
	op := func() error {
		var err error
		found, err = client.Query(ctx, queryText, false)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return found, nil
}

const queryMaxElapsed = 10 * time.Second

// handleDraftChange routes a change whose current patchset is a draft out
// of the pool entirely: commit-ready is cleared and the owner notified,
// but it is never added to Accepted.
func (vp *ValidationPool) handleDraftChange(ctx context.Context, ch *change.Change) {
	cqlog.ForChange(ch).Infof("current patchset is a draft; not picking up")
	if !vp.dryRun {
		if client, err := vp.helpers.ForChange(ch); err == nil {
			if err := client.RemoveCommitReadyFlag(ctx, ch, vp.dryRun); err != nil {
				cqlog.Errorf("clearing commit-ready flag on %s: %v", ch, err)
			}
		}
	}
	if vp.notify == nil {
		return
	}
	body := notifier.Body{
		Queue:   vp.queueName(),
		Details: "this change's current patchset is a draft; upload a public patchset to have it picked up by the CQ",
	}
	if err := vp.notify.Notify(ctx, ch, body); err != nil {
		cqlog.Errorf("notifying %s about draft patchset: %v", ch, err)
	}
}

// recordPickedUp logs and records a picked-up action for ch exactly once
// per (change, patchset), regardless of how many Acquire calls observe
// it.
func (vp *ValidationPool) recordPickedUp(ctx context.Context, ch *change.Change, overlays []string) {
	key := pickedUpKey{id: ch.Identity(), patchNumber: ch.PatchNumber}
	vp.mu.Lock()
	if vp.pickedUp[key] {
		vp.mu.Unlock()
		return
	}
	vp.pickedUp[key] = true
	vp.mu.Unlock()

	correlationID := uuid.NewString()
	url := dashboardURL(overlays)
	if url != "" {
		cqlog.ForChange(ch).Infof("picked up by the CQ: %s [correlation_id=%s]", url, correlationID)
	} else {
		cqlog.ForChange(ch).Infof("picked up by the CQ [correlation_id=%s]", correlationID)
	}
	if err := vp.recorder.RecordPickedUp(ctx, ch, correlationID); err != nil {
		cqlog.Errorf("recording picked-up action for %s: %v", ch, err)
	}
}

// AcquireFromManifest seeds the pool from m's pending-commit elements
// instead of querying the review server: the slave-role intake path, where
// a master process already decided this change set and serialized it into
// the manifest. Changes whose remote has no configured helper are skipped.
// No picked-up action is recorded; the master recorded one when it
// originally accepted each change.
func (vp *ValidationPool) AcquireFromManifest(ctx context.Context, m *manifest.Manifest) error {
	for _, pc := range m.PendingCommits {
		ch := &change.Change{
			Remote:       change.Remote(pc.Remote),
			GerritNumber: pc.GerritNumber,
			PatchNumber:  pc.PatchNumber,
			ChangeID:     pc.ChangeID,
			Project:      pc.Project,
			Branch:       pc.Branch,
			OwnerEmail:   pc.OwnerEmail,
		}
		if !vp.helpers.Allowed(ch.Remote) {
			cqlog.ForChange(ch).Warnf("skipping manifest pending commit: no helper configured for remote %q", ch.Remote)
			continue
		}
		vp.mu.Lock()
		if !containsIdentity(vp.state.Accepted, ch) {
			vp.state.Accepted = append(vp.state.Accepted, ch)
		}
		vp.pickedUp[pickedUpKey{id: ch.Identity(), patchNumber: ch.PatchNumber}] = true
		vp.mu.Unlock()
	}
	return nil
}

func containsIdentity(list []*change.Change, ch *change.Change) bool {
	for _, c := range list {
		if c.Identity() == ch.Identity() {
			return true
		}
	}
	return false
}

// ApplyPool applies the pool's accepted changes. On the master role it
// calls ApplyEngine frozen and defers fresh tot failures (younger than
// the grace period) rather than surfacing them, assuming the owner is
// still uploading a stack; inflight failures are stashed for the next
// run. On the slave role it replays m's pending-commit order and hard-
// stops on the first failure. The returned bool reports whether the pool
// is clear to proceed to SubmitPool.
func (vp *ValidationPool) ApplyPool(ctx context.Context, m *manifest.Manifest) (bool, error) {
	vp.mu.Lock()
	accepted := append([]*change.Change(nil), vp.state.Accepted...)
	accepted = append(accepted, vp.state.NonTree...)
	role := vp.role
	vp.mu.Unlock()

	if role == RoleSlave {
		return vp.applySlave(ctx, m, accepted)
	}
	return vp.applyMaster(ctx, accepted)
}

func (vp *ValidationPool) applyMaster(ctx context.Context, accepted []*change.Change) (bool, error) {
	res, err := vp.engine.Apply(ctx, accepted, applyengine.Options{Frozen: true})
	if err != nil {
		// An unexpected failure gets wrapped around every change in the
		// pool so the whole batch is kicked out, rather than looping on it
		// run after run.
		for _, ch := range accepted {
			vp.notifyAndClear(ctx, ch, &ccqerrors.InternalError{Change: ch, Cause: err})
		}
		return false, ccqerrors.Wrap(err, "applying pool")
	}

	ok := true
	now := clock.Now(ctx)
	for _, f := range res.FailedTot {
		age := now.Sub(f.Change.ApprovalTimestamp)
		if age < vp.gracePeriod {
			cqlog.ForChange(f.Change).Infof("deferring tot apply failure (%s old, grace period %s): %v", age, vp.gracePeriod, f.Err)
			continue
		}
		ok = false
		vp.notifyAndClear(ctx, f.Change, f.Err)
	}
	for _, f := range res.FailedInflight {
		vp.mu.Lock()
		vp.state.Deferred = append(vp.state.Deferred, ApplyFailure{Change: f.Change, Err: f.Err})
		vp.mu.Unlock()
	}
	return ok, nil
}

func (vp *ValidationPool) applySlave(ctx context.Context, m *manifest.Manifest, accepted []*change.Change) (bool, error) {
	ordered := accepted
	if m != nil {
		byID := map[change.Identity]*change.Change{}
		for _, c := range accepted {
			byID[c.Identity()] = c
		}
		ordered = nil
		for _, pc := range m.PendingCommits {
			id := change.Identity{Remote: change.Remote(pc.Remote), ChangeID: pc.ChangeID}
			if c, ok := byID[id]; ok {
				ordered = append(ordered, c)
			}
		}
	}

	for _, c := range ordered {
		res, err := vp.engine.Apply(ctx, []*change.Change{c}, applyengine.Options{Frozen: true, HonorOrder: true})
		if err != nil {
			return false, err
		}
		if len(res.FailedTot) > 0 || len(res.FailedInflight) > 0 {
			cqlog.ForChange(c).Errorf("slave apply failed; stopping without applying the rest of the manifest")
			return false, nil
		}
	}
	return true, nil
}

func (vp *ValidationPool) notifyAndClear(ctx context.Context, ch *change.Change, cause error) {
	if vp.notify != nil {
		body := notifier.Body{Queue: vp.queueName(), Error: cause.Error()}
		if err := vp.notify.Notify(ctx, ch, body); err != nil {
			cqlog.Errorf("notifying %s: %v", ch, err)
		}
	}
	if !vp.dryRun {
		if client, err := vp.helpers.ForChange(ch); err == nil {
			if err := client.RemoveCommitReadyFlag(ctx, ch, vp.dryRun); err != nil {
				cqlog.Errorf("clearing commit-ready flag on %s: %v", ch, err)
			}
		}
	}
	if vp.store != nil {
		if err := vp.store.SetStatus(ctx, vp.statusKey(ch), statusstore.StatusFailed); err != nil {
			cqlog.Errorf("updating status for %s: %v", ch, err)
		}
	}
}

var errNoSubmitter = errors.New("validationpool: no submitter configured")

// SubmitPool delegates to the configured Submitter: changes whose project
// is in the manifest go through SubmitChanges' transaction partitioning,
// while the pool's non-manifest changes (PoolState.NonTree) go through
// SubmitNonManifest, which submits each independently with no
// partitioning. Changes whose apply was deferred to the next run are not
// submitted.
func (vp *ValidationPool) SubmitPool(ctx context.Context, checkTree, throttledOk bool) (map[change.Identity]error, error) {
	if vp.submitter == nil {
		return nil, errNoSubmitter
	}
	vp.mu.Lock()
	deferred := map[change.Identity]bool{}
	for _, f := range vp.state.Deferred {
		deferred[f.Change.Identity()] = true
	}
	var accepted []*change.Change
	for _, c := range vp.state.Accepted {
		if deferred[c.Identity()] {
			cqlog.ForChange(c).Infof("not submitting: apply was deferred to the next run")
			continue
		}
		accepted = append(accepted, c)
	}
	nonTree := append([]*change.Change(nil), vp.state.NonTree...)
	vp.mu.Unlock()

	failures, err := vp.submitter.SubmitChanges(ctx, accepted, checkTree, throttledOk)
	if err != nil {
		return nil, err
	}
	if len(nonTree) == 0 {
		return failures, nil
	}

	nonManifestFailures, err := vp.submitter.SubmitNonManifest(ctx, nonTree, checkTree, throttledOk)
	if err != nil {
		return nil, err
	}
	if failures == nil {
		failures = map[change.Identity]error{}
	}
	for id, e := range nonManifestFailures {
		failures[id] = e
	}
	return failures, nil
}

// HandleValidationFailure notifies every candidate of a failed run and, if
// sane, computes suspects via SuspectAnalyzer and clears commit-ready plus
// records Status=failed for the ones actually blamed.
func (vp *ValidationPool) HandleValidationFailure(ctx context.Context, checkout suspect.Checkout, messages []suspect.Message, candidates []suspect.Candidate, infraOnly, labOnly, sane, noStat bool) error {
	var suspects []suspect.Candidate
	if sane {
		suspects = vp.analyzer.FindSuspects(checkout, candidates, messages, infraOnly, labOnly)
	}
	suspectSet := map[change.Identity]bool{}
	for _, s := range suspects {
		suspectSet[s.Change.Identity()] = true
	}

	for _, c := range candidates {
		body := notifier.Body{Queue: vp.queueName()}
		if len(messages) > 0 {
			body.Failure = string(messages[0].Kind)
		}
		if vp.notify != nil {
			if err := vp.notify.Notify(ctx, c.Change, body); err != nil {
				cqlog.Errorf("notifying %s of validation failure: %v", c.Change, err)
			}
		}
		if !sane || !suspectSet[c.Change.Identity()] {
			continue
		}
		if !vp.dryRun {
			if client, err := vp.helpers.ForChange(c.Change); err == nil {
				if err := client.RemoveCommitReadyFlag(ctx, c.Change, vp.dryRun); err != nil {
					cqlog.Errorf("clearing commit-ready flag on %s: %v", c.Change, err)
				}
			}
		}
		if !noStat && vp.store != nil {
			if err := vp.store.SetStatus(ctx, vp.statusKey(c.Change), statusstore.StatusFailed); err != nil {
				cqlog.Errorf("updating status for %s: %v", c.Change, err)
			}
		}
	}
	return nil
}

// HandleValidationTimeout notifies every change that the run timed out
// waiting for verification, clearing commit-ready when sane.
func (vp *ValidationPool) HandleValidationTimeout(ctx context.Context, changes []*change.Change, sane bool) error {
	for _, ch := range changes {
		if vp.notify != nil {
			body := notifier.Body{Queue: vp.queueName(), Error: "timed out waiting for verification"}
			if err := vp.notify.Notify(ctx, ch, body); err != nil {
				cqlog.Errorf("notifying %s of validation timeout: %v", ch, err)
			}
		}
		if !sane || vp.dryRun {
			continue
		}
		if client, err := vp.helpers.ForChange(ch); err == nil {
			if err := client.RemoveCommitReadyFlag(ctx, ch, vp.dryRun); err != nil {
				cqlog.Errorf("clearing commit-ready flag on %s: %v", ch, err)
			}
		}
	}
	return nil
}

// HandlePreCQSuccess notifies each change of a successful pre-CQ dry run
// and advances its status to ready-to-submit (if the project opts into
// pre-CQ auto-submit) or passed, unless it's already at one of those
// terminal states.
func (vp *ValidationPool) HandlePreCQSuccess(ctx context.Context, projectConfig func(project string) cqconfig.ProjectConfig, changes []*change.Change) error {
	for _, ch := range changes {
		current, err := vp.store.GetStatus(ctx, vp.statusKey(ch))
		if err != nil {
			cqlog.Errorf("reading status for %s: %v", ch, err)
			continue
		}
		if current != nil && (*current == statusstore.StatusPassed || *current == statusstore.StatusReadyToSubmit) {
			continue
		}
		if vp.notify != nil {
			if err := vp.notify.Notify(ctx, ch, notifier.Body{Queue: vp.queueName(), Details: "verification passed"}); err != nil {
				cqlog.Errorf("notifying %s of pre-CQ success: %v", ch, err)
			}
		}
		newStatus := statusstore.StatusPassed
		if projectConfig != nil && projectConfig(ch.Project).SubmitInPreCQ {
			newStatus = statusstore.StatusReadyToSubmit
		}
		if err := vp.store.SetStatus(ctx, vp.statusKey(ch), newStatus); err != nil {
			cqlog.Errorf("updating status for %s: %v", ch, err)
		}
	}
	return nil
}

// DeferredFailure is the serializable form of ApplyFailure carried in a
// PoolSnapshot: the offending change's identity plus the failure's message,
// since an error value itself isn't serializable.
type DeferredFailure struct {
	Change change.Identity
	Reason string
}

// PoolSnapshot carries the pool's state across a master/slave process
// handoff: only primitives and change identities, no live collaborators.
// A loader resolves identities back to full Changes (typically from the
// same manifest the slave is about to apply) and re-attaches an
// ActionRecorder.
type PoolSnapshot struct {
	ID        string
	Role      Role
	DryRun    bool
	PreCQ     bool
	TreeState TreeState
	Accepted  []change.Identity
	NonTree   []change.Identity
	Deferred  []DeferredFailure
	BuildURL  string
}

// Snapshot captures vp's current PoolState as a PoolSnapshot, stamping it
// with a fresh run ID.
func (vp *ValidationPool) Snapshot() PoolSnapshot {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	snap := PoolSnapshot{
		ID:        uuid.NewString(),
		Role:      vp.state.Role,
		DryRun:    vp.state.DryRun,
		PreCQ:     vp.state.PreCQ,
		TreeState: vp.state.TreeState,
		BuildURL:  vp.state.BuildURL,
	}
	for _, c := range vp.state.Accepted {
		snap.Accepted = append(snap.Accepted, c.Identity())
	}
	for _, c := range vp.state.NonTree {
		snap.NonTree = append(snap.NonTree, c.Identity())
	}
	for _, f := range vp.state.Deferred {
		snap.Deferred = append(snap.Deferred, DeferredFailure{Change: f.Change.Identity(), Reason: f.Err.Error()})
	}
	return snap
}

// RestoreSnapshot rebuilds a ValidationPool from a PoolSnapshot: the
// caller supplies fresh collaborators exactly as it would to NewMaster or
// NewSlave, plus a cache able to resolve every identity in the snapshot
// back to a full Change (e.g. one seeded from the manifest the slave is
// about to apply), and the ActionRecorder to re-attach.
func RestoreSnapshot(snap PoolSnapshot, cache *change.PatchCache, recorder ActionRecorder, opts Options) *ValidationPool {
	opts.DryRun = snap.DryRun
	opts.PreCQ = snap.PreCQ
	opts.Recorder = recorder

	var vp *ValidationPool
	if snap.Role == RoleSlave {
		vp = NewSlave(opts)
	} else {
		vp = NewMaster(opts)
	}
	vp.state.TreeState = snap.TreeState
	vp.state.BuildURL = snap.BuildURL

	for _, id := range snap.Accepted {
		if ch, ok := cache.Get(change.ChangeIDKey(id.Remote, id.ChangeID)); ok {
			vp.state.Accepted = append(vp.state.Accepted, ch)
			vp.pickedUp[pickedUpKey{id: id, patchNumber: ch.PatchNumber}] = true
		}
	}
	for _, id := range snap.NonTree {
		if ch, ok := cache.Get(change.ChangeIDKey(id.Remote, id.ChangeID)); ok {
			vp.state.NonTree = append(vp.state.NonTree, ch)
		}
	}
	for _, d := range snap.Deferred {
		if ch, ok := cache.Get(change.ChangeIDKey(d.Change.Remote, d.Change.ChangeID)); ok {
			vp.state.Deferred = append(vp.state.Deferred, ApplyFailure{Change: ch, Err: errors.New(d.Reason)})
		}
	}
	return vp
}
