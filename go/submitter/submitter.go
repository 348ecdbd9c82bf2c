// Package submitter implements Submitter: per-transaction submission of
// already-applied changes back to the review server, with per-change
// conflict, modified-during-run, and not-ready-anymore detection, run in
// parallel across disjoint plans.
package submitter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.skia.org/cqcore/go/ccqerrors"
	"go.skia.org/cqcore/go/change"
	"go.skia.org/cqcore/go/clock"
	"go.skia.org/cqcore/go/cqlog"
	"go.skia.org/cqcore/go/helperpool"
	"go.skia.org/cqcore/go/notifier"
	"go.skia.org/cqcore/go/planner"
	"go.skia.org/cqcore/go/statusstore"
	"go.skia.org/cqcore/go/workerpool"
)

// Recorder is the narrow slice of ValidationPool's ActionRecorder the
// Submitter needs: a call recorded for every successful submit, so no
// lifecycle transition goes unlogged. Any ActionRecorder implementation
// satisfies this structurally.
type Recorder interface {
	RecordSubmitted(ctx context.Context, ch *change.Change, correlationID string) error
}

// NoopRecorder discards every call; useful for tests and dry runs that
// don't care about action logs.
type NoopRecorder struct{}

func (NoopRecorder) RecordSubmitted(context.Context, *change.Change, string) error { return nil }

// Options collects a Submitter's collaborators and tunables.
type Options struct {
	Helpers  *helperpool.HelperPool
	Planner  *planner.Planner
	Store    *statusstore.Store
	Notifier *notifier.Notifier
	Recorder Recorder
	Bot      string

	// Committed, if set, receives every successfully submitted change so
	// later plan members (and the planner's dependency checks) see it as
	// merged rather than re-submitting it.
	Committed *change.PatchCache

	// ReadyCriteria re-verifies a reloaded change still belongs in the
	// submit set; a change failing it is reported PatchNotCommitReady.
	ReadyCriteria func(ch *change.Change) bool

	// AssertTreeOpen, if set, is called once before any submit work when
	// the call's checkTree argument is true; a non-nil return aborts the
	// whole SubmitChanges or SubmitNonManifest call (typically a
	// *ccqerrors.TreeClosedError).
	AssertTreeOpen func(ctx context.Context, throttledOk bool) error

	MergeByProject bool
	MaxLen         int
	// Workers bounds how many plans submit concurrently; defaults to 4.
	Workers int

	// MergeTolerance is how long a submitted change is given to transition
	// to MERGED before the stuck-submitted policy kicks in; defaults to 3
	// minutes.
	MergeTolerance time.Duration
	// MergePollInterval paces the polling loop within MergeTolerance;
	// defaults to 10 seconds.
	MergePollInterval time.Duration
	// StrictMergeTiming disables the eventual-merge tolerance: a change
	// still stuck in SUBMITTED at the end of MergeTolerance is then a
	// failure instead of being treated as merged.
	StrictMergeTiming bool

	// Sleep overrides the merge-tolerance poll wait, for tests. Defaults to
	// a context-aware time.Sleep.
	Sleep func(ctx context.Context, d time.Duration)
}

// Submitter submits already-applied changes back to the review server.
type Submitter struct {
	helpers       *helperpool.HelperPool
	planner       *planner.Planner
	store         *statusstore.Store
	notify        *notifier.Notifier
	recorder      Recorder
	bot           string
	committed     *change.PatchCache
	readyCriteria func(ch *change.Change) bool

	assertTreeOpen func(ctx context.Context, throttledOk bool) error

	mergeByProject bool
	maxLen         int
	workers        int

	mergeTolerance    time.Duration
	mergePollInterval time.Duration
	strictMergeTiming bool
	sleep             func(ctx context.Context, d time.Duration)
}

// New returns a Submitter built from opts, filling in documented defaults.
func New(opts Options) *Submitter {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	mergeTolerance := opts.MergeTolerance
	if mergeTolerance <= 0 {
		mergeTolerance = 3 * time.Minute
	}
	pollInterval := opts.MergePollInterval
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = defaultSleep
	}
	return &Submitter{
		helpers:           opts.Helpers,
		planner:           opts.Planner,
		store:             opts.Store,
		notify:            opts.Notifier,
		recorder:          recorder,
		bot:               opts.Bot,
		committed:         opts.Committed,
		readyCriteria:     opts.ReadyCriteria,
		assertTreeOpen:    opts.AssertTreeOpen,
		mergeByProject:    opts.MergeByProject,
		maxLen:            opts.MaxLen,
		workers:           workers,
		mergeTolerance:    mergeTolerance,
		mergePollInterval: pollInterval,
		strictMergeTiming: opts.StrictMergeTiming,
		sleep:             sleep,
	}
}

func defaultSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (s *Submitter) statusKey(ch *change.Change) statusstore.Key {
	return statusstore.Key{Bot: s.bot, Remote: ch.Remote, GerritNumber: ch.GerritNumber, PatchNumber: ch.PatchNumber}
}

// SubmitChanges reloads, re-verifies, partitions, and submits changes in
// parallel plans, returning every failure keyed by the change it
// concerns.
func (s *Submitter) SubmitChanges(ctx context.Context, changes []*change.Change, checkTree, throttledOk bool) (map[change.Identity]error, error) {
	if checkTree && s.assertTreeOpen != nil {
		if err := s.assertTreeOpen(ctx, throttledOk); err != nil {
			return nil, err
		}
	}

	failures := &sync.Map{}
	survivors := s.reloadAndFilter(ctx, changes, failures)

	plans, planFailures := s.planner.Partition(ctx, survivors, s.mergeByProject, s.maxLen)
	for _, err := range planFailures {
		if ch := ccqerrors.AffectedChangeOf(err); ch != nil {
			failures.Store(ch.Identity(), err)
		}
	}

	pool := workerpool.New(s.workers)
	for _, plan := range plans {
		plan := plan
		pool.Go(func() {
			s.submitPlan(ctx, plan, failures)
		})
	}
	pool.Wait()

	out := map[change.Identity]error{}
	failures.Range(func(k, v interface{}) bool {
		out[k.(change.Identity)] = v.(error)
		return true
	})
	return out, nil
}

// SubmitNonManifest submits each change independently, with no
// transaction partitioning: used for changes whose project falls outside
// the manifest and so carries no dependency structure worth building a
// plan around. It reuses the same reload/re-verify filtering as
// SubmitChanges but submits survivors one at a time instead of
// partitioning them into plans.
func (s *Submitter) SubmitNonManifest(ctx context.Context, changes []*change.Change, checkTree, throttledOk bool) (map[change.Identity]error, error) {
	if checkTree && s.assertTreeOpen != nil {
		if err := s.assertTreeOpen(ctx, throttledOk); err != nil {
			return nil, err
		}
	}

	failures := &sync.Map{}
	survivors := s.reloadAndFilter(ctx, changes, failures)

	for _, ch := range survivors {
		if err := s.submitOne(ctx, ch); err != nil {
			failures.Store(ch.Identity(), err)
			continue
		}
		s.recordSuccess(ctx, ch)
	}

	out := map[change.Identity]error{}
	failures.Range(func(k, v interface{}) bool {
		out[k.(change.Identity)] = v.(error)
		return true
	})
	return out, nil
}

// reloadAndFilter drops already-merged (chumped) changes, fails
// PatchModified for ones whose patch number moved server-side, and fails
// PatchNotCommitReady for ones that no longer meet ReadyCriteria.
func (s *Submitter) reloadAndFilter(ctx context.Context, changes []*change.Change, failures *sync.Map) []*change.Change {
	var survivors []*change.Change
	for _, ch := range changes {
		client, err := s.helpers.ForChange(ch)
		if err != nil {
			failures.Store(ch.Identity(), err)
			continue
		}
		status, err := client.GetStatus(ctx, ch)
		if err != nil {
			failures.Store(ch.Identity(), ccqerrors.Wrap(err, "reloading change before submit"))
			continue
		}
		if status == helperpool.StatusMerged {
			cqlog.ForChange(ch).Infof("already merged out of band; treating as chumped")
			continue
		}
		reloaded, err := client.QueryOne(ctx, ch.ToPatchQuery().ToGerritQueryText(), false)
		if err != nil {
			failures.Store(ch.Identity(), ccqerrors.Wrap(err, "reloading change before submit"))
			continue
		}
		if reloaded == nil {
			failures.Store(ch.Identity(), &ccqerrors.PatchFailedToSubmitError{Change: ch, Reason: "change could not be found on the review server"})
			continue
		}
		if reloaded.PatchNumber != ch.PatchNumber {
			failures.Store(ch.Identity(), &ccqerrors.PatchModifiedError{Change: reloaded})
			continue
		}
		if s.readyCriteria != nil && !s.readyCriteria(reloaded) {
			failures.Store(ch.Identity(), &ccqerrors.PatchNotCommitReadyError{Change: reloaded})
			continue
		}
		survivors = append(survivors, reloaded)
	}
	return survivors
}

// submitPlan submits plan's members in order, stopping at the first
// failure and reporting every later member as blocked by it, then checks
// for cycle-collapse submitted-without-deps anomalies: a member that
// submitted successfully despite one of its own in-plan dependencies later
// failing.
func (s *Submitter) submitPlan(ctx context.Context, plan []*change.Change, failures *sync.Map) {
	depsWithinPlan := s.dependenciesWithinPlan(ctx, plan)

	var blocked error
	submitted := map[change.Identity]*change.Change{}
	failedInPlan := map[change.Identity]bool{}

	for _, ch := range plan {
		if blocked != nil {
			err := &ccqerrors.DependencyError{Change: ch, Cause: blocked}
			failures.Store(ch.Identity(), err)
			failedInPlan[ch.Identity()] = true
			continue
		}
		if err := s.submitOne(ctx, ch); err != nil {
			blocked = err
			failures.Store(ch.Identity(), err)
			failedInPlan[ch.Identity()] = true
			continue
		}
		submitted[ch.Identity()] = ch
		s.recordSuccess(ctx, ch)
	}

	for id, ch := range submitted {
		for _, depID := range depsWithinPlan[id] {
			if !failedInPlan[depID] {
				continue
			}
			err := &ccqerrors.PatchSubmittedWithoutDepsError{Change: ch, Cause: blocked}
			failures.Store(id, err)
			if s.notify != nil {
				if nerr := s.notify.Notify(ctx, ch, notifier.Body{Queue: notifier.QueueCommitQueue, Error: err.Error()}); nerr != nil {
					cqlog.Errorf("notifying %s of submitted-without-deps: %v", ch, nerr)
				}
			}
			break
		}
	}
}

// dependenciesWithinPlan recomputes each member's single-change plan
// scoped to this transaction, to find edges a cycle's arbitrary
// linearization may have reordered.
func (s *Submitter) dependenciesWithinPlan(ctx context.Context, plan []*change.Change) map[change.Identity][]change.Identity {
	limit := planner.CacheLookup{Cache: change.NewFromChanges(plan)}
	deps := map[change.Identity][]change.Identity{}
	for _, m := range plan {
		full, err := s.planner.BuildSingleTx(ctx, m, limit, planner.ModeSubmit)
		if err != nil {
			continue
		}
		for _, d := range full {
			if d.Identity() != m.Identity() {
				deps[m.Identity()] = append(deps[m.Identity()], d.Identity())
			}
		}
	}
	return deps
}

func (s *Submitter) recordSuccess(ctx context.Context, ch *change.Change) {
	if s.committed != nil {
		s.committed.Insert(ch)
	}
	if err := s.recorder.RecordSubmitted(ctx, ch, uuid.NewString()); err != nil {
		cqlog.Errorf("recording submitted action for %s: %v", ch, err)
	}
	if s.store != nil {
		if err := s.store.SetStatus(ctx, s.statusKey(ch), statusstore.StatusPassed); err != nil {
			cqlog.Errorf("updating status for %s: %v", ch, err)
		}
	}
}

// submitOne submits ch and polls for the MERGED transition. A change
// still stuck in SUBMITTED when the tolerance runs out is treated as
// eventually merged unless strict merge timing is on.
func (s *Submitter) submitOne(ctx context.Context, ch *change.Change) error {
	client, err := s.helpers.ForChange(ch)
	if err != nil {
		return err
	}
	if err := client.Submit(ctx, ch, false); err != nil {
		if errors.Is(err, helperpool.ErrConflict) {
			return &ccqerrors.PatchConflictError{Change: ch}
		}
		return &ccqerrors.PatchFailedToSubmitError{Change: ch, Reason: err.Error()}
	}

	deadline := clock.Now(ctx).Add(s.mergeTolerance)
	var last helperpool.ChangeStatus
	for {
		status, err := client.GetStatus(ctx, ch)
		if err == nil {
			last = status
			if status == helperpool.StatusMerged {
				return nil
			}
		}
		if !clock.Now(ctx).Before(deadline) {
			break
		}
		s.sleep(ctx, s.mergePollInterval)
	}
	if !s.strictMergeTiming && last == helperpool.StatusSubmitted {
		cqlog.ForChange(ch).Warnf("stuck in SUBMITTED past the merge tolerance; treating as merged")
		return nil
	}
	return &ccqerrors.PatchFailedToSubmitError{Change: ch, Reason: "submitted but did not transition to merged within the merge tolerance"}
}
