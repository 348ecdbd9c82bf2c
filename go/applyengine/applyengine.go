// Package applyengine applies ordered plans of changes to a working tree,
// with per-transaction rollback when a later member conflicts with one
// applied earlier in the same run.
package applyengine

import (
	"context"
	"errors"
	"sort"

	"go.skia.org/cqcore/go/ccqerrors"
	"go.skia.org/cqcore/go/change"
	"go.skia.org/cqcore/go/cqlog"
	"go.skia.org/cqcore/go/helperpool"
	"go.skia.org/cqcore/go/planner"
)

// Checkout snapshots and restores the working-tree repos the engine
// touches. Project names a repo the same way helperpool.Manifest does.
type Checkout interface {
	// RepoPath returns the local path backing project, or false if the
	// project isn't checked out.
	RepoPath(project string) (path string, ok bool)
	// HeadSHA returns the current HEAD commit at path.
	HeadSHA(ctx context.Context, path string) (string, error)
	// ResetHard discards any changes at path since sha and resets HEAD to it.
	ResetHard(ctx context.Context, path string, sha string) error
}

// Failure pairs a change with the error that kept it out of the applied
// set.
type Failure struct {
	Change *change.Change
	Err    error
}

// Result is the outcome of one Apply call.
type Result struct {
	Applied        []*change.Change
	FailedTot      []Failure
	FailedInflight []Failure
}

// Options configures a single Apply call.
type Options struct {
	// Frozen limits dependency resolution to exactly the fetched set; a
	// dependency outside it fails the plan instead of being queried for.
	Frozen bool
	// HonorOrder preserves the caller's input order instead of sorting
	// plans by descending length first.
	HonorOrder bool
	// Filter, if set, drops changes it returns false for before planning.
	Filter func(*change.Change) bool
}

// Engine applies changes against a checkout via the helper pool's review
// clients, planning single-change transactions as it goes.
type Engine struct {
	helpers   *helperpool.HelperPool
	planner   *planner.Planner
	committed *change.PatchCache
	checkout  Checkout
	manifest  helperpool.Manifest
}

// New returns an Engine. committed is the cache of changes already known
// to be merged (seeded across CQ runs); it is mutated as transactions
// succeed, within the lifetime of the Engine.
func New(helpers *helperpool.HelperPool, p *planner.Planner, committed *change.PatchCache, checkout Checkout, manifest helperpool.Manifest) *Engine {
	return &Engine{helpers: helpers, planner: p, committed: committed, checkout: checkout, manifest: manifest}
}

type plannedTx struct {
	plan []*change.Change
}

// Apply applies changes in transactional plans, returning the changes
// that landed and the ones that didn't, split by tot vs inflight failure.
func (e *Engine) Apply(ctx context.Context, changes []*change.Change, opts Options) (*Result, error) {
	res := &Result{}

	fetched := make([]*change.Change, 0, len(changes))
	for _, c := range changes {
		client, err := e.helpers.ForChange(c)
		if err != nil {
			cqlog.Warningf("skipping %s: no helper configured for remote %q", c, c.Remote)
			continue
		}
		if opts.Filter != nil && !opts.Filter(c) {
			continue
		}
		if path, ok := e.checkout.RepoPath(c.Project); ok {
			if err := client.Fetch(ctx, c, path); err != nil {
				res.FailedTot = append(res.FailedTot, Failure{Change: c, Err: ccqerrors.Wrap(err, "fetching change")})
				continue
			}
		}
		fetched = append(fetched, c)
	}

	var lookup planner.Lookup
	limitCache := change.NewFromChanges(fetched)
	if opts.Frozen {
		lookup = planner.CacheLookup{Cache: limitCache}
	} else {
		lookup = &fetchingLookup{ctx: ctx, cache: limitCache, helpers: e.helpers}
	}

	var txs []plannedTx
	for _, c := range fetched {
		plan, err := e.planner.BuildSingleTx(ctx, c, lookup, planner.ModeApply)
		if err != nil {
			res.FailedTot = append(res.FailedTot, Failure{Change: c, Err: err})
			continue
		}
		txs = append(txs, plannedTx{plan: plan})
	}

	if !opts.HonorOrder {
		sort.SliceStable(txs, func(i, j int) bool {
			return len(txs[i].plan) > len(txs[j].plan)
		})
	}

	failedTotByID := map[change.Identity]error{}
	appliedSet := map[change.Identity]bool{}

	for _, tx := range txs {
		var blockedBy error
		for _, m := range tx.plan {
			if err, bad := failedTotByID[m.Identity()]; bad {
				blockedBy = err
				break
			}
		}
		if blockedBy != nil {
			leaf := tx.plan[len(tx.plan)-1]
			res.FailedTot = append(res.FailedTot, Failure{Change: leaf, Err: &ccqerrors.DependencyError{Change: leaf, Cause: blockedBy}})
			continue
		}

		toApply := make([]*change.Change, 0, len(tx.plan))
		for _, m := range tx.plan {
			if !appliedSet[m.Identity()] {
				toApply = append(toApply, m)
			}
		}
		if len(toApply) == 0 {
			continue
		}

		repoSnapshots, err := e.snapshotRepos(ctx, toApply)
		if err != nil {
			return nil, ccqerrors.Wrap(err, "snapshotting repos before transaction")
		}
		committedSnapshot := e.committed.Copy()

		var failure *Failure
		var inflight bool
		for _, m := range toApply {
			if err := e.applyOne(ctx, m); err != nil {
				var ae *ccqerrors.ApplyError
				if errors.As(err, &ae) {
					inflight = ae.Inflight
				}
				failure = &Failure{Change: m, Err: err}
				break
			}
		}

		if failure != nil {
			e.rollbackRepos(ctx, repoSnapshots)
			e.committed.Restore(committedSnapshot)
			if inflight {
				res.FailedInflight = append(res.FailedInflight, *failure)
			} else {
				failedTotByID[failure.Change.Identity()] = failure.Err
				res.FailedTot = append(res.FailedTot, *failure)
			}
			continue
		}

		for _, m := range toApply {
			appliedSet[m.Identity()] = true
			e.committed.Insert(m)
			res.Applied = append(res.Applied, m)
		}
	}

	return res, nil
}

func (e *Engine) applyOne(ctx context.Context, ch *change.Change) error {
	client, err := e.helpers.ForChange(ch)
	if err != nil {
		return err
	}
	return client.ApplyToCheckout(ctx, ch, e.manifest, false)
}

func (e *Engine) snapshotRepos(ctx context.Context, members []*change.Change) (map[string]string, error) {
	snapshots := map[string]string{}
	for _, m := range members {
		path, ok := e.checkout.RepoPath(m.Project)
		if !ok {
			continue
		}
		if _, done := snapshots[path]; done {
			continue
		}
		sha, err := e.checkout.HeadSHA(ctx, path)
		if err != nil {
			return nil, err
		}
		snapshots[path] = sha
	}
	return snapshots, nil
}

func (e *Engine) rollbackRepos(ctx context.Context, snapshots map[string]string) {
	for path, sha := range snapshots {
		if err := e.checkout.ResetHard(ctx, path, sha); err != nil {
			cqlog.Errorf("rolling back %s to %s: %v", path, sha, err)
		}
	}
}

// fetchingLookup resolves a dependency from the bounded fetched set first,
// falling back to a live review-server query (unbounded/non-frozen mode).
type fetchingLookup struct {
	ctx     context.Context
	cache   *change.PatchCache
	helpers *helperpool.HelperPool
}

func (f *fetchingLookup) Get(q change.PatchQuery) (*change.Change, bool) {
	if ch, ok := f.cache.Get(change.QueryKey(q)); ok {
		return ch, true
	}
	client, err := f.helpers.ForRemote(q.Remote)
	if err != nil {
		return nil, false
	}
	ch, err := client.QueryOne(f.ctx, q.ToGerritQueryText(), false)
	if err != nil || ch == nil {
		return nil, false
	}
	f.cache.Insert(ch)
	return ch, true
}
