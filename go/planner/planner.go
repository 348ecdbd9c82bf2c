// Package planner implements the TransactionPlanner: it turns a set of
// changes into single-change application plans (a change plus every
// dependency it needs to apply cleanly) and partitions a batch of changes
// into disjoint plans suitable for parallel submission.
package planner

import (
	"context"

	"go.skia.org/cqcore/go/ccqerrors"
	"go.skia.org/cqcore/go/change"
)

// Mode selects which error the planner raises when a dependency falls
// outside the allowed limit set: PatchRejected while submitting, or
// PatchNotCommitReady during ordinary apply planning.
type Mode int

const (
	ModeApply Mode = iota
	ModeSubmit
)

// Resolver is the dependency-lookup capability the planner needs; a
// *depsresolver.Resolver satisfies it structurally.
type Resolver interface {
	DepsOf(ctx context.Context, ch *change.Change) (gerritDeps, cqDeps []change.PatchQuery, err error)
}

// Lookup resolves a dependency query to the Change it names, within some
// bounded set (e.g. the batch of changes currently under consideration).
type Lookup interface {
	Get(q change.PatchQuery) (*change.Change, bool)
}

// CacheLookup adapts a *change.PatchCache to Lookup.
type CacheLookup struct {
	Cache *change.PatchCache
}

func (l CacheLookup) Get(q change.PatchQuery) (*change.Change, bool) {
	return l.Cache.Get(change.QueryKey(q))
}

// Committed reports whether a dependency query names a change that has
// already been merged in a prior CQ run; such dependencies are satisfied
// and need not appear in any plan.
type Committed interface {
	IsCommitted(q change.PatchQuery) bool
}

// CommittedCache adapts a *change.PatchCache (of already-merged changes)
// to Committed.
type CommittedCache struct {
	Cache *change.PatchCache
}

func (c CommittedCache) IsCommitted(q change.PatchQuery) bool {
	if c.Cache == nil {
		return false
	}
	_, ok := c.Cache.Get(change.QueryKey(q))
	return ok
}

// Planner builds single-change transactions and partitions batches of
// changes into disjoint plans.
type Planner struct {
	resolver  Resolver
	committed Committed
}

// New returns a Planner that resolves dependencies via resolver. committed
// may be nil, meaning no changes are treated as already merged.
func New(resolver Resolver, committed Committed) *Planner {
	return &Planner{resolver: resolver, committed: committed}
}

// BuildSingleTx returns the non-empty ordered sequence of changes, ending
// with ch, needed to apply ch cleanly: ch's gerrit (patch-series) parents
// first, preserving server-reported sibling order, then ch's CQ-DEPEND
// dependencies. A dependency already merged is accepted with the
// dependency edge omitted; a dependency that is neither merged nor present
// in limit fails the whole call with PatchRejected (submit mode) or
// PatchNotCommitReady (apply mode).
//
// Gerrit-deps and CQ-deps expansion share one per-change visited marker;
// under a CQ-DEPEND cycle that is the only construction that keeps the
// invariant that the plan ends with the requested change.
func (p *Planner) BuildSingleTx(ctx context.Context, ch *change.Change, limit Lookup, mode Mode) ([]*change.Change, error) {
	b := &txBuilder{
		planner: p,
		limit:   limit,
		mode:    mode,
		visited: map[change.Identity]bool{},
	}
	if err := b.visit(ctx, ch); err != nil {
		return nil, err
	}
	return b.order, nil
}

type txBuilder struct {
	planner *Planner
	limit   Lookup
	mode    Mode
	visited map[change.Identity]bool
	order   []*change.Change
}

func (b *txBuilder) visit(ctx context.Context, ch *change.Change) error {
	id := ch.Identity()
	if b.visited[id] {
		return nil
	}
	b.visited[id] = true

	gerritDeps, cqDeps, err := b.planner.resolver.DepsOf(ctx, ch)
	if err != nil {
		return err
	}
	for _, q := range gerritDeps {
		dep, err := b.resolveDep(ch, q)
		if err != nil {
			return err
		}
		if dep == nil {
			continue
		}
		if err := b.visit(ctx, dep); err != nil {
			return err
		}
	}
	for _, q := range cqDeps {
		dep, err := b.resolveDep(ch, q)
		if err != nil {
			return err
		}
		if dep == nil {
			continue
		}
		if err := b.visit(ctx, dep); err != nil {
			return err
		}
	}
	b.order = append(b.order, ch)
	return nil
}

// resolveDep looks up q, returning (nil, nil) when it is already
// committed (the dependency is satisfied and omitted from the plan), or a
// typed error when it is neither committed nor present in limit.
func (b *txBuilder) resolveDep(parent *change.Change, q change.PatchQuery) (*change.Change, error) {
	if b.planner.committed != nil && b.planner.committed.IsCommitted(q) {
		return nil, nil
	}
	dep, ok := b.limit.Get(q)
	if !ok {
		missing := &change.Change{
			Remote:       q.Remote,
			GerritNumber: q.GerritNumber,
			ChangeID:     q.ChangeID,
			Project:      q.Project,
			Branch:       q.Branch,
		}
		if b.mode == ModeSubmit {
			return nil, &ccqerrors.PatchRejectedError{Change: parent, Dep: missing}
		}
		return nil, &ccqerrors.PatchNotCommitReadyError{Change: parent, Dep: missing}
	}
	return dep, nil
}

// Partition computes BuildSingleTx for every change in changes (limited to
// that same set), groups changes that ended up sharing a plan (plus,
// optionally, changes sharing a project) into connected components, and
// linearizes each component into a single ordered plan capped at maxLen
// (0 meaning unbounded). A change whose BuildSingleTx call failed is
// reported as a failure and excluded from every plan. A component that
// cannot fit any of its members' plans within maxLen reports
// PlanTooLongError for every member instead of producing a plan.
func (p *Planner) Partition(ctx context.Context, changes []*change.Change, mergeByProject bool, maxLen int) ([][]*change.Change, []error) {
	limit := CacheLookup{Cache: change.NewFromChanges(changes)}

	plans := map[change.Identity][]*change.Change{}
	var ok []*change.Change
	var failures []error
	for _, c := range changes {
		plan, err := p.BuildSingleTx(ctx, c, limit, ModeSubmit)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		plans[c.Identity()] = plan
		ok = append(ok, c)
	}

	adj := map[change.Identity]map[change.Identity]bool{}
	connect := func(a, b change.Identity) {
		if a == b {
			return
		}
		if adj[a] == nil {
			adj[a] = map[change.Identity]bool{}
		}
		if adj[b] == nil {
			adj[b] = map[change.Identity]bool{}
		}
		adj[a][b] = true
		adj[b][a] = true
	}
	for _, plan := range plans {
		for _, a := range plan {
			for _, b := range plan {
				connect(a.Identity(), b.Identity())
			}
		}
	}
	if mergeByProject {
		byProject := map[string][]change.Identity{}
		for _, c := range ok {
			byProject[c.Project] = append(byProject[c.Project], c.Identity())
		}
		for _, ids := range byProject {
			for _, a := range ids {
				for _, b := range ids {
					connect(a, b)
				}
			}
		}
	}

	var resultPlans [][]*change.Change
	visited := map[change.Identity]bool{}
	for _, c := range ok {
		id := c.Identity()
		if visited[id] {
			continue
		}
		queue := []change.Identity{id}
		visited[id] = true
		var members []change.Identity
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			members = append(members, cur)
			for n := range adj[cur] {
				if !visited[n] {
					visited[n] = true
					queue = append(queue, n)
				}
			}
		}

		inComponent := map[change.Identity]bool{}
		for _, id := range members {
			inComponent[id] = true
		}
		var memberOrder []*change.Change
		for _, c := range ok {
			if inComponent[c.Identity()] {
				memberOrder = append(memberOrder, c)
			}
		}

		linear, seen := []*change.Change{}, map[change.Identity]bool{}
		for _, c := range memberOrder {
			var toAdd []*change.Change
			for _, m := range plans[c.Identity()] {
				if !seen[m.Identity()] {
					toAdd = append(toAdd, m)
				}
			}
			if maxLen > 0 && len(linear)+len(toAdd) > maxLen {
				break
			}
			for _, m := range toAdd {
				seen[m.Identity()] = true
			}
			linear = append(linear, toAdd...)
		}

		if len(linear) == 0 {
			for _, c := range memberOrder {
				failures = append(failures, &ccqerrors.PlanTooLongError{Change: c, MaxLen: maxLen})
			}
			continue
		}
		resultPlans = append(resultPlans, linear)
	}
	return resultPlans, failures
}
