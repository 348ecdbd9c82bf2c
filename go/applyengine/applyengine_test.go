package applyengine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.skia.org/cqcore/go/ccqerrors"
	"go.skia.org/cqcore/go/change"
	"go.skia.org/cqcore/go/helperpool"
	"go.skia.org/cqcore/go/planner"
)

type fakeResolver struct {
	cq map[change.Identity][]change.PatchQuery
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{cq: map[change.Identity][]change.PatchQuery{}}
}

func (f *fakeResolver) cqDepend(from, to *change.Change) {
	f.cq[from.Identity()] = append(f.cq[from.Identity()], to.ToPatchQuery())
}

func (f *fakeResolver) DepsOf(ctx context.Context, ch *change.Change) ([]change.PatchQuery, []change.PatchQuery, error) {
	return nil, f.cq[ch.Identity()], nil
}

type fakeCheckout struct {
	mu     sync.Mutex
	heads  map[string]string
	resets []string
}

func newFakeCheckout() *fakeCheckout {
	return &fakeCheckout{heads: map[string]string{}}
}

func (f *fakeCheckout) seed(path, sha string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads[path] = sha
}

func (f *fakeCheckout) RepoPath(project string) (string, bool) {
	if project == "" {
		return "", false
	}
	return project, true
}

func (f *fakeCheckout) HeadSHA(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heads[path], nil
}

func (f *fakeCheckout) ResetHard(ctx context.Context, path, sha string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads[path] = sha
	f.resets = append(f.resets, path+"@"+sha)
	return nil
}

type fakeManifest struct{}

func (fakeManifest) ProjectPath(project string) (string, bool) { return project, true }

func mkChange(id, project string) *change.Change {
	return &change.Change{Remote: change.RemoteExternal, ChangeID: id, Project: project}
}

func TestApply_UnrelatedChangesEachGetOwnTransaction(t *testing.T) {
	a := mkChange("A", "repoA")
	b := mkChange("B", "repoB")

	client := helperpool.NewFakeClient().Seed(a).Seed(b)
	client.ApplyErrs[b.Identity()] = &ccqerrors.ApplyError{Change: b, Inflight: true}

	helpers := helperpool.New(client, nil)
	p := planner.New(newFakeResolver(), nil)
	checkout := newFakeCheckout()
	checkout.seed("repoA", "sha-a-0")
	checkout.seed("repoB", "sha-b-0")

	e := New(helpers, p, change.New(), checkout, fakeManifest{})
	res, err := e.Apply(context.Background(), []*change.Change{a, b}, Options{})
	require.NoError(t, err)

	require.Len(t, res.Applied, 1)
	require.Equal(t, "A", res.Applied[0].ChangeID)
	require.Len(t, res.FailedInflight, 1)
	require.Equal(t, "B", res.FailedInflight[0].Change.ChangeID)
	require.Empty(t, res.FailedTot)

	// B's repo was rolled back; A's was never touched by a failure.
	require.Contains(t, checkout.resets, "repoB@sha-b-0")
	require.NotContains(t, checkout.resets, "repoA@sha-a-0")
}

func TestApply_InflightFailureRollsBackWholeTransaction(t *testing.T) {
	d := mkChange("D", "repo")
	d.GerritNumber = 101
	c := mkChange("C", "repo")

	r := newFakeResolver()
	r.cqDepend(c, d)

	client := helperpool.NewFakeClient().Seed(c).Seed(d)
	client.ApplyErrs[c.Identity()] = &ccqerrors.ApplyError{Change: c, Inflight: true}

	helpers := helperpool.New(client, nil)
	p := planner.New(r, nil)
	checkout := newFakeCheckout()
	checkout.seed("repo", "sha-0")

	committed := change.New()
	e := New(helpers, p, committed, checkout, fakeManifest{})
	res, err := e.Apply(context.Background(), []*change.Change{c}, Options{})
	require.NoError(t, err)

	require.Empty(t, res.Applied)
	require.Len(t, res.FailedInflight, 1)
	require.Equal(t, "C", res.FailedInflight[0].Change.ChangeID)

	// D applied and mutated the shared repo before C failed; the whole
	// transaction must roll back, including D's effect.
	require.Contains(t, checkout.resets, "repo@sha-0")
	require.False(t, committed.Contains(d), "D must not remain in the committed cache after rollback")
	require.Empty(t, client.Applied[1:], "only D should have reached ApplyToCheckout before the failure")
}

func TestApply_TotFailureBlocksLaterPlansSharingMember(t *testing.T) {
	shared := mkChange("Shared", "repo")
	shared.GerritNumber = 202
	leafA := mkChange("LeafA", "repo")
	leafB := mkChange("LeafB", "repo")

	r := newFakeResolver()
	r.cqDepend(leafA, shared)
	r.cqDepend(leafB, shared)

	client := helperpool.NewFakeClient().Seed(shared).Seed(leafA).Seed(leafB)
	client.ApplyErrs[shared.Identity()] = &ccqerrors.ApplyError{Change: shared, Inflight: false}

	helpers := helperpool.New(client, nil)
	p := planner.New(r, nil)
	checkout := newFakeCheckout()
	checkout.seed("repo", "sha-0")

	e := New(helpers, p, change.New(), checkout, fakeManifest{})
	res, err := e.Apply(context.Background(), []*change.Change{leafA, leafB}, Options{HonorOrder: true})
	require.NoError(t, err)

	require.Empty(t, res.Applied)
	require.Len(t, res.FailedTot, 2)

	var dependencyBlocked bool
	for _, f := range res.FailedTot {
		if f.Change.ChangeID == "LeafB" {
			var depErr *ccqerrors.DependencyError
			require.ErrorAs(t, f.Err, &depErr)
			dependencyBlocked = true
		}
	}
	require.True(t, dependencyBlocked, "second plan sharing the tot-failed member should be reported as blocked, not retried")
}
