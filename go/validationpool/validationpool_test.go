package validationpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.skia.org/cqcore/go/applyengine"
	"go.skia.org/cqcore/go/ccqerrors"
	"go.skia.org/cqcore/go/change"
	"go.skia.org/cqcore/go/cqconfig"
	"go.skia.org/cqcore/go/helperpool"
	"go.skia.org/cqcore/go/manifest"
	"go.skia.org/cqcore/go/notifier"
	"go.skia.org/cqcore/go/planner"
	"go.skia.org/cqcore/go/statusstore"
	"go.skia.org/cqcore/go/submitter"
	"go.skia.org/cqcore/go/suspect"
)

type fakeResolver struct {
	cq map[change.Identity][]change.PatchQuery
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{cq: map[change.Identity][]change.PatchQuery{}}
}

func (f *fakeResolver) DepsOf(ctx context.Context, ch *change.Change) ([]change.PatchQuery, []change.PatchQuery, error) {
	return nil, f.cq[ch.Identity()], nil
}

type fakeCheckout struct {
	paths    map[string]string
	overlays map[string][]string
}

func newFakeCheckout() *fakeCheckout {
	return &fakeCheckout{paths: map[string]string{}, overlays: map[string][]string{}}
}

func (f *fakeCheckout) ProjectPath(project string) (string, bool) {
	p, ok := f.paths[project]
	return p, ok
}

func (f *fakeCheckout) BoardOverlays(board string) []string { return f.overlays[board] }

type fakeApplyCheckout struct{}

func (fakeApplyCheckout) RepoPath(project string) (string, bool) { return project, true }
func (fakeApplyCheckout) HeadSHA(ctx context.Context, path string) (string, error) {
	return "sha0", nil
}
func (fakeApplyCheckout) ResetHard(ctx context.Context, path, sha string) error { return nil }

type fakeTreeStatus struct {
	state TreeState
}

func (f *fakeTreeStatus) State(ctx context.Context) (TreeState, error) { return f.state, nil }

type fakeRecorder struct {
	pickedUp  []change.Identity
	submitted []change.Identity
}

func (r *fakeRecorder) RecordPickedUp(ctx context.Context, ch *change.Change, correlationID string) error {
	r.pickedUp = append(r.pickedUp, ch.Identity())
	return nil
}
func (r *fakeRecorder) RecordSubmitted(ctx context.Context, ch *change.Change, correlationID string) error {
	r.submitted = append(r.submitted, ch.Identity())
	return nil
}

func mkChange(id, project string) *change.Change {
	return &change.Change{Remote: change.RemoteExternal, ChangeID: id, Project: project, ApprovalTimestamp: time.Unix(0, 0)}
}

func alwaysReady(*change.Change) bool { return true }

func acceptAll(vp *ValidationPool, manifestChanges, nonManifestChanges []*change.Change) ([]*change.Change, []*change.Change) {
	return manifestChanges, nonManifestChanges
}

func TestAcquire_AcceptsManifestChangesAndStopsOnFirstBatch(t *testing.T) {
	a := mkChange("A", "repoA")
	client := helperpool.NewFakeClient().Seed(a)
	a.GerritNumber = 1

	helpers := helperpool.New(client, nil)
	checkout := newFakeCheckout()
	checkout.paths["repoA"] = "repoA"
	rec := &fakeRecorder{}

	vp := NewMaster(Options{
		Helpers:       helpers,
		Recorder:      rec,
		ReadyCriteria: alwaysReady,
		ReadyQuery:    "status:open",
	})

	err := vp.Acquire(context.Background(), nil, checkout, acceptAll, false, false, time.Second)
	require.NoError(t, err)

	state := vp.State()
	require.Len(t, state.Accepted, 1)
	require.Equal(t, "A", state.Accepted[0].ChangeID)
	require.Empty(t, state.NonTree)
	require.Len(t, rec.pickedUp, 1)
}

func TestAcquire_NonManifestChangeGoesToNonTree(t *testing.T) {
	b := mkChange("B", "repoB")
	client := helperpool.NewFakeClient().Seed(b)

	helpers := helperpool.New(client, nil)
	checkout := newFakeCheckout() // repoB not in manifest
	rec := &fakeRecorder{}

	vp := NewMaster(Options{
		Helpers:       helpers,
		Recorder:      rec,
		ReadyCriteria: alwaysReady,
		PollInterval:  time.Millisecond,
	})

	err := vp.Acquire(context.Background(), nil, checkout, acceptAll, false, false, 5*time.Millisecond)
	require.NoError(t, err)

	state := vp.State()
	require.Empty(t, state.Accepted)
	require.Len(t, state.NonTree, 1)
}

func TestAcquire_DraftPatchsetIsClearedAndNeverAccepted(t *testing.T) {
	d := mkChange("D", "repoD")
	d.CurrentPatchsetDraft = true
	client := helperpool.NewFakeClient().Seed(d)

	helpers := helperpool.New(client, nil)
	checkout := newFakeCheckout()
	checkout.paths["repoD"] = "repoD"

	n, err := notifier.New(helpers, "host", helperpool.NotifyOwner, false, "")
	require.NoError(t, err)

	vp := NewMaster(Options{
		Helpers:         helpers,
		Notifier:        n,
		ReadyCriteria:   alwaysReady,
		PollInterval:    time.Millisecond,
		ShouldExitEarly: func() bool { return true },
	})

	err = vp.Acquire(context.Background(), nil, checkout, acceptAll, false, false, 10*time.Millisecond)
	require.NoError(t, err)

	state := vp.State()
	require.Empty(t, state.Accepted)
	require.Len(t, client.Comments, 1)
	require.False(t, client.CommitReadyOK[d.Identity()])
}

func TestAcquire_TreeClosedTimesOut(t *testing.T) {
	client := helperpool.NewFakeClient()
	helpers := helperpool.New(client, nil)
	checkout := newFakeCheckout()

	vp := NewMaster(Options{
		Helpers:       helpers,
		Tree:          &fakeTreeStatus{state: TreeClosed},
		ReadyCriteria: alwaysReady,
		PollInterval:  time.Millisecond,
	})

	err := vp.Acquire(context.Background(), nil, checkout, acceptAll, true, false, 5*time.Millisecond)
	var closedErr *ccqerrors.TreeClosedError
	require.ErrorAs(t, err, &closedErr)
}

func TestApplyPool_MasterDefersFreshTotFailure(t *testing.T) {
	a := mkChange("A", "repoA")
	a.ApprovalTimestamp = time.Now()

	client := helperpool.NewFakeClient().Seed(a)
	client.ApplyErrs[a.Identity()] = &ccqerrors.ApplyError{Change: a, Inflight: false}

	helpers := helperpool.New(client, nil)
	p := planner.New(newFakeResolver(), nil)
	engine := applyengine.New(helpers, p, change.New(), fakeApplyCheckout{}, newFakeCheckout())

	vp := NewMaster(Options{
		Helpers:       helpers,
		Engine:        engine,
		ReadyCriteria: alwaysReady,
		GracePeriod:   time.Hour,
	})
	vp.state.Accepted = []*change.Change{a}

	ok, err := vp.ApplyPool(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, ok, "fresh tot failure within the grace period must not block the pool")
	require.Empty(t, client.Comments)
}

func TestApplyPool_MasterSurfacesStaleTotFailure(t *testing.T) {
	a := mkChange("A", "repoA")
	a.ApprovalTimestamp = time.Now().Add(-2 * time.Hour)

	client := helperpool.NewFakeClient().Seed(a)
	client.ApplyErrs[a.Identity()] = &ccqerrors.ApplyError{Change: a, Inflight: false}

	helpers := helperpool.New(client, nil)
	p := planner.New(newFakeResolver(), nil)
	engine := applyengine.New(helpers, p, change.New(), fakeApplyCheckout{}, newFakeCheckout())

	n, err := notifier.New(helpers, "host", helperpool.NotifyOwner, false, "")
	require.NoError(t, err)

	vp := NewMaster(Options{
		Helpers:       helpers,
		Engine:        engine,
		Notifier:      n,
		ReadyCriteria: alwaysReady,
		GracePeriod:   30 * time.Minute,
	})
	vp.state.Accepted = []*change.Change{a}

	ok, err := vp.ApplyPool(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, client.Comments, 1)
	require.False(t, client.CommitReadyOK[a.Identity()])
}

func TestApplyPool_SlaveHonorsManifestOrderAndHardStops(t *testing.T) {
	a := mkChange("A", "repo")
	b := mkChange("B", "repo")
	client := helperpool.NewFakeClient().Seed(a).Seed(b)
	client.ApplyErrs[a.Identity()] = &ccqerrors.ApplyError{Change: a, Inflight: true}

	helpers := helperpool.New(client, nil)
	p := planner.New(newFakeResolver(), nil)
	engine := applyengine.New(helpers, p, change.New(), fakeApplyCheckout{}, newFakeCheckout())

	vp := NewSlave(Options{
		Helpers:       helpers,
		Engine:        engine,
		ReadyCriteria: alwaysReady,
	})
	vp.state.Accepted = []*change.Change{a, b}

	m := &manifest.Manifest{PendingCommits: []manifest.PendingCommit{
		{Remote: string(change.RemoteExternal), ChangeID: "A"},
		{Remote: string(change.RemoteExternal), ChangeID: "B"},
	}}

	ok, err := vp.ApplyPool(context.Background(), m)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, client.Applied, "the slave must stop at the first failure, before B is ever applied")
}

func TestSubmitPool_DelegatesToSubmitter(t *testing.T) {
	a := mkChange("A", "repoA")
	a.GerritNumber = 55
	client := helperpool.NewFakeClient().Seed(a)

	helpers := helperpool.New(client, nil)
	p := planner.New(newFakeResolver(), nil)
	sub := submitter.New(submitter.Options{
		Helpers:       helpers,
		Planner:       p,
		ReadyCriteria: alwaysReady,
	})

	vp := NewMaster(Options{
		Helpers:   helpers,
		Submitter: sub,
	})
	vp.state.Accepted = []*change.Change{a}

	failures, err := vp.SubmitPool(context.Background(), false, false)
	require.NoError(t, err)
	require.Empty(t, failures)
	require.Len(t, client.Submits, 1)
}

func TestSubmitPool_NonTreeChangesGoThroughSubmitNonManifest(t *testing.T) {
	a := mkChange("A", "repoA")
	a.GerritNumber = 55
	b := mkChange("B", "repoB")
	b.GerritNumber = 56
	client := helperpool.NewFakeClient().Seed(a).Seed(b)

	helpers := helperpool.New(client, nil)
	p := planner.New(newFakeResolver(), nil)
	sub := submitter.New(submitter.Options{
		Helpers:       helpers,
		Planner:       p,
		ReadyCriteria: alwaysReady,
	})

	vp := NewMaster(Options{
		Helpers:   helpers,
		Submitter: sub,
	})
	vp.state.Accepted = []*change.Change{a}
	vp.state.NonTree = []*change.Change{b}

	failures, err := vp.SubmitPool(context.Background(), false, false)
	require.NoError(t, err)
	require.Empty(t, failures)
	require.Len(t, client.Submits, 2)
}

func TestSubmitPool_DeferredChangesAreNotSubmitted(t *testing.T) {
	a := mkChange("A", "repoA")
	a.GerritNumber = 57
	b := mkChange("B", "repoB")
	b.GerritNumber = 58
	client := helperpool.NewFakeClient().Seed(a).Seed(b)

	helpers := helperpool.New(client, nil)
	p := planner.New(newFakeResolver(), nil)
	sub := submitter.New(submitter.Options{
		Helpers:       helpers,
		Planner:       p,
		ReadyCriteria: alwaysReady,
	})

	vp := NewMaster(Options{
		Helpers:   helpers,
		Submitter: sub,
	})
	vp.state.Accepted = []*change.Change{a, b}
	vp.state.Deferred = []ApplyFailure{{Change: b, Err: &ccqerrors.ApplyError{Change: b, Inflight: true}}}

	failures, err := vp.SubmitPool(context.Background(), false, false)
	require.NoError(t, err)
	require.Empty(t, failures)
	require.Len(t, client.Submits, 1)
	require.Equal(t, "A", client.Submits[0].ChangeID)
}

func TestSubmitPool_NoSubmitterConfigured(t *testing.T) {
	vp := NewMaster(Options{})
	_, err := vp.SubmitPool(context.Background(), false, false)
	require.ErrorIs(t, err, errNoSubmitter)
}

func TestHandleValidationFailure_SuspectGetsStatAndCommitReadyCleared(t *testing.T) {
	a := mkChange("A", "repoA")
	client := helperpool.NewFakeClient().Seed(a)
	helpers := helperpool.New(client, nil)

	n, err := notifier.New(helpers, "host", helperpool.NotifyOwner, false, "")
	require.NoError(t, err)

	backend := newFakeBackend()
	store := statusstore.New(backend, 0, 1)
	analyzer := suspect.New(store, "test-cq", "chromiumos/infra", nil)

	vp := NewMaster(Options{
		Helpers:  helpers,
		Notifier: n,
		Store:    store,
		Analyzer: analyzer,
		Bot:      "test-cq",
	})

	candidates := []suspect.Candidate{{Change: a}}
	err = vp.HandleValidationFailure(context.Background(), newFakeCheckout(), nil, candidates, false, false, true, false)
	require.NoError(t, err)

	require.Len(t, client.Comments, 1)
	require.False(t, client.CommitReadyOK[a.Identity()])

	status, err := store.GetStatus(context.Background(), statusstore.Key{Bot: "test-cq", Remote: a.Remote, GerritNumber: a.GerritNumber, PatchNumber: a.PatchNumber})
	require.NoError(t, err)
	require.NotNil(t, status)
	require.Equal(t, statusstore.StatusFailed, *status)
}

func TestHandleValidationFailure_InsaneRunOnlyNotifiesNoStat(t *testing.T) {
	a := mkChange("A", "repoA")
	client := helperpool.NewFakeClient().Seed(a)
	helpers := helperpool.New(client, nil)

	n, err := notifier.New(helpers, "host", helperpool.NotifyOwner, false, "")
	require.NoError(t, err)

	backend := newFakeBackend()
	store := statusstore.New(backend, 0, 1)

	vp := NewMaster(Options{
		Helpers:  helpers,
		Notifier: n,
		Store:    store,
		Bot:      "test-cq",
	})

	candidates := []suspect.Candidate{{Change: a}}
	err = vp.HandleValidationFailure(context.Background(), newFakeCheckout(), nil, candidates, false, false, false, false)
	require.NoError(t, err)

	require.Len(t, client.Comments, 1)
	_, cleared := client.CommitReadyOK[a.Identity()]
	require.False(t, cleared, "insane run must not touch commit-ready")

	status, err := store.GetStatus(context.Background(), statusstore.Key{Bot: "test-cq", Remote: a.Remote, GerritNumber: a.GerritNumber, PatchNumber: a.PatchNumber})
	require.NoError(t, err)
	require.Nil(t, status)
}

func TestHandleValidationTimeout_Notifies(t *testing.T) {
	a := mkChange("A", "repoA")
	client := helperpool.NewFakeClient().Seed(a)
	helpers := helperpool.New(client, nil)

	n, err := notifier.New(helpers, "host", helperpool.NotifyOwner, false, "")
	require.NoError(t, err)

	vp := NewMaster(Options{Helpers: helpers, Notifier: n})
	err = vp.HandleValidationTimeout(context.Background(), []*change.Change{a}, true)
	require.NoError(t, err)

	require.Len(t, client.Comments, 1)
	require.False(t, client.CommitReadyOK[a.Identity()])
}

func TestHandlePreCQSuccess_AdvancesToReadyToSubmitWhenProjectOptsIn(t *testing.T) {
	a := mkChange("A", "repoA")
	client := helperpool.NewFakeClient().Seed(a)
	helpers := helperpool.New(client, nil)

	n, err := notifier.New(helpers, "host", helperpool.NotifyOwner, false, "")
	require.NoError(t, err)

	backend := newFakeBackend()
	store := statusstore.New(backend, 0, 1)

	vp := NewMaster(Options{Helpers: helpers, Notifier: n, Store: store, Bot: "pre-cq", PreCQ: true})

	projectConfig := func(project string) cqconfig.ProjectConfig {
		return cqconfig.ProjectConfig{SubmitInPreCQ: true}
	}
	err = vp.HandlePreCQSuccess(context.Background(), projectConfig, []*change.Change{a})
	require.NoError(t, err)

	status, err := store.GetStatus(context.Background(), statusstore.Key{Bot: "pre-cq", Remote: a.Remote, GerritNumber: a.GerritNumber, PatchNumber: a.PatchNumber})
	require.NoError(t, err)
	require.NotNil(t, status)
	require.Equal(t, statusstore.StatusReadyToSubmit, *status)
}

func TestHandlePreCQSuccess_SkipsAlreadyTerminalChanges(t *testing.T) {
	a := mkChange("A", "repoA")
	client := helperpool.NewFakeClient().Seed(a)
	helpers := helperpool.New(client, nil)

	backend := newFakeBackend()
	store := statusstore.New(backend, 0, 1)
	key := statusstore.Key{Bot: "pre-cq", Remote: a.Remote, GerritNumber: a.GerritNumber, PatchNumber: a.PatchNumber}
	require.NoError(t, store.SetStatus(context.Background(), key, statusstore.StatusPassed))

	vp := NewMaster(Options{Helpers: helpers, Store: store, Bot: "pre-cq", PreCQ: true})
	err := vp.HandlePreCQSuccess(context.Background(), nil, []*change.Change{a})
	require.NoError(t, err)
	require.Empty(t, client.Comments)
}

func TestAcquireFromManifest_SeedsPoolFromPendingCommits(t *testing.T) {
	client := helperpool.NewFakeClient()
	helpers := helperpool.New(client, nil)

	vp := NewSlave(Options{Helpers: helpers})

	m := &manifest.Manifest{PendingCommits: []manifest.PendingCommit{
		{Remote: string(change.RemoteExternal), ChangeID: "A", Project: "repoA", GerritNumber: 1, PatchNumber: 2},
		{Remote: string(change.RemoteInternal), ChangeID: "B", Project: "repoB", GerritNumber: 2, PatchNumber: 1},
	}}

	require.NoError(t, vp.AcquireFromManifest(context.Background(), m))

	state := vp.State()
	require.Len(t, state.Accepted, 1, "internal change has no helper configured and is skipped")
	require.Equal(t, "A", state.Accepted[0].ChangeID)
	require.Equal(t, 2, state.Accepted[0].PatchNumber)
}

type brokenApplyCheckout struct{}

func (brokenApplyCheckout) RepoPath(project string) (string, bool) { return project, true }
func (brokenApplyCheckout) HeadSHA(ctx context.Context, path string) (string, error) {
	return "", &ccqerrors.TreeClosedError{State: "broken"}
}
func (brokenApplyCheckout) ResetHard(ctx context.Context, path, sha string) error { return nil }

func TestApplyPool_UnexpectedErrorKicksOutWholeBatch(t *testing.T) {
	a := mkChange("A", "repoA")
	client := helperpool.NewFakeClient().Seed(a)
	helpers := helperpool.New(client, nil)

	n, err := notifier.New(helpers, "host", helperpool.NotifyOwner, false, "")
	require.NoError(t, err)

	p := planner.New(newFakeResolver(), nil)
	engine := applyengine.New(helpers, p, change.New(), brokenApplyCheckout{}, newFakeCheckout())

	vp := NewMaster(Options{
		Helpers:       helpers,
		Engine:        engine,
		Notifier:      n,
		ReadyCriteria: alwaysReady,
	})
	vp.state.Accepted = []*change.Change{a}

	ok, err := vp.ApplyPool(context.Background(), nil)
	require.Error(t, err)
	require.False(t, ok)
	require.Len(t, client.Comments, 1)
	require.False(t, client.CommitReadyOK[a.Identity()])
}

func TestSnapshotRestore_RoundTripsAcceptedChanges(t *testing.T) {
	a := mkChange("A", "repoA")
	a.GerritNumber = 99

	client := helperpool.NewFakeClient().Seed(a)
	helpers := helperpool.New(client, nil)

	vp := NewMaster(Options{Helpers: helpers, DryRun: true})
	vp.state.Accepted = []*change.Change{a}

	snap := vp.Snapshot()
	require.Len(t, snap.Accepted, 1)
	require.NotEmpty(t, snap.ID)

	cache := change.New()
	cache.Insert(a)

	restored := RestoreSnapshot(snap, cache, &fakeRecorder{}, Options{Helpers: helpers})
	state := restored.State()
	require.Len(t, state.Accepted, 1)
	require.Equal(t, "A", state.Accepted[0].ChangeID)
	require.True(t, state.DryRun)
}

type fakeBackend struct {
	statuses map[statusstore.Key]statusstore.Status
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{statuses: map[statusstore.Key]statusstore.Status{}}
}

func (b *fakeBackend) WriteStatus(ctx context.Context, key statusstore.Key, status statusstore.Status) error {
	b.statuses[key] = status
	return nil
}
func (b *fakeBackend) WriteLatestMarker(ctx context.Context, allPatchsetKey string, status statusstore.Status) error {
	return nil
}
func (b *fakeBackend) ReadLatestMarker(ctx context.Context, key statusstore.Key) (statusstore.Status, bool, error) {
	s, ok := b.statuses[key]
	return s, ok, nil
}
func (b *fakeBackend) IncrementCount(ctx context.Context, key statusstore.Key, status statusstore.Status) error {
	return nil
}
func (b *fakeBackend) ReadCount(ctx context.Context, key statusstore.Key, status statusstore.Status, latestOnly bool) (int, error) {
	return 0, nil
}
