package helperpool

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.skia.org/cqcore/go/ccqerrors"
	"go.skia.org/cqcore/go/change"
)

// FakeClient is an in-memory ReviewClient test double: a spy that records
// calls and lets a test script canned responses per change.
type FakeClient struct {
	mu sync.Mutex

	Changes       map[change.Identity]*change.Change
	ApplyErrs     map[change.Identity]error
	SubmitErrs    map[change.Identity]error
	Statuses      map[change.Identity]ChangeStatus
	CommitReadyOK map[change.Identity]bool
	// PostSubmitStatuses overrides the status a change lands in after a
	// successful Submit; the default is MERGED. Lets a test pin a change in
	// SUBMITTED to exercise the eventual-merge tolerance.
	PostSubmitStatuses map[change.Identity]ChangeStatus

	Applied  []*change.Change
	Submits  []*change.Change
	Comments []string
}

// NewFakeClient returns an empty FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Changes:            map[change.Identity]*change.Change{},
		ApplyErrs:          map[change.Identity]error{},
		SubmitErrs:         map[change.Identity]error{},
		Statuses:           map[change.Identity]ChangeStatus{},
		CommitReadyOK:      map[change.Identity]bool{},
		PostSubmitStatuses: map[change.Identity]ChangeStatus{},
	}
}

// Seed registers ch as a change the fake server knows about, queryable by
// gerrit number or change-id.
func (f *FakeClient) Seed(ch *change.Change) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Changes[ch.Identity()] = ch
	if _, ok := f.Statuses[ch.Identity()]; !ok {
		f.Statuses[ch.Identity()] = StatusNew
	}
	return f
}

func (f *FakeClient) Query(ctx context.Context, queryText string, sortDescending bool) ([]*change.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*change.Change, 0, len(f.Changes))
	for _, ch := range f.Changes {
		out = append(out, ch)
	}
	return out, nil
}

func (f *FakeClient) QueryOne(ctx context.Context, queryText string, mustMatch bool) (*change.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Gerrit query text arrives either as a bare gerrit number or as
	// "change:<id> [project:<p> branch:<b>]"; pull the change-id out if
	// present.
	id := queryText
	for _, tok := range strings.Fields(queryText) {
		if v, ok := strings.CutPrefix(tok, "change:"); ok {
			id = v
		}
	}
	for _, ch := range f.Changes {
		if id == ch.ChangeID {
			return ch, nil
		}
	}
	for _, ch := range f.Changes {
		// Fall back to gerrit-number match encoded as a bare integer string.
		if ch.GerritNumber != 0 && queryText == strconv.FormatInt(ch.GerritNumber, 10) {
			return ch, nil
		}
	}
	if mustMatch {
		return nil, ccqerrors.Wrapf(errNoMatch, "query %q", queryText)
	}
	return nil, nil
}

func (f *FakeClient) Fetch(ctx context.Context, ch *change.Change, localRepo string) error {
	return nil
}

func (f *FakeClient) ApplyToCheckout(ctx context.Context, ch *change.Change, manifest Manifest, strictTrivial bool) error {
	f.mu.Lock()
	err := f.ApplyErrs[ch.Identity()]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.Applied = append(f.Applied, ch)
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) Submit(ctx context.Context, ch *change.Change, dryRun bool) error {
	f.mu.Lock()
	err := f.SubmitErrs[ch.Identity()]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if dryRun {
		return nil
	}
	f.mu.Lock()
	f.Submits = append(f.Submits, ch)
	if s, ok := f.PostSubmitStatuses[ch.Identity()]; ok {
		f.Statuses[ch.Identity()] = s
	} else {
		f.Statuses[ch.Identity()] = StatusMerged
	}
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) GetStatus(ctx context.Context, ch *change.Change) (ChangeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.Statuses[ch.Identity()]; ok {
		return s, nil
	}
	return StatusNew, nil
}

func (f *FakeClient) RemoveCommitReadyFlag(ctx context.Context, ch *change.Change, dryRun bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CommitReadyOK[ch.Identity()] = false
	return nil
}

func (f *FakeClient) PostComment(ctx context.Context, host, changeRev, body string, notify NotifyTarget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Comments = append(f.Comments, body)
	return nil
}

var errNoMatch = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "no matching change" }
