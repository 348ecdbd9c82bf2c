package depsresolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.skia.org/cqcore/go/change"
)

func TestParseCQDepend(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		want []change.PatchQuery
	}{
		{
			name: "single gerrit number",
			msg:  "Fix thing.\n\nCQ-DEPEND=12345\n",
			want: []change.PatchQuery{{Remote: change.RemoteExternal, GerritNumber: 12345}},
		},
		{
			name: "internal prefix",
			msg:  "CQ-DEPEND=*6789",
			want: []change.PatchQuery{{Remote: change.RemoteInternal, GerritNumber: 6789}},
		},
		{
			name: "mixed comma and space separated, change-id",
			msg:  "CQ-DEPEND=123, *456 Iabcdef",
			want: []change.PatchQuery{
				{Remote: change.RemoteExternal, GerritNumber: 123},
				{Remote: change.RemoteInternal, GerritNumber: 456},
				{Remote: change.RemoteExternal, ChangeID: "Iabcdef"},
			},
		},
		{
			name: "case insensitive, colon separator",
			msg:  "cq-depend: 42",
			want: []change.PatchQuery{{Remote: change.RemoteExternal, GerritNumber: 42}},
		},
		{
			name: "no footer",
			msg:  "Just a commit message.",
			want: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ParseCQDepend(tc.msg))
		})
	}
}

type fakeFetcher struct {
	gerritDeps map[change.Identity][]change.PatchQuery
	messages   map[change.Identity]string
	calls      int
}

func (f *fakeFetcher) GerritDeps(ctx context.Context, ch *change.Change) ([]change.PatchQuery, error) {
	f.calls++
	return f.gerritDeps[ch.Identity()], nil
}

func (f *fakeFetcher) CommitMessage(ctx context.Context, ch *change.Change) (string, error) {
	return f.messages[ch.Identity()], nil
}

func TestResolver_MemoizesPerChange(t *testing.T) {
	ch := &change.Change{Remote: change.RemoteExternal, ChangeID: "Iabc"}
	fetcher := &fakeFetcher{
		gerritDeps: map[change.Identity][]change.PatchQuery{
			ch.Identity(): {{Remote: change.RemoteExternal, GerritNumber: 1}},
		},
		messages: map[change.Identity]string{
			ch.Identity(): "CQ-DEPEND=2",
		},
	}
	r := New(fetcher)

	gerritDeps, cqDeps, err := r.DepsOf(context.Background(), ch)
	require.NoError(t, err)
	require.Len(t, gerritDeps, 1)
	require.Len(t, cqDeps, 1)

	_, _, err = r.DepsOf(context.Background(), ch)
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.calls, "second call should be served from cache")
}
