package notifier

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.skia.org/cqcore/go/change"
	"go.skia.org/cqcore/go/helperpool"
)

func TestNotify_PostsRenderedBody(t *testing.T) {
	client := helperpool.NewFakeClient()
	ch := &change.Change{Remote: change.RemoteExternal, ChangeID: "Iabc"}
	client.Seed(ch)

	n, err := New(helperpool.New(client, nil), "chromium-review.googlesource.com", helperpool.NotifyOwner, false, "")
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), ch, Body{
		Queue:   QueueCommitQueue,
		Failure: "HWTest",
		Details: "see build log",
	}))

	require.Len(t, client.Comments, 1)
	require.Contains(t, client.Comments[0], "The Commit Queue failed to verify this change.")
	require.Contains(t, client.Comments[0], "Failure: HWTest")
	require.Contains(t, client.Comments[0], "Details: see build log")
}

func TestNotify_DryRunPostsNothing(t *testing.T) {
	client := helperpool.NewFakeClient()
	ch := &change.Change{Remote: change.RemoteExternal, ChangeID: "Iabc"}
	client.Seed(ch)

	n, err := New(helperpool.New(client, nil), "host", helperpool.NotifyOwner, true, "")
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), ch, Body{Queue: QueueTrybot}))
	require.Empty(t, client.Comments)
}

func TestRender_TruncatesToMaxCommentBytes(t *testing.T) {
	n, err := New(helperpool.New(helperpool.NewFakeClient(), nil), "host", helperpool.NotifyOwner, true, strings.Repeat("x", helperpool.MaxCommentBytes+500))
	require.NoError(t, err)

	got, err := n.Render(Body{})
	require.NoError(t, err)
	require.Len(t, got, helperpool.MaxCommentBytes)
}
