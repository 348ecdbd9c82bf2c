// Package notifier renders and posts the CQ's review-comment
// notifications: plain text bodies built from a single named template,
// truncated to the review server's comment size limit and delivered
// through a ReviewClient.
package notifier

import (
	"bytes"
	"context"
	"text/template"

	"go.skia.org/cqcore/go/ccqerrors"
	"go.skia.org/cqcore/go/change"
	"go.skia.org/cqcore/go/helperpool"
)

// Queue names the caller in a notification body: the production CQ, or a
// trybot/pre-CQ run exercising the same code path.
type Queue string

const (
	QueueCommitQueue Queue = "The Commit Queue"
	QueueTrybot      Queue = "A trybot"
)

// Body is the set of named substitutions the template fills in.
type Body struct {
	Queue    Queue
	BuildLog string
	Failure  string
	Error    string
	Details  string
}

const defaultTemplate = `{{.Queue}} failed to verify this change.
{{- if .BuildLog}}
Build log: {{.BuildLog}}
{{- end}}
{{- if .Failure}}
Failure: {{.Failure}}
{{- end}}
{{- if .Error}}
Error: {{.Error}}
{{- end}}
{{- if .Details}}
Details: {{.Details}}
{{- end}}
`

// Notifier posts rendered notifications via the helper pool's review
// clients.
type Notifier struct {
	helpers *helperpool.HelperPool
	tmpl    *template.Template
	host    string
	notify  helperpool.NotifyTarget
	dryRun  bool
}

// New returns a Notifier that posts to host using helpers. body, if
// non-empty, overrides the default message template.
func New(helpers *helperpool.HelperPool, host string, notify helperpool.NotifyTarget, dryRun bool, body string) (*Notifier, error) {
	text := defaultTemplate
	if body != "" {
		text = body
	}
	tmpl, err := template.New("notification").Parse(text)
	if err != nil {
		return nil, ccqerrors.Wrap(err, "parsing notification template")
	}
	return &Notifier{helpers: helpers, tmpl: tmpl, host: host, notify: notify, dryRun: dryRun}, nil
}

// Render fills the template with body's substitutions, truncating the
// result to helperpool.MaxCommentBytes.
func (n *Notifier) Render(body Body) (string, error) {
	var buf bytes.Buffer
	if err := n.tmpl.Execute(&buf, body); err != nil {
		return "", ccqerrors.Wrap(err, "rendering notification body")
	}
	text := buf.String()
	if len(text) > helperpool.MaxCommentBytes {
		text = text[:helperpool.MaxCommentBytes]
	}
	return text, nil
}

// Notify renders body and posts it as a comment on ch, unless dryRun is
// set on the Notifier.
func (n *Notifier) Notify(ctx context.Context, ch *change.Change, body Body) error {
	text, err := n.Render(body)
	if err != nil {
		return err
	}
	if n.dryRun {
		return nil
	}
	client, err := n.helpers.ForChange(ch)
	if err != nil {
		return err
	}
	return client.PostComment(ctx, n.host, ch.String(), text, n.notify)
}
