// Package depsresolver computes a change's git-parent dependencies and its
// cross-project CQ-DEPEND dependencies.
package depsresolver

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.skia.org/cqcore/go/ccqerrors"
	"go.skia.org/cqcore/go/change"
)

// Fetcher is the narrow capability the resolver needs from a review-server
// client: the change's parent commits in the patch graph, and its raw
// commit message (to mine for CQ-DEPEND footers).
type Fetcher interface {
	GerritDeps(ctx context.Context, ch *change.Change) ([]change.PatchQuery, error)
	CommitMessage(ctx context.Context, ch *change.Change) (string, error)
}

// cqDependLineRe matches a "CQ-DEPEND=..." (or "CQ-DEPEND: ...") footer
// line, case-insensitively, tolerating either separator.
var cqDependLineRe = regexp.MustCompile(`(?im)^\s*CQ-DEPEND[=:]\s*(.+?)\s*$`)

// Resolver memoizes DepsOf results per change identity, so repeated plan
// construction over the same batch hits the review server once per change.
type Resolver struct {
	fetcher Fetcher

	mu    sync.Mutex
	cache map[change.Identity]depsResult
}

type depsResult struct {
	gerritDeps []change.PatchQuery
	cqDeps     []change.PatchQuery
}

// New returns a Resolver backed by fetcher.
func New(fetcher Fetcher) *Resolver {
	return &Resolver{fetcher: fetcher, cache: map[change.Identity]depsResult{}}
}

// DepsOf returns ch's parent (gerrit) dependencies and its CQ-DEPEND
// dependencies, memoized per change identity.
func (r *Resolver) DepsOf(ctx context.Context, ch *change.Change) ([]change.PatchQuery, []change.PatchQuery, error) {
	id := ch.Identity()

	r.mu.Lock()
	if res, ok := r.cache[id]; ok {
		r.mu.Unlock()
		return res.gerritDeps, res.cqDeps, nil
	}
	r.mu.Unlock()

	gerritDeps, err := r.fetcher.GerritDeps(ctx, ch)
	if err != nil {
		return nil, nil, &ccqerrors.ResolverError{Change: ch, Cause: err}
	}
	msg, err := r.fetcher.CommitMessage(ctx, ch)
	if err != nil {
		return nil, nil, &ccqerrors.ResolverError{Change: ch, Cause: err}
	}
	cqDeps := ParseCQDepend(msg)

	res := depsResult{gerritDeps: gerritDeps, cqDeps: cqDeps}
	r.mu.Lock()
	r.cache[id] = res
	r.mu.Unlock()
	return res.gerritDeps, res.cqDeps, nil
}

// ParseCQDepend tolerantly extracts cross-project dependencies from a
// commit message's CQ-DEPEND footer lines. Entries are whitespace- or
// comma-separated; an internal gerrit number is marked with a leading '*'.
// A bare numeric token is treated as a gerrit number, anything else as a
// change-id.
func ParseCQDepend(commitMessage string) []change.PatchQuery {
	var out []change.PatchQuery
	for _, m := range cqDependLineRe.FindAllStringSubmatch(commitMessage, -1) {
		for _, tok := range strings.Fields(strings.ReplaceAll(m[1], ",", " ")) {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			remote := change.RemoteExternal
			if strings.HasPrefix(tok, "*") {
				remote = change.RemoteInternal
				tok = strings.TrimPrefix(tok, "*")
			}
			if tok == "" {
				continue
			}
			if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
				out = append(out, change.PatchQuery{Remote: remote, GerritNumber: n})
			} else {
				out = append(out, change.PatchQuery{Remote: remote, ChangeID: tok})
			}
		}
	}
	return out
}
