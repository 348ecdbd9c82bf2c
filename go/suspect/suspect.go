// Package suspect implements SuspectAnalyzer: given a failed build's
// messages and the candidate changes that ran in it, compute the subset
// to blame.
package suspect

import (
	"context"

	"go.skia.org/cqcore/go/change"
	"go.skia.org/cqcore/go/cqconfig"
	"go.skia.org/cqcore/go/statusstore"
)

// MessageKind classifies a failure message for the blame rules below.
type MessageKind string

const (
	MessageKindPackageBuild MessageKind = "package_build"
	MessageKindGeneric      MessageKind = "generic"
)

// Message is one failure report from a build, carrying enough structure
// to drive rule 4 (innocent-overlay filtering) and rule 5 (package-build
// blame intersection). Stage names the build stage that produced it,
// matched against each project's ignored-stages prefixes.
type Message struct {
	Kind           MessageKind
	Stage          string
	BlamedProjects []string
	Boards         []string
}

// Candidate is a change that participated in the failed run.
type Candidate struct {
	Change       *change.Change
	ShouldReject bool
	// Overlays lists the overlay projects this candidate exclusively
	// touches; empty means the candidate isn't overlay-only.
	Overlays []string
}

// Checkout supplies the board-to-overlay configuration needed for rule 4.
type Checkout interface {
	BoardOverlays(board string) []string
}

// ConfigLookup resolves a change's project to its COMMIT-QUEUE.ini
// configuration, used to honor the project's ignored-stages list.
type ConfigLookup func(ch *change.Change) cqconfig.ProjectConfig

// Analyzer computes blame for a failed run and checks a change's recent
// failure history.
type Analyzer struct {
	store        *statusstore.Store
	bot          string
	infraProject string
	config       ConfigLookup
}

// New returns an Analyzer. infraProject is the project name designated as
// the CQ's own infrastructure (rule 3); config may be nil, meaning no
// project ignores any stage.
func New(store *statusstore.Store, bot, infraProject string, config ConfigLookup) *Analyzer {
	return &Analyzer{store: store, bot: bot, infraProject: infraProject, config: config}
}

// FindSuspects applies the blame rules in priority order: should-reject
// overrides everything; labOnly blames no one; infraOnly narrows to the
// infra project; otherwise innocent overlay-only changes and changes whose
// project ignores every failed stage are dropped, and a run of purely
// package-build messages narrows further to the projects those messages
// actually blame.
func (a *Analyzer) FindSuspects(checkout Checkout, candidates []Candidate, messages []Message, infraOnly, labOnly bool) []Candidate {
	if rejecting := filterCandidates(candidates, func(c Candidate) bool { return c.ShouldReject }); len(rejecting) > 0 {
		return rejecting
	}
	if labOnly {
		return nil
	}
	if infraOnly {
		return filterCandidates(candidates, func(c Candidate) bool { return c.Change.Project == a.infraProject })
	}

	survivors := filterCandidates(candidates, func(c Candidate) bool {
		return !a.isInnocentOverlay(checkout, c, messages)
	})
	survivors = filterCandidates(survivors, func(c Candidate) bool {
		return !a.canIgnoreFailures(c, messages)
	})

	if len(messages) > 0 && allPackageBuild(messages) {
		blamed := map[string]bool{}
		for _, m := range messages {
			for _, proj := range m.BlamedProjects {
				blamed[proj] = true
			}
		}
		return filterCandidates(survivors, func(c Candidate) bool { return blamed[c.Change.Project] })
	}
	return survivors
}

// PreviousFailures returns the candidates whose latest-patchset failure
// count is non-zero, used to upgrade a "probable" suspect to "rejected"
// after it has failed the CQ repeatedly.
func (a *Analyzer) PreviousFailures(ctx context.Context, candidates []Candidate) []Candidate {
	return filterCandidates(candidates, func(c Candidate) bool {
		key := statusstore.Key{
			Bot:          a.bot,
			Remote:       c.Change.Remote,
			GerritNumber: c.Change.GerritNumber,
			PatchNumber:  c.Change.PatchNumber,
		}
		n, err := a.store.Count(ctx, key, statusstore.StatusFailed, true)
		return err == nil && n > 0
	})
}

func (a *Analyzer) isInnocentOverlay(checkout Checkout, c Candidate, messages []Message) bool {
	if len(c.Overlays) == 0 {
		return false
	}
	used := map[string]bool{}
	for _, m := range messages {
		for _, board := range m.Boards {
			for _, overlay := range checkout.BoardOverlays(board) {
				used[overlay] = true
			}
		}
	}
	for _, overlay := range c.Overlays {
		if used[overlay] {
			return false
		}
	}
	return true
}

// canIgnoreFailures reports whether every failed stage in messages is
// covered by the candidate project's ignored-stages prefixes; such a
// candidate is never blamed for this run.
func (a *Analyzer) canIgnoreFailures(c Candidate, messages []Message) bool {
	if a.config == nil || len(messages) == 0 {
		return false
	}
	cfg := a.config(c.Change)
	for _, m := range messages {
		if m.Stage == "" || !cfg.Ignores(m.Stage) {
			return false
		}
	}
	return true
}

func allPackageBuild(messages []Message) bool {
	for _, m := range messages {
		if m.Kind != MessageKindPackageBuild {
			return false
		}
	}
	return true
}

func filterCandidates(candidates []Candidate, keep func(Candidate) bool) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
