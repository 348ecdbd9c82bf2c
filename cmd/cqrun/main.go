// Command cqrun is a thin illustrative driver wiring the cqcore packages
// together into one acquire/apply/submit cycle. It is deliberately not a
// full CLI for the surrounding build tool; it exists to show the packages
// composed end-to-end against an in-memory review server and a real local
// git checkout.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"go.skia.org/cqcore/go/applyengine"
	"go.skia.org/cqcore/go/change"
	"go.skia.org/cqcore/go/cqlog"
	"go.skia.org/cqcore/go/depsresolver"
	"go.skia.org/cqcore/go/filestore"
	"go.skia.org/cqcore/go/gitcheckout"
	"go.skia.org/cqcore/go/helperpool"
	"go.skia.org/cqcore/go/notifier"
	"go.skia.org/cqcore/go/planner"
	"go.skia.org/cqcore/go/statusstore"
	"go.skia.org/cqcore/go/submitter"
	"go.skia.org/cqcore/go/suspect"
	"go.skia.org/cqcore/go/validationpool"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "cqrun",
		Short: "drive one acquire/apply/submit cycle of the commit queue core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("bot", "CQ", "bot name recorded against StatusStore keys")
	flags.String("state-dir", "./cqrun-state", "directory for the filestore-backed StatusStore")
	flags.String("repo-root", "", "local checkout root for the illustrative git project (optional)")
	flags.Bool("pre-cq", false, "run as a pre-CQ dry run instead of the full commit queue")
	flags.Bool("dry-run", false, "never mutate the review server (changes are still applied to the working tree)")
	flags.Duration("grace-period", 30*time.Minute, "age below which a dependency failure is logged and swallowed, not surfaced")
	flags.Duration("acquire-timeout", 2*time.Minute, "how long Acquire waits for the tree to open before giving up")
	flags.Int("submit-workers", 4, "bounded pool size for parallel per-plan submission")
	_ = v.BindPFlags(flags)

	return cmd
}

// devChangeSpec is the shape an operator would normally get from the
// review server's query response; cqrun seeds a FakeClient with a couple
// of illustrative changes since no real ReviewClient wire implementation
// ships with this module.
type devChangeSpec struct {
	gerritNumber int64
	changeID     string
	project      string
	branch       string
}

func run(ctx context.Context, v *viper.Viper) error {
	if err := godotenv.Load(); err != nil {
		cqlog.Infof("no .env file found, continuing with process environment")
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	cqlog.SetLogger(logger)

	bot := v.GetString("bot")
	dryRun := v.GetBool("dry-run")
	preCQ := v.GetBool("pre-cq")

	external := helperpool.NewFakeClient()
	now := time.Now()
	seed := []devChangeSpec{
		{gerritNumber: 1001, changeID: "Iabc0001", project: "skia", branch: "main"},
		{gerritNumber: 1002, changeID: "Iabc0002", project: "skia", branch: "main"},
	}
	for _, s := range seed {
		external.Seed(&change.Change{
			Remote:            change.RemoteExternal,
			GerritNumber:      s.gerritNumber,
			PatchNumber:       1,
			ChangeID:          s.changeID,
			Project:           s.project,
			Branch:            s.branch,
			OwnerEmail:        "dev@example.com",
			ApprovalTimestamp: now,
		})
	}
	helpers := helperpool.New(external, nil)

	repoRoot := v.GetString("repo-root")
	projectPaths := map[string]string{}
	if repoRoot != "" {
		projectPaths["skia"] = repoRoot
	}
	checkout := gitcheckout.New(projectPaths)

	resolver := depsresolver.New(fakeFetcher{})
	committed := change.New()
	p := planner.New(resolver, planner.CommittedCache{Cache: committed})
	engine := applyengine.New(helpers, p, committed, checkout, staticManifest(projectPaths))

	stateDir := v.GetString("state-dir")
	store := statusstore.New(filestore.New(stateDir), 5*time.Minute, 8)

	notify, err := notifier.New(helpers, "cq.example.com", helperpool.NotifyOwner, dryRun, "")
	if err != nil {
		return err
	}

	analyzer := suspect.New(store, bot, "chromiumos/infra/config", nil)

	sub := submitter.New(submitter.Options{
		Helpers:   helpers,
		Planner:   p,
		Store:     store,
		Notifier:  notify,
		Bot:       bot,
		Committed: committed,
		Workers:   v.GetInt("submit-workers"),
	})

	pool := validationpool.NewMaster(validationpool.Options{
		Helpers:      helpers,
		Engine:       engine,
		Submitter:    sub,
		Store:        store,
		Analyzer:     analyzer,
		Notifier:     notify,
		Bot:          bot,
		ReadyQuery:   "status:open label:Commit-Queue=+1",
		DryRun:       dryRun,
		PreCQ:        preCQ,
		GracePeriod:  v.GetDuration("grace-period"),
		PollInterval: time.Second,
		ShouldExitEarly: func() bool {
			return true
		},
	})

	checkoutAdapter := cqrunCheckout{manifest: staticManifest(projectPaths)}
	acceptAll := func(vp *validationpool.ValidationPool, manifestChanges, nonManifestChanges []*change.Change) ([]*change.Change, []*change.Change) {
		return append(append([]*change.Change{}, manifestChanges...), nonManifestChanges...), nil
	}
	if err := pool.Acquire(ctx, nil, checkoutAdapter, acceptAll, false, false, v.GetDuration("acquire-timeout")); err != nil {
		return err
	}

	state := pool.State()
	cqlog.Infof("acquired %d change(s)", len(state.Accepted))

	if _, err := pool.ApplyPool(ctx, nil); err != nil {
		return err
	}

	if !preCQ && !dryRun {
		failures, err := pool.SubmitPool(ctx, false, false)
		if err != nil {
			return err
		}
		for id, ferr := range failures {
			cqlog.Infof("submit failure for %s: %v", id, ferr)
		}
	}

	return nil
}

// fakeFetcher is the illustrative depsresolver.Fetcher: the seeded dev
// changes have no parents or CQ-DEPEND footers.
type fakeFetcher struct{}

func (fakeFetcher) GerritDeps(ctx context.Context, ch *change.Change) ([]change.PatchQuery, error) {
	return nil, nil
}

func (fakeFetcher) CommitMessage(ctx context.Context, ch *change.Change) (string, error) {
	return "", nil
}

// staticManifest adapts a project→path map to helperpool.Manifest for the
// illustrative driver, standing in for a real repo manifest file.
type staticManifest map[string]string

func (m staticManifest) ProjectPath(project string) (string, bool) {
	path, ok := m[project]
	return path, ok
}

// cqrunCheckout satisfies validationpool.Checkout (helperpool.Manifest +
// suspect.Checkout) for the illustrative driver: every board maps to no
// overlays, since cqrun never runs real per-board builds.
type cqrunCheckout struct {
	manifest staticManifest
}

func (c cqrunCheckout) ProjectPath(project string) (string, bool) { return c.manifest.ProjectPath(project) }
func (c cqrunCheckout) BoardOverlays(board string) []string       { return nil }
