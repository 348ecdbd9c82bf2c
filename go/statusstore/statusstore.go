// Package statusstore is the per-(bot, change, patchset) verification
// status counter and last-status lookup. The wire format of the backing
// store is opaque: callers supply a Backend and get per-process caching
// and parallel prefetch on top of it.
package statusstore

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.skia.org/cqcore/go/change"
	"go.skia.org/cqcore/go/workerpool"
)

// Status is a verification outcome recorded against a (bot, change,
// patchset) key.
type Status string

const (
	StatusLaunching     Status = "launching"
	StatusWaiting       Status = "waiting"
	StatusInflight      Status = "inflight"
	StatusPassed        Status = "passed"
	StatusFailed        Status = "failed"
	StatusReadyToSubmit Status = "ready-to-submit"
)

// Key identifies a single status record. PatchNumber is compared
// separately from the all-patchset counters: SetStatus updates both the
// latest-patchset-only marker and an all-patchset marker, so a change's
// history survives a patchset bump.
type Key struct {
	Bot          string
	Remote       change.Remote
	GerritNumber int64
	PatchNumber  int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d/%d", k.Bot, k.Remote, k.GerritNumber, k.PatchNumber)
}

func (k Key) allPatchsetKey() string {
	return fmt.Sprintf("%s/%s/%d", k.Bot, k.Remote, k.GerritNumber)
}

// Backend is the durable counter/marker store StatusStore caches in front
// of. Its wire format (`{root}/{bot}/{remote}/{gerrit_number}
// [/{patch_number}]`) is not this package's concern; Backend just needs to
// persist and report back what was written.
type Backend interface {
	WriteStatus(ctx context.Context, key Key, status Status) error
	WriteLatestMarker(ctx context.Context, allPatchsetKey string, status Status) error
	ReadLatestMarker(ctx context.Context, key Key) (Status, bool, error)
	IncrementCount(ctx context.Context, key Key, status Status) error
	ReadCount(ctx context.Context, key Key, status Status, latestOnly bool) (int, error)
}

// Store is the caching front for a Backend. All methods are safe for
// concurrent use.
type Store struct {
	backend         Backend
	counts          *cache.Cache
	prefetchWorkers int
}

// New returns a Store backed by backend. counterTTL controls how long a
// cached Count result is served before the backend is asked again;
// prefetchWorkers bounds the concurrency of each Prefetch call.
func New(backend Backend, counterTTL time.Duration, prefetchWorkers int) *Store {
	return &Store{
		backend:         backend,
		counts:          cache.New(counterTTL, 2*counterTTL),
		prefetchWorkers: prefetchWorkers,
	}
}

// SetStatus records status for key: the latest-patchset-only marker, the
// all-patchset marker, and the (key, status) counter.
func (s *Store) SetStatus(ctx context.Context, key Key, status Status) error {
	if err := s.backend.WriteStatus(ctx, key, status); err != nil {
		return err
	}
	if err := s.backend.WriteLatestMarker(ctx, key.allPatchsetKey(), status); err != nil {
		return err
	}
	if err := s.backend.IncrementCount(ctx, key, status); err != nil {
		return err
	}
	s.counts.Delete(countCacheKey(key, status, true))
	s.counts.Delete(countCacheKey(key, status, false))
	return nil
}

// GetStatus returns the latest-patchset marker for key, or nil if the
// backend has no record of it.
func (s *Store) GetStatus(ctx context.Context, key Key) (*Status, error) {
	status, ok, err := s.backend.ReadLatestMarker(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &status, nil
}

// Count returns how many times (key, status) has been set, serving from
// the per-process cache when possible.
func (s *Store) Count(ctx context.Context, key Key, status Status, latestOnly bool) (int, error) {
	cacheKey := countCacheKey(key, status, latestOnly)
	if v, ok := s.counts.Get(cacheKey); ok {
		return v.(int), nil
	}
	n, err := s.backend.ReadCount(ctx, key, status, latestOnly)
	if err != nil {
		return 0, err
	}
	s.counts.SetDefault(cacheKey, n)
	return n, nil
}

// Prefetch warms the counter cache for every (key, status) pair in
// parallel, bounded by the Store's worker pool.
func (s *Store) Prefetch(ctx context.Context, keys []Key, statuses []Status) {
	pool := workerpool.New(s.prefetchWorkers)
	for _, key := range keys {
		key := key
		for _, status := range statuses {
			status := status
			pool.Go(func() {
				if _, err := s.Count(ctx, key, status, true); err != nil {
					return
				}
				_, _ = s.Count(ctx, key, status, false)
			})
		}
	}
	pool.Wait()
}

func countCacheKey(key Key, status Status, latestOnly bool) string {
	return fmt.Sprintf("%s|%s|%t", key, status, latestOnly)
}
