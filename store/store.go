// Package store is the top-level library facade: store_open/store_put/
// store_get/store_close from spec.md §6, wrapping the tiered logger
// (package tiered) the way the original's public API wraps its internal
// bucket manager.
package store

import (
	"go.uber.org/zap"

	"github.com/maple-db/maple/common"
	"github.com/maple-db/maple/config"
	"github.com/maple-db/maple/tiered"
)

// CacheBudget is the cache_knob spec.md §6's store_open takes: a per-tier
// megabyte budget plus the hot-bucket rotation threshold, as named fields
// (CacheBudget.Pack gives the packed 32-bit form).
type CacheBudget = config.CacheBudget

// DefaultCacheBudget returns the knob value used when the caller has no
// particular sizing in mind.
func DefaultCacheBudget() CacheBudget { return config.DefaultCacheBudget() }

// Store is a single open key/value store rooted at one base path.
type Store struct {
	tiered *tiered.Store
}

// Open opens or creates a store rooted at path, sizing its internal trees
// per budget.
func Open(path string, budget CacheBudget, log *zap.Logger) (*Store, error) {
	opts := tiered.DefaultOptions()
	opts.Budget = budget
	t, err := tiered.Open(path, opts, log)
	if err != nil {
		return nil, err
	}
	return &Store{tiered: t}, nil
}

// Put absorbs a write for key/value. duplicate=true means key was already
// present somewhere in the store before this call; the write still lands —
// staging always records the latest value, bumping its hit counter if the
// key is still staged and starting it at 1 otherwise (see spec.md §4.D) —
// duplicate is purely an informational status, not a no-overwrite guard.
func (s *Store) Put(key, value []byte) (duplicate bool, err error) {
	_, found, err := s.tiered.Get(key)
	if err != nil {
		return false, err
	}
	if err := s.tiered.Put(key, value); err != nil {
		return false, err
	}
	return found, nil
}

// Get looks up key, reporting whether it was found anywhere in the store.
func (s *Store) Get(key []byte) (value []byte, found bool, err error) {
	return s.tiered.Get(key)
}

// Close flushes every tree and Bloom sidecar and releases the store's file
// handles. It must be called to persist dirty pages.
func (s *Store) Close() error {
	return s.tiered.Close()
}

// Stats exposes per-bucket probe telemetry for diagnostics.
func (s *Store) Stats() []tiered.BucketStats {
	return s.tiered.Stats()
}

// AggregateStats rolls every component's counters into the shared
// common.Stats summary, the single-engine counterpart of the teacher's
// cross-engine comparison report.
func (s *Store) AggregateStats() common.Stats {
	return s.tiered.AggregateStats()
}
