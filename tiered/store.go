// Package tiered implements Component D: a write-absorbing staging B+Tree
// backed by a frequency counter, demoting entries into a hot/cold pair of
// downstream B+Trees, with the hot bucket rotating into a chain of aged
// siblings once it grows past a configured size, and Bloom filters gating
// lookups into every non-staging tree.
package tiered

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/maple-db/maple/bloom"
	"github.com/maple-db/maple/btree"
	"github.com/maple-db/maple/common"
	"github.com/maple-db/maple/config"
)

// MaxStagedValueLen is the largest user value the staging tier can accept.
// Staging stores v||count, and the page format's length-prefixed value
// field is a single byte (max 255), so one byte of that budget always goes
// to the counter — a full 255-byte value would leave no room for it.
const MaxStagedValueLen = common.MaxFieldLen - 1

// Options configures a tiered Store.
type Options struct {
	Budget config.CacheBudget

	// RotationEntries overrides Budget.RotationThreshold*1_000_000 when
	// nonzero, so tests (and the end-to-end rotation scenario) can use a
	// small threshold without a synthetic million-entry dataset.
	RotationEntries uint64

	BloomEnabled           bool
	BloomExpectedEntries   uint
	BloomFalsePositiveRate float64
}

// DefaultOptions mirrors the original's defaults when the packed knob's
// higher byte groups are zero.
func DefaultOptions() Options {
	return Options{
		Budget:                 config.DefaultCacheBudget(),
		BloomEnabled:           true,
		BloomExpectedEntries:   100000,
		BloomFalsePositiveRate: 0.01,
	}
}

func (o Options) rotationThreshold() uint64 {
	if o.RotationEntries != 0 {
		return o.RotationEntries
	}
	return uint64(o.Budget.RotationThreshold) * 1_000_000
}

// bucketStats is the per-bucket probe telemetry original_source/src/logger.h
// tracks: lookup attempts, Bloom-positive probes, and confirmed hits.
type bucketStats struct {
	Name     string
	Lookups  int64
	BloomHit int64
	Found    int64
}

type bucket struct {
	tree  *btree.Tree
	bloom *bloom.Filter
	stats bucketStats
}

// Store is the tiered logger: staging (idx0) + hot (idx1) + cold (idx2) +
// an aged chain (idx1.N, N>=1, most recent at position 0).
type Store struct {
	basePath string
	opts     Options
	log      *zap.Logger

	staging    *btree.Tree
	stagingOps config.Options

	hot  *bucket
	cold *bucket
	// TODO: the original logger carries unreached code for collapsing an
	// aged bucket once every key in it has demoted further or been
	// overwritten elsewhere; it's never called there either, so aged
	// buckets here just accumulate until the store closes.
	aged []*bucket // position 0 = most recently rotated

	hotOpts  config.Options
	agedOpts config.Options

	totalGets      int64
	totalPuts      int64
	totalUserBytes int64 // sum of len(key)+len(value) across every Put, for write amplification
}

// Open opens or creates a tiered store rooted at basePath: basePath+".ix0"
// is staging, ".ix1"/".ix2" are hot/cold, ".ix1.N" are aged buckets,
// matching spec.md §6's file naming.
func Open(basePath string, opts Options, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	stagingOpts := config.DefaultOptions()
	stagingOpts.PageSize = config.StagingPageSize
	stagingOpts.CachePages = config.CachePages(opts.Budget.StagingMB, stagingOpts.PageSize)

	staging, err := btree.Open(basePath+".ix0", stagingOpts, log)
	if err != nil {
		return nil, fmt.Errorf("open staging: %w", err)
	}

	hotOpts := config.DefaultOptions()
	hotOpts.CachePages = config.CachePages(opts.Budget.HotMB, hotOpts.PageSize)

	agedOpts := config.DefaultOptions()
	agedOpts.CachePages = config.CachePages(opts.Budget.AgedMB, agedOpts.PageSize)

	s := &Store{
		basePath:   basePath,
		opts:       opts,
		log:        log,
		staging:    staging,
		stagingOps: stagingOpts,
		hotOpts:    hotOpts,
		agedOpts:   agedOpts,
	}

	if s.hot, err = s.openBucket(basePath+".ix1", "hot", hotOpts); err != nil {
		return nil, err
	}
	coldOpts := config.DefaultOptions()
	coldOpts.CachePages = config.CachePages(opts.Budget.ColdMB, coldOpts.PageSize)
	if s.cold, err = s.openBucket(basePath+".ix2", "cold", coldOpts); err != nil {
		return nil, err
	}

	if err := s.recoverAgedChain(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) openBucket(path, name string, opts config.Options) (*bucket, error) {
	tree, err := btree.Open(path, opts, s.log)
	if err != nil {
		return nil, fmt.Errorf("open %s bucket: %w", name, err)
	}
	b := &bucket{tree: tree, stats: bucketStats{Name: name}}
	if s.opts.BloomEnabled {
		bloomPath := path + ".blm"
		if _, statErr := os.Stat(bloomPath); statErr == nil {
			f, importErr := bloom.Import(bloomPath)
			if importErr != nil {
				return nil, fmt.Errorf("import bloom for %s: %w", name, importErr)
			}
			b.bloom = f
		} else {
			b.bloom = bloom.New(s.opts.BloomExpectedEntries, s.opts.BloomFalsePositiveRate)
		}
	}
	return b, nil
}

// recoverAgedChain probes basePath+".ix1.N" for N = 1, 2, ... until the
// first missing file, matching spec.md §6: "recovers the chain of aged
// buckets at open by probing path.ix1.1, path.ix1.2, ... until the first
// missing file."
func (s *Store) recoverAgedChain() error {
	for n := 1; ; n++ {
		path := fmt.Sprintf("%s.ix1.%d", s.basePath, n)
		if _, err := os.Stat(path); err != nil {
			break
		}
		b, err := s.openBucket(path, fmt.Sprintf("aged-%d", n), s.agedOpts)
		if err != nil {
			return err
		}
		s.aged = append([]*bucket{b}, s.aged...)
	}
	return nil
}

// Put absorbs a write into staging: the demotion sweep runs first if
// staging is full and its cache is saturated, then the key is inserted (or
// its hit counter bumped) into staging.
func (s *Store) Put(key, value []byte) error {
	if len(key) > common.MaxFieldLen {
		return common.ErrKeyTooLarge
	}
	if len(value) > MaxStagedValueLen {
		return common.ErrValueTooLarge
	}
	s.totalPuts++
	s.totalUserBytes += int64(len(key)) + int64(len(value))

	staged, found, err := s.staging.Get(key)
	if err != nil {
		return err
	}

	counter := byte(1)
	if found {
		counter = staged[len(staged)-1]
		if counter < 255 {
			counter++
		}
	}
	stagedValue := append(append([]byte(nil), value...), counter)

	overflow, err := s.staging.WouldOverflow(key, stagedValue)
	if err != nil {
		return err
	}
	if overflow && s.staging.CacheSaturated() {
		if err := s.demotionSweep(); err != nil {
			return err
		}
	}

	if found {
		// The staging tree never overwrites in place; remove-then-reinsert
		// is how a repeat Put refreshes the counter and value.
		if err := s.staging.Delete(key); err != nil {
			return err
		}
	}
	if _, _, err := s.staging.Put(key, stagedValue); err != nil {
		return err
	}
	return nil
}

// Get probes staging, then cold, then hot, then each aged bucket newest
// first, per spec.md §4.D / §2.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	s.totalGets++
	if v, found, err := s.staging.Get(key); err != nil {
		return nil, false, err
	} else if found {
		return v[:len(v)-1], true, nil
	}

	for _, b := range []*bucket{s.cold, s.hot} {
		v, ok, err := s.probeBucket(b, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return v, true, nil
		}
	}
	for _, b := range s.aged {
		v, ok, err := s.probeBucket(b, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return nil, false, nil
}

func (s *Store) probeBucket(b *bucket, key []byte) ([]byte, bool, error) {
	b.stats.Lookups++
	if b.bloom != nil {
		if !b.bloom.MaybeContains(key) {
			return nil, false, nil
		}
		b.stats.BloomHit++
	}
	v, ok, err := b.tree.Get(key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		b.stats.Found++
	}
	return v, ok, nil
}

// Close flushes and closes every tree and exports every Bloom filter to its
// sidecar file.
func (s *Store) Close() error {
	for _, b := range s.allBuckets() {
		if b.bloom != nil {
			path := b.tree.Path() + ".blm"
			if err := b.bloom.Export(path); err != nil {
				return err
			}
		}
		if err := b.tree.Close(); err != nil {
			return err
		}
	}
	return s.staging.Close()
}

func (s *Store) allBuckets() []*bucket {
	out := make([]*bucket, 0, 2+len(s.aged))
	out = append(out, s.hot, s.cold)
	out = append(out, s.aged...)
	return out
}

// BucketStats exposes the lookup/bloom-hit/found telemetry
// original_source/src/logger.h tracks per bucket.
type BucketStats = bucketStats

func (s *Store) Stats() []BucketStats {
	out := make([]BucketStats, 0, 2+len(s.aged))
	for _, b := range s.allBuckets() {
		out = append(out, b.stats)
	}
	return out
}

// AggregateStats rolls every tree's page-cache counters (Component A) and
// the store's own get/put totals (Component D) into the shared common.Stats
// shape the teacher surfaces from a single engine, so store's facade has
// one cross-component summary to hand a caller instead of per-tree detail.
func (s *Store) AggregateStats() common.Stats {
	agg := common.Stats{ReadCount: s.totalGets, WriteCount: s.totalPuts}
	var logicalBytes int64
	for _, tr := range s.allTrees() {
		cs := tr.Stats()
		agg.CacheHits += cs.Requests - cs.Misses
		agg.CacheMisses += cs.Misses
		agg.PageReads += cs.Requests
		agg.PageWrites += cs.Writes
		agg.BytesWritten += cs.BytesWritten
		agg.TotalDiskSize += int64(cs.Pages) * int64(tr.PageSize())

		n, err := tr.FilledSize()
		if err == nil {
			agg.NumKeys += int64(n)
		}
		if lb, err := tr.LogicalBytes(); err == nil {
			logicalBytes += lb
		}
	}
	if s.totalUserBytes > 0 {
		agg.WriteAmp = float64(agg.BytesWritten) / float64(s.totalUserBytes)
	}
	if logicalBytes > 0 {
		agg.SpaceAmp = float64(agg.TotalDiskSize) / float64(logicalBytes)
	}
	return agg
}

func (s *Store) allTrees() []*btree.Tree {
	out := make([]*btree.Tree, 0, 3+len(s.aged))
	out = append(out, s.staging, s.hot.tree, s.cold.tree)
	for _, b := range s.aged {
		out = append(out, b.tree)
	}
	return out
}
