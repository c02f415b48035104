package tiered

import (
	"fmt"
	"os"

	"github.com/maple-db/maple/btree"
)

// demotionEntry is one staged row read during a sweep round: the key, the
// value with its trailing counter byte stripped off, and the counter
// decoded out for convenience.
type demotionEntry struct {
	key     []byte
	value   []byte
	counter byte
}

// collectStaged walks the whole staging tree into memory. Staging's page
// size is large specifically so this fits comfortably during a sweep.
func (s *Store) collectStaged() ([]demotionEntry, error) {
	var out []demotionEntry
	err := s.staging.Walk(func(key, value []byte) bool {
		v := append([]byte(nil), value...)
		out = append(out, demotionEntry{
			key:     append([]byte(nil), key...),
			value:   v[:len(v)-1],
			counter: v[len(v)-1],
		})
		return true
	})
	return out, err
}

// demotionSweep implements spec.md §4.D's round-based demotion: rounds run
// with an increasing threshold `cur` until staging has shrunk to a third of
// its entry count at the start of the sweep. Each round scans every staged
// entry once: counters at or below `cur` are demoted to hot or cold and
// removed; every surviving entry above 2 is aged by one. `cur` then
// advances to the smallest surviving counter seen. Staging is compacted
// once after the sweep ends, and the hot bucket is rotated if it has grown
// past its threshold.
func (s *Store) demotionSweep() error {
	initial, err := s.collectStaged()
	if err != nil {
		return err
	}
	if len(initial) == 0 {
		return s.maybeRotateHot()
	}
	target := len(initial) / 3

	cur := byte(1)
	for {
		entries, err := s.collectStaged()
		if err != nil {
			return err
		}
		if len(entries) <= target {
			break
		}

		nextMin, err := s.sweepRound(entries, cur)
		if err != nil {
			return err
		}
		if nextMin == 0 {
			// No staged entry survived above cur: everything demoted.
			break
		}
		cur = nextMin
	}

	if err := s.compactStaging(); err != nil {
		return err
	}
	return s.maybeRotateHot()
}

// sweepRound demotes every entry with counter <= cur and ages every
// surviving entry with counter > 2, returning the smallest surviving
// counter above cur (0 if none survived).
func (s *Store) sweepRound(entries []demotionEntry, cur byte) (nextMin byte, err error) {
	for _, e := range entries {
		if e.counter <= cur {
			if err := s.demote(e); err != nil {
				return 0, err
			}
			continue
		}
		if nextMin == 0 || e.counter < nextMin {
			nextMin = e.counter
		}
		if e.counter > 2 {
			if err := s.ageOne(e); err != nil {
				return 0, err
			}
		}
	}
	return nextMin, nil
}

// demote moves one staged entry to hot (counter <= 1) or cold (counter > 1)
// and removes it from staging. The Bloom filter only learns about true
// inserts, not updates to an already-demoted key.
func (s *Store) demote(e demotionEntry) error {
	dest := s.cold
	if e.counter <= 1 {
		dest = s.hot
	}
	_, found, err := dest.tree.Put(e.key, e.value)
	if err != nil {
		return fmt.Errorf("demote %q: %w", e.key, err)
	}
	if !found && dest.bloom != nil {
		dest.bloom.Add(e.key)
	}
	return s.staging.Delete(e.key)
}

// ageOne decrements a surviving staged entry's counter by one, floor 2 (the
// caller only invokes this for counters already known to be > 2).
func (s *Store) ageOne(e demotionEntry) error {
	aged := e.counter - 1
	newValue := append(append([]byte(nil), e.value...), aged)
	if err := s.staging.Delete(e.key); err != nil {
		return err
	}
	_, _, err := s.staging.Put(e.key, newValue)
	return err
}

// compactStaging rebuilds the staging file from scratch via a fresh file,
// reinsert, rename-over-original, reopen sequence, reclaiming the dead
// space Page.Remove leaves behind.
func (s *Store) compactStaging() error {
	path := s.staging.Path()
	tmpPath := path + ".compact"
	_ = os.Remove(tmpPath)

	fresh, err := btree.Open(tmpPath, s.stagingOps, s.log)
	if err != nil {
		return fmt.Errorf("open compaction staging file: %w", err)
	}

	var putErr error
	walkErr := s.staging.Walk(func(key, value []byte) bool {
		if _, _, err := fresh.Put(key, value); err != nil {
			putErr = err
			return false
		}
		return true
	})
	if walkErr != nil || putErr != nil {
		fresh.Close()
		os.Remove(tmpPath)
		if walkErr != nil {
			return walkErr
		}
		return putErr
	}

	if err := fresh.Close(); err != nil {
		return err
	}
	if err := s.staging.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	reopened, err := btree.Open(path, s.stagingOps, s.log)
	if err != nil {
		return err
	}
	s.staging = reopened
	return nil
}

// maybeRotateHot retires the hot bucket into the aged chain once it grows
// past the configured entries threshold, matching spec.md §4.D's rotation:
// close hot, rename its file (and Bloom sidecar) to path.ix1.N, prepend it
// to the aged list, and open a fresh hot bucket in its place.
func (s *Store) maybeRotateHot() error {
	n, err := s.hot.tree.FilledSize()
	if err != nil {
		return err
	}
	if uint64(n) < s.opts.rotationThreshold() {
		return nil
	}

	hotPath := s.basePath + ".ix1"
	rotatedPath := fmt.Sprintf("%s.ix1.%d", s.basePath, len(s.aged)+1)

	if s.hot.bloom != nil {
		if err := s.hot.bloom.Export(hotPath + ".blm"); err != nil {
			return err
		}
	}
	if err := s.hot.tree.Close(); err != nil {
		return err
	}
	if err := os.Rename(hotPath, rotatedPath); err != nil {
		return err
	}
	if _, err := os.Stat(hotPath + ".blm"); err == nil {
		if err := os.Rename(hotPath+".blm", rotatedPath+".blm"); err != nil {
			return err
		}
	}

	rotated, err := s.openBucket(rotatedPath, fmt.Sprintf("aged-%d", len(s.aged)+1), s.agedOpts)
	if err != nil {
		return err
	}
	s.aged = append([]*bucket{rotated}, s.aged...)

	fresh, err := s.openBucket(hotPath, "hot", s.hotOpts)
	if err != nil {
		return err
	}
	s.hot = fresh
	return nil
}
