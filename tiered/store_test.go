package tiered

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "t.db"), opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func smallOptions() Options {
	o := DefaultOptions()
	o.RotationEntries = 100
	return o
}

func TestStorePutGetRoundTrip(t *testing.T) {
	s := openTestStore(t, smallOptions())

	require.NoError(t, s.Put([]byte("apple"), []byte("1")))
	require.NoError(t, s.Put([]byte("banana"), []byte("2")))

	v, ok, err := s.Get([]byte("apple"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(v))

	_, ok, err = s.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreRejectsFullWidthValue(t *testing.T) {
	s := openTestStore(t, smallOptions())
	big := make([]byte, MaxStagedValueLen+1)
	require.Error(t, s.Put([]byte("k"), big))

	ok := make([]byte, MaxStagedValueLen)
	require.NoError(t, s.Put([]byte("k"), ok))
}

func TestStoreRepeatedPutBumpsFrequencyAndSurvivesSweep(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.db")
	opts := smallOptions()
	opts.Budget.StagingMB = 1 // a handful of 256 KiB pages, so saturation is reachable quickly
	s, err := Open(path, opts, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	// Put the same key repeatedly; its counter should climb, and repeated
	// writes must never fail or silently drop the latest value.
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Put([]byte("hot-key"), []byte(fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, s.demotionSweep())

	v, ok, err := s.Get([]byte("hot-key"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v9", string(v))
}

func TestStoreDemotionSweepMovesEntriesOutOfStaging(t *testing.T) {
	s := openTestStore(t, smallOptions())

	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("k-%03d", i)
		require.NoError(t, s.Put([]byte(k), []byte(k)))
	}

	require.NoError(t, s.demotionSweep())

	n, err := s.staging.FilledSize()
	require.NoError(t, err)
	require.Equal(t, 0, n, "a dry sweep should fully drain single-touch staged entries to hot")

	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("k-%03d", i)
		v, ok, err := s.Get([]byte(k))
		require.NoError(t, err)
		require.True(t, ok, "missing %q after sweep", k)
		require.Equal(t, k, string(v))
	}
}

func TestStoreHotBucketRotatesAtThreshold(t *testing.T) {
	s := openTestStore(t, smallOptions())

	for i := 0; i < 150; i++ {
		k := fmt.Sprintf("r-%04d", i)
		require.NoError(t, s.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, s.demotionSweep())
	require.NoError(t, s.demotionSweep())

	require.NotEmpty(t, s.aged, "hot bucket should have rotated into the aged chain")

	for i := 0; i < 150; i++ {
		k := fmt.Sprintf("r-%04d", i)
		v, ok, err := s.Get([]byte(k))
		require.NoError(t, err)
		require.True(t, ok, "missing %q after rotation", k)
		require.Equal(t, k, string(v))
	}
}

func TestStoreRecoversAgedChainOnReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.db")
	opts := smallOptions()

	s, err := Open(path, opts, zap.NewNop())
	require.NoError(t, err)
	for i := 0; i < 150; i++ {
		k := fmt.Sprintf("a-%04d", i)
		require.NoError(t, s.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, s.demotionSweep())
	require.NoError(t, s.demotionSweep())
	wantAged := len(s.aged)
	require.NoError(t, s.Close())

	require.NotEmpty(t, wantAged)
	_, err = os.Stat(path + ".ix1.1")
	require.NoError(t, err)

	s2, err := Open(path, opts, zap.NewNop())
	require.NoError(t, err)
	defer s2.Close()
	require.Equal(t, wantAged, len(s2.aged))
}

func TestStoreBloomTelemetryRecordsProbes(t *testing.T) {
	s := openTestStore(t, smallOptions())

	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("b-%03d", i)
		require.NoError(t, s.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, s.demotionSweep())

	_, _, err := s.Get([]byte("b-000"))
	require.NoError(t, err)
	_, _, err = s.Get([]byte("definitely-absent"))
	require.NoError(t, err)

	stats := s.Stats()
	var sawLookup bool
	for _, st := range stats {
		if st.Lookups > 0 {
			sawLookup = true
		}
	}
	require.True(t, sawLookup, "expected at least one bucket to record lookup telemetry")
}
