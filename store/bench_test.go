package store

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/maple-db/maple/common/benchmark"
)

// BenchmarkStorePutGet drives the store through a Zipfian-distributed key
// workload the way the teacher's comparison benchmarks did, but against a
// single engine, and records latency percentiles with the same histogram
// the teacher used to report them.
func BenchmarkStorePutGet(b *testing.B) {
	dir := b.TempDir()
	db, err := Open(filepath.Join(dir, "bench.db"), DefaultCacheBudget(), zap.NewNop())
	if err != nil {
		b.Fatal(err)
	}
	defer db.Close()

	const numKeys = 10000
	kg := benchmark.NewKeyGenerator(numKeys, 24, benchmark.DistZipfian, 7)
	puts := benchmark.NewLatencyHistogram()
	gets := benchmark.NewLatencyHistogram()

	for i := 0; i < numKeys; i++ {
		key := kg.GenerateSequential(i)
		start := time.Now()
		if _, err := db.Put(key, key); err != nil {
			b.Fatal(err)
		}
		puts.Record(time.Since(start))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := kg.NextKey()
		start := time.Now()
		if _, _, err := db.Get(key); err != nil {
			b.Fatal(err)
		}
		gets.Record(time.Since(start))
	}
	b.StopTimer()

	stats := gets.Stats()
	b.ReportMetric(float64(stats.P50.Microseconds()), "p50-us")
	b.ReportMetric(float64(stats.P99.Microseconds()), "p99-us")
	_ = puts.Stats()
}
