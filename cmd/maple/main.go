// Command maple is a small CLI wrapper around the store package: open a
// database file, run put/get operations from the command line, and print
// the per-bucket probe stats the tiered logger tracks.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/maple-db/maple/store"
)

func main() {
	path := flag.String("db", "./maple.db", "database base path")
	stagingMB := flag.Uint("staging-mb", 16, "staging tier cache budget, MiB")
	hotMB := flag.Uint("hot-mb", 16, "hot bucket cache budget, MiB")
	agedMB := flag.Uint("aged-mb", 16, "aged bucket cache budget, MiB")
	coldMB := flag.Uint("cold-mb", 16, "cold bucket cache budget, MiB")
	rotation := flag.Uint("rotation-millions", 250, "hot bucket rotation threshold, millions of entries")
	verbose := flag.Bool("v", false, "verbose logging")
	put := flag.String("put", "", "key=value pair to write, then exit")
	get := flag.String("get", "", "key to read, then exit")
	flag.Parse()

	log := newLogger(*verbose)
	defer log.Sync()

	budget := store.DefaultCacheBudget()
	budget.StagingMB = uint8(*stagingMB)
	budget.HotMB = uint8(*hotMB)
	budget.AgedMB = uint8(*agedMB)
	budget.ColdMB = uint8(*coldMB)
	budget.RotationThreshold = uint8(*rotation)

	db, err := store.Open(*path, budget, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("close store", zap.Error(err))
		}
	}()

	switch {
	case *put != "":
		runPut(db, log, *put)
	case *get != "":
		runGet(db, log, *get)
	default:
		printStats(db)
	}
}

func runPut(db *store.Store, log *zap.Logger, kv string) {
	key, value, ok := splitKV(kv)
	if !ok {
		log.Fatal("bad -put argument, expected key=value", zap.String("arg", kv))
	}
	duplicate, err := db.Put([]byte(key), []byte(value))
	if err != nil {
		log.Fatal("put failed", zap.String("key", key), zap.Error(err))
	}
	if duplicate {
		fmt.Printf("put %s (duplicate)\n", key)
	} else {
		fmt.Printf("put %s (new)\n", key)
	}
}

func runGet(db *store.Store, log *zap.Logger, key string) {
	value, found, err := db.Get([]byte(key))
	if err != nil {
		log.Fatal("get failed", zap.String("key", key), zap.Error(err))
	}
	if !found {
		fmt.Printf("get %s -> miss\n", key)
		return
	}
	fmt.Printf("get %s -> %s\n", key, value)
}

func printStats(db *store.Store) {
	fmt.Println("bucket       lookups   bloom-hit   found")
	for _, s := range db.Stats() {
		fmt.Printf("%-12s %8d %11d %7d\n", s.Name, s.Lookups, s.BloomHit, s.Found)
	}

	agg := db.AggregateStats()
	fmt.Printf("\ncache hits=%d misses=%d page-reads=%d page-writes=%d bytes-written=%d disk-size=%d write-amp=%.2f space-amp=%.2f\n",
		agg.CacheHits, agg.CacheMisses, agg.PageReads, agg.PageWrites, agg.BytesWritten, agg.TotalDiskSize,
		agg.WriteAmp, agg.SpaceAmp)
}

func splitKV(s string) (key, value string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		os.Exit(1)
	}
	return log
}
