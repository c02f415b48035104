package common

// Stats carries counters surfaced by every layer of the store: the page
// cache, the B+Tree engine, and the tiered bucket store each fill in the
// fields relevant to them.
type Stats struct {
	// Basic counts
	NumKeys       int64
	TotalDiskSize int64

	// Performance metrics
	WriteCount int64
	ReadCount  int64

	// Page cache metrics (Component A)
	CacheHits    int64
	CacheMisses  int64
	PageReads    int64
	PageWrites   int64
	BytesWritten int64

	// Amplification factors
	WriteAmp float64 // bytes written to disk / bytes written by user
	SpaceAmp float64 // disk space used / logical data size
}
