// Package config holds the tuning knobs shared across the page store, the
// B+Tree engine and the tiered bucket store.
package config

const (
	// DefaultPageSize is used for every tree except the staging tree, which
	// uses larger pages to better absorb bursty writes before it saturates.
	DefaultPageSize = 4096

	// StagingPageSize is the page size of the tiered store's staging tree.
	StagingPageSize = 256 * 1024

	// DefaultCachePages is the frame-count default for a tree's page cache.
	DefaultCachePages = 1024
)

// Options configures a single pagestore-backed tree.
type Options struct {
	PageSize     int
	CachePages   int
	CreateIfMiss bool
}

// DefaultOptions returns the options the teacher's own Config/DefaultConfig
// pattern uses: sane defaults, override what you need.
func DefaultOptions() Options {
	return Options{
		PageSize:     DefaultPageSize,
		CachePages:   DefaultCachePages,
		CreateIfMiss: true,
	}
}

// CacheBudget holds the five cache-size knobs the tiered store needs as
// named fields; tiered.Options and store.Open take it in this form. Pack and
// UnpackCacheBudget convert it to and from the single 32-bit value, the
// on-disk/wire form described for the tiered store's configuration.
//
// Layout (low byte first): staging MB | rotation threshold (millions of
// entries) | hot-bucket MB | aged-bucket MB and cold-bucket MB sharing the
// high byte as two nibbles, aged low / cold high, each a multiple of 16 MB
// (0-240) — matching original_source/src/logger.h's cache_more_size and
// cache2_size derivation from the top byte of the packed knob.
type CacheBudget struct {
	StagingMB         uint8
	RotationThreshold uint8 // hot bucket rotates after this many million entries
	HotMB             uint8
	AgedMB            uint8 // cache size for every bucket in the aged chain (path.ix1.N)
	ColdMB            uint8
}

// DefaultCacheBudget mirrors the defaults original_source/src/logger.h falls
// back to when the packed knob's higher byte groups are zero: 250 million
// entries before rotation, symmetric 16 MiB-unit bucket caches.
func DefaultCacheBudget() CacheBudget {
	return CacheBudget{
		StagingMB:         16,
		RotationThreshold: 250,
		HotMB:             16,
		AgedMB:            16,
		ColdMB:            16,
	}
}

// Pack encodes the budget into the single 32-bit knob spec'd for the tiered
// store's external configuration surface.
func (b CacheBudget) Pack() uint32 {
	return uint32(b.StagingMB) |
		uint32(b.RotationThreshold)<<8 |
		uint32(b.HotMB)<<16 |
		uint32(mbToNibble(b.AgedMB))<<24 |
		uint32(mbToNibble(b.ColdMB))<<28
}

// UnpackCacheBudget decodes a packed 32-bit knob back into named fields.
func UnpackCacheBudget(v uint32) CacheBudget {
	return CacheBudget{
		StagingMB:         uint8(v),
		RotationThreshold: uint8(v >> 8),
		HotMB:             uint8(v >> 16),
		AgedMB:            nibbleToMB(uint8(v>>24) & 0x0F),
		ColdMB:            nibbleToMB(uint8(v>>28) & 0x0F),
	}
}

// mbToNibble/nibbleToMB convert between a raw MB value and the 16 MB-unit
// nibble the packed knob's top byte stores it as, clamping to the nibble's
// 0-15 range (0-240 MB).
func mbToNibble(mb uint8) uint8 {
	n := mb / 16
	if n > 0x0F {
		n = 0x0F
	}
	return n
}

func nibbleToMB(n uint8) uint8 {
	return n * 16
}

// CachePages converts a megabyte budget into a cache frame count at the
// given page size.
func CachePages(mb uint8, pageSize int) int {
	if mb == 0 {
		return DefaultCachePages
	}
	pages := int(mb) * (1024 * 1024) / pageSize
	if pages < 1 {
		pages = 1
	}
	return pages
}
