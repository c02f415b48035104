// Package bloom provides the minimal external-collaborator surface
// spec.md §4.C calls for: a fixed-capacity probabilistic set with
// add/maybe-contains/import/export/stats, backed by the real
// bits-and-blooms/bloom/v3 implementation rather than a hand-rolled one.
package bloom

import (
	"io"
	"os"

	"github.com/bits-and-blooms/bloom/v3"
)

// Filter wraps a bloom.BloomFilter, translating between this codebase's
// byte-slice keys and the library's API, and giving it a persistence
// surface matching the ".blm" sidecar file format spec.md's external
// interfaces section describes.
type Filter struct {
	bf *bloom.BloomFilter
}

// New constructs a filter sized for expectedEntries items at the given
// false-positive rate.
func New(expectedEntries uint, falsePositiveRate float64) *Filter {
	return &Filter{bf: bloom.NewWithEstimates(expectedEntries, falsePositiveRate)}
}

// Add inserts key into the set.
func (f *Filter) Add(key []byte) { f.bf.Add(key) }

// MaybeContains reports whether key might be present. false is a
// definitive negative; true can be a false positive.
func (f *Filter) MaybeContains(key []byte) bool { return f.bf.Test(key) }

// Stats surfaces the parameters needed to reason about the filter's
// false-positive rate, matching the stats surface named in spec.md §4.C.
type Stats struct {
	Bits   uint
	Hashes uint
}

func (f *Filter) Stats() Stats {
	return Stats{Bits: f.bf.Cap(), Hashes: f.bf.K()}
}

// WriteTo serializes the filter to w.
func (f *Filter) WriteTo(w io.Writer) (int64, error) { return f.bf.WriteTo(w) }

// ReadFrom deserializes a filter previously written by WriteTo.
func (f *Filter) ReadFrom(r io.Reader) (int64, error) {
	f.bf = &bloom.BloomFilter{}
	return f.bf.ReadFrom(r)
}

// Export writes the filter to its side file.
func (f *Filter) Export(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = f.WriteTo(file)
	return err
}

// Import loads a filter previously written by Export.
func Import(path string) (*Filter, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	f := &Filter{}
	if _, err := f.ReadFrom(file); err != nil {
		return nil, err
	}
	return f, nil
}
