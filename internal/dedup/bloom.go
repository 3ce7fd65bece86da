package dedup

import (
	"math"

	"golang.org/x/crypto/blake2s"
)

// bloomFilter is a small fixed-size Bloom filter sized for expectedItems at
// targetFP false-positive rate, using independent blake2s-derived hashes.
type bloomFilter struct {
	bits   []uint64
	nbits  uint64
	nhash  int
}

func newBloomFilter(expectedItems int, targetFP float64) *bloomFilter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	m := optimalBits(expectedItems, targetFP)
	k := optimalHashes(m, expectedItems)
	return &bloomFilter{
		bits:  make([]uint64, (m+63)/64),
		nbits: uint64(m),
		nhash: k,
	}
}

func optimalBits(n int, p float64) int {
	m := -1 * float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	if m < 64 {
		m = 64
	}
	return int(math.Ceil(m))
}

func optimalHashes(m, n int) int {
	k := int(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return k
}

// indices derives nhash independent bit positions from data using the
// double-hashing technique (Kirsch-Mitzenmacher) over a blake2s digest.
func (b *bloomFilter) indices(data []byte) []uint64 {
	sum := blake2s.Sum256(data)
	h1 := uint64From(sum[0:8])
	h2 := uint64From(sum[8:16])

	idx := make([]uint64, b.nhash)
	for i := 0; i < b.nhash; i++ {
		idx[i] = (h1 + uint64(i)*h2) % b.nbits
	}
	return idx
}

func uint64From(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func (b *bloomFilter) add(data []byte) {
	for _, idx := range b.indices(data) {
		b.bits[idx/64] |= 1 << (idx % 64)
	}
}

func (b *bloomFilter) test(data []byte) bool {
	for _, idx := range b.indices(data) {
		if b.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}
