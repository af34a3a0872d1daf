package persistance

import (
	"hash/fnv"
	"io"
	"math"

	"github.com/bits-and-blooms/bitset"
)

type BloomFilter interface {
	Add(key string)
	MayContain(key string) bool
}

// BloomFilterImpl is a double-hashing bloom filter over a bitset.
type BloomFilterImpl struct {
	bits      *bitset.BitSet
	numBits   uint64
	numHashes uint32
}

// NewBloomFilter sizes a filter for expectedItems at the given false positive rate.
func NewBloomFilter(expectedItems int, falsePositiveRate float64) BloomFilter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	// m = -(n * ln(p)) / (ln(2)^2), k = (m/n) * ln(2)
	n := float64(expectedItems)
	m := uint64(math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint32(math.Round(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}

	return &BloomFilterImpl{
		bits:      bitset.New(uint(m)),
		numBits:   m,
		numHashes: k,
	}
}

func (bf *BloomFilterImpl) Add(key string) {
	h1, h2 := hashKey(key)
	for i := uint32(0); i < bf.numHashes; i++ {
		bf.bits.Set(uint((h1 + uint64(i)*h2) % bf.numBits))
	}
}

// MayContain never returns false for a key that was added.
func (bf *BloomFilterImpl) MayContain(key string) bool {
	h1, h2 := hashKey(key)
	for i := uint32(0); i < bf.numHashes; i++ {
		if !bf.bits.Test(uint((h1 + uint64(i)*h2) % bf.numBits)) {
			return false
		}
	}
	return true
}

// hashKey splits one FNV-1a 64 hash into the two halves used for double hashing.
func hashKey(key string) (uint64, uint64) {
	h := fnv.New64a()
	_, _ = io.WriteString(h, key)
	sum := h.Sum64()
	return sum & math.MaxUint32, (sum >> 32) | 1
}
