package filters

import (
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// BloomFilter is a probabilistic data structure for membership testing.
// Add and Contains are safe for concurrent use; bits are set atomically.
type BloomFilter struct {
	bits    []uint64
	numBits uint64
	numHash uint32
}

// NewBloomFilterWithSize creates a Bloom filter with an explicit bit count and
// number of hash functions.
func NewBloomFilterWithSize(numBits uint64, numHash uint32) *BloomFilter {
	// Round up to nearest multiple of 64
	numBits = ((numBits + 63) / 64) * 64
	if numBits == 0 {
		numBits = 64
	}
	if numHash == 0 {
		numHash = 1
	}
	return &BloomFilter{
		bits:    make([]uint64, numBits/64),
		numBits: numBits,
		numHash: numHash,
	}
}

// Add adds an element to the Bloom filter.
func (bf *BloomFilter) Add(data []byte) {
	h1, h2 := bf.hash(data)

	for i := uint32(0); i < bf.numHash; i++ {
		// Double hashing: h(i) = h1 + i*h2
		pos := (h1 + uint64(i)*h2) % bf.numBits
		bf.setBit(pos)
	}
}

// Contains checks if an element might be in the set. A false result is
// authoritative.
func (bf *BloomFilter) Contains(data []byte) bool {
	h1, h2 := bf.hash(data)

	for i := uint32(0); i < bf.numHash; i++ {
		pos := (h1 + uint64(i)*h2) % bf.numBits
		if !bf.getBit(pos) {
			return false
		}
	}

	return true
}

// hash computes two independent hash values for double hashing.
func (bf *BloomFilter) hash(data []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(data)
	// odd step so the probe sequence visits distinct positions
	h2 := murmur3.Sum64(data) | 1
	return h1, h2
}

func (bf *BloomFilter) setBit(pos uint64) {
	word := &bf.bits[pos/64]
	mask := uint64(1) << (pos % 64)
	for {
		old := atomic.LoadUint64(word)
		if old&mask != 0 || atomic.CompareAndSwapUint64(word, old, old|mask) {
			return
		}
	}
}

func (bf *BloomFilter) getBit(pos uint64) bool {
	return atomic.LoadUint64(&bf.bits[pos/64])&(uint64(1)<<(pos%64)) != 0
}

// EstimateFalsePositiveRate estimates the current false positive rate from
// the fill ratio.
func (bf *BloomFilter) EstimateFalsePositiveRate() float64 {
	setBits := uint64(0)
	for i := range bf.bits {
		setBits += uint64(bits.OnesCount64(atomic.LoadUint64(&bf.bits[i])))
	}
	fillRatio := float64(setBits) / float64(bf.numBits)
	return math.Pow(fillRatio, float64(bf.numHash))
}

// NumBits returns the size of the bit set.
func (bf *BloomFilter) NumBits() uint64 { return bf.numBits }

// NumHash returns the number of probes per element.
func (bf *BloomFilter) NumHash() uint32 { return bf.numHash }

// SizeInBytes returns the size of the filter in bytes.
func (bf *BloomFilter) SizeInBytes() int {
	return len(bf.bits) * 8
}
