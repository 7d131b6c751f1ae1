package structure

import (
	"hash/maphash"
	"math"
	"sync"
)

// BloomFilter answers "definitely absent" for keys of one domain tree.
type BloomFilter[K comparable] struct {
	bits  []uint64
	k     uint32
	m     uint32
	count uint64
	seed1 maphash.Seed
	seed2 maphash.Seed
	lock  sync.RWMutex
}

// NewBloomFilter sizes the filter for n keys at false positive rate p.
func NewBloomFilter[K comparable](n uint, p float64) *BloomFilter[K] {
	if n == 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	// m = -(n * ln(p)) / (ln(2)^2)
	// k = (m / n) * ln(2)
	m := uint32(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	k := uint32(math.Ceil(float64(m) / float64(n) * math.Ln2))
	if m < 64 {
		m = 64
	}

	return &BloomFilter[K]{
		bits:  make([]uint64, (m+63)/64),
		k:     max(k, 1),
		m:     m,
		seed1: maphash.MakeSeed(),
		seed2: maphash.MakeSeed(),
	}
}

func (bf *BloomFilter[K]) hashes(key K) (uint32, uint32) {
	h1 := maphash.Comparable(bf.seed1, key)
	h2 := maphash.Comparable(bf.seed2, key)
	return uint32(h1 % uint64(bf.m)), uint32(h2%uint64(bf.m)) | 1
}

func (bf *BloomFilter[K]) Add(key K) {
	h1, h2 := bf.hashes(key)

	bf.lock.Lock()
	defer bf.lock.Unlock()
	for i := uint32(0); i < bf.k; i++ {
		pos := (h1 + i*h2) % bf.m
		bf.bits[pos/64] |= 1 << (pos % 64)
	}
	bf.count++
}

func (bf *BloomFilter[K]) Contains(key K) bool {
	h1, h2 := bf.hashes(key)

	bf.lock.RLock()
	defer bf.lock.RUnlock()
	for i := uint32(0); i < bf.k; i++ {
		pos := (h1 + i*h2) % bf.m
		if bf.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

func (bf *BloomFilter[K]) Stats() map[string]interface{} {
	bf.lock.RLock()
	defer bf.lock.RUnlock()
	return map[string]interface{}{
		"bloom_bits_size": bf.m,
		"bloom_hashes":    bf.k,
		"bloom_count":     bf.count,
	}
}
