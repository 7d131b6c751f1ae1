package structure

import "testing"

func TestBloomNoFalseNegatives(t *testing.T) {
	bf := NewBloomFilter[int64](1000, 0.01)
	for k := int64(0); k < 1000; k++ {
		bf.Add(k * 3)
	}
	for k := int64(0); k < 1000; k++ {
		if !bf.Contains(k * 3) {
			t.Fatalf("key %d added but reported absent", k*3)
		}
	}
}

func TestBloomFalsePositiveRate(t *testing.T) {
	bf := NewBloomFilter[int64](1000, 0.01)
	for k := int64(0); k < 1000; k++ {
		bf.Add(k)
	}
	fp := 0
	for k := int64(1_000_000); k < 1_010_000; k++ {
		if bf.Contains(k) {
			fp++
		}
	}
	// 1% target; allow generous slack
	if fp > 500 {
		t.Fatalf("false positive rate too high: %d of 10000", fp)
	}
}

func TestBloomStringKeys(t *testing.T) {
	bf := NewBloomFilter[string](10, 0.01)
	bf.Add("taxi-7")
	if !bf.Contains("taxi-7") {
		t.Fatal("string key lost")
	}
	stats := bf.Stats()
	if stats["bloom_count"].(uint64) != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}
}
