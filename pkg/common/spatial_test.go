package common

import "testing"

func TestEncodeDecode2D(t *testing.T) {
	for _, p := range [][2]uint32{{0, 0}, {1, 0}, {0, 1}, {127, 5}, {MaxCoord, MaxCoord}} {
		code, err := Encode2D(p[0], p[1])
		if err != nil {
			t.Fatalf("encode %v: %v", p, err)
		}
		x, y := Decode2D(code)
		if x != p[0] || y != p[1] {
			t.Fatalf("roundtrip %v: got (%d, %d)", p, x, y)
		}
	}
	if _, err := Encode2D(MaxCoord+1, 0); err == nil {
		t.Fatal("expected out of bounds error")
	}
}

func TestZRangesCoverExactlyTheBox(t *testing.T) {
	const side = 16
	minX, minY, maxX, maxY := uint32(3), uint32(2), uint32(9), uint32(12)

	ranges, err := GetZRanges(side, minX, minY, maxX, maxY)
	if err != nil {
		t.Fatalf("GetZRanges: %v", err)
	}
	covered := 0
	for _, r := range ranges {
		for z := r.Min; z <= r.Max; z++ {
			if !InRange(z, minX, minY, maxX, maxY) {
				t.Fatalf("range %+v contains z=%d outside the box", r, z)
			}
			covered++
		}
	}
	if want := int((maxX - minX + 1) * (maxY - minY + 1)); covered != want {
		t.Fatalf("covered %d cells, want %d", covered, want)
	}
	for i := 1; i < len(ranges); i++ {
		if ranges[i-1].Max+1 >= ranges[i].Min {
			t.Fatalf("ranges not merged: %+v then %+v", ranges[i-1], ranges[i])
		}
	}
}

func TestGetZRangesRejectsBadInput(t *testing.T) {
	if _, err := GetZRanges(16, 5, 0, 4, 0); err == nil {
		t.Error("expected error for inverted box")
	}
	if _, err := GetZRanges(12, 0, 0, 1, 1); err == nil {
		t.Error("expected error for non power of two side")
	}
}

func TestCityZCode(t *testing.T) {
	city, err := NewCity(116.0, 117.0, 39.6, 40.6, 128)
	if err != nil {
		t.Fatalf("NewCity: %v", err)
	}
	if got := city.ZCode(116.0, 39.6); got != 0 {
		t.Errorf("south-west corner: got %d", got)
	}
	if got := city.ZCode(117.0, 40.6); got != city.MaxZCode() {
		t.Errorf("north-east corner: got %d, want %d", got, city.MaxZCode())
	}
	if got := city.ZCode(200, -10); got != city.ZCode(117.0, 39.6) {
		t.Errorf("out of bounds locations must clamp, got %d", got)
	}

	ranges, err := city.ZRanges(116.2, 116.4, 39.8, 40.0)
	if err != nil {
		t.Fatalf("ZRanges: %v", err)
	}
	z := city.ZCode(116.3, 39.9)
	found := false
	for _, r := range ranges {
		if r.Min <= z && z <= r.Max {
			found = true
		}
	}
	if !found {
		t.Fatalf("z=%d of a point inside the box not covered by %v", z, ranges)
	}
}
