package common

import (
	"errors"
	"math"
	"sort"
)

// MaxCoord is the largest grid coordinate a 2D Z-code can carry.
const MaxCoord = 0xffff

func Part1By1(n uint32) uint64 {
	x := uint64(n) & 0x0000ffff
	x = (x ^ (x << 8)) & 0x00ff00ff
	x = (x ^ (x << 4)) & 0x0f0f0f0f
	x = (x ^ (x << 2)) & 0x33333333
	x = (x ^ (x << 1)) & 0x55555555
	return x
}

func Compact1By1(x uint64) uint32 {
	x &= 0x55555555
	x = (x ^ (x >> 1)) & 0x33333333
	x = (x ^ (x >> 2)) & 0x0f0f0f0f
	x = (x ^ (x >> 4)) & 0x00ff00ff
	x = (x ^ (x >> 8)) & 0x0000ffff
	return uint32(x)
}

func Encode2D(x, y uint32) (KeyType, error) {
	if x > MaxCoord || y > MaxCoord {
		return 0, errors.New("coordinate out of bounds (max 65535)")
	}
	return KeyType(Part1By1(y)<<1 | Part1By1(x)), nil
}

func Decode2D(code KeyType) (uint32, uint32) {
	k := uint64(code)
	return Compact1By1(k), Compact1By1(k >> 1)
}

type ZRange struct {
	Min KeyType
	Max KeyType
}

// GetZRanges decomposes the cell box [minX,maxX]x[minY,maxY] inside a
// side x side grid (side a power of two) into contiguous Z-code ranges.
func GetZRanges(side, minX, minY, maxX, maxY uint32) ([]ZRange, error) {
	if minX > maxX || minY > maxY {
		return nil, errors.New("invalid bounding box")
	}
	if side == 0 || side&(side-1) != 0 || side-1 > MaxCoord {
		return nil, errors.New("grid side must be a power of two")
	}

	var ranges []ZRange
	decompose(0, 0, side, minX, minY, maxX, maxY, 0, &ranges)
	return mergeRanges(ranges), nil
}

func decompose(cx, cy, w, tx1, ty1, tx2, ty2 uint32, zStart KeyType, acc *[]ZRange) {
	if cx+w <= tx1 || cx > tx2 || cy+w <= ty1 || cy > ty2 {
		return
	}

	if cx >= tx1 && cx+w <= tx2+1 && cy >= ty1 && cy+w <= ty2+1 {
		zSize := KeyType(w) * KeyType(w)
		*acc = append(*acc, ZRange{Min: zStart, Max: zStart + zSize - 1})
		return
	}

	half := w / 2
	step := KeyType(half) * KeyType(half)

	// 00 (x, y)
	decompose(cx, cy, half, tx1, ty1, tx2, ty2, zStart, acc)
	// 01 (x+, y)
	decompose(cx+half, cy, half, tx1, ty1, tx2, ty2, zStart+step, acc)
	// 10 (x, y+)
	decompose(cx, cy+half, half, tx1, ty1, tx2, ty2, zStart+step*2, acc)
	// 11 (x+, y+)
	decompose(cx+half, cy+half, half, tx1, ty1, tx2, ty2, zStart+step*3, acc)
}

func mergeRanges(ranges []ZRange) []ZRange {
	if len(ranges) == 0 {
		return ranges
	}
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Min < ranges[j].Min
	})

	var merged []ZRange
	curr := ranges[0]
	for i := 1; i < len(ranges); i++ {
		next := ranges[i]
		if curr.Max+1 == next.Min {
			curr.Max = next.Max
		} else {
			merged = append(merged, curr)
			curr = next
		}
	}
	merged = append(merged, curr)
	return merged
}

func InRange(code KeyType, minX, minY, maxX, maxY uint32) bool {
	x, y := Decode2D(code)
	return x >= minX && x <= maxX && y >= minY && y <= maxY
}

// City is a lon/lat bounding box cut into a partitions x partitions grid.
// Cells are addressed by Z-code so that nearby cells get nearby keys.
type City struct {
	X1, X2     float64
	Y1, Y2     float64
	Partitions uint32
	side       uint32
}

func NewCity(x1, x2, y1, y2 float64, partitions uint32) (*City, error) {
	if x1 >= x2 || y1 >= y2 {
		return nil, errors.New("invalid city bounds")
	}
	if partitions == 0 || partitions-1 > MaxCoord {
		return nil, errors.New("partitions out of range")
	}
	side := uint32(1)
	for side < partitions {
		side <<= 1
	}
	return &City{X1: x1, X2: x2, Y1: y1, Y2: y2, Partitions: partitions, side: side}, nil
}

func (c *City) cell(v, lo, hi float64) uint32 {
	f := (v - lo) / (hi - lo) * float64(c.Partitions)
	if f < 0 || math.IsNaN(f) {
		return 0
	}
	if f >= float64(c.Partitions) {
		return c.Partitions - 1
	}
	return uint32(f)
}

// Cell returns the grid cell of a location, clamped to the city bounds.
func (c *City) Cell(lon, lat float64) (uint32, uint32) {
	return c.cell(lon, c.X1, c.X2), c.cell(lat, c.Y1, c.Y2)
}

func (c *City) ZCode(lon, lat float64) KeyType {
	x, y := c.Cell(lon, lat)
	code, _ := Encode2D(x, y)
	return code
}

func (c *City) MaxZCode() KeyType {
	code, _ := Encode2D(c.Partitions-1, c.Partitions-1)
	return code
}

// ZRanges returns the key ranges covering a lon/lat box.
func (c *City) ZRanges(lonLow, lonHigh, latLow, latHigh float64) ([]ZRange, error) {
	x1, y1 := c.Cell(lonLow, latLow)
	x2, y2 := c.Cell(lonHigh, latHigh)
	return GetZRanges(c.side, x1, y1, x2, y2)
}
