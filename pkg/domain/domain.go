package domain

import (
	"cmp"
	"fmt"
	"math"
)

// OpenEnd marks a time domain whose end is still moving (the hot tree).
const OpenEnd int64 = math.MaxInt64

// KeyDomain is the closed key interval [Lower, Upper].
type KeyDomain[K cmp.Ordered] struct {
	Lower K `json:"lower"`
	Upper K `json:"upper"`
}

func NewKeyDomain[K cmp.Ordered](lower, upper K) KeyDomain[K] {
	return KeyDomain[K]{Lower: lower, Upper: upper}
}

func (kd KeyDomain[K]) Contains(key K) bool {
	return kd.Lower <= key && key <= kd.Upper
}

// Intersects reports whether [left, right] overlaps the key domain.
// An inverted range never intersects anything.
func (kd KeyDomain[K]) Intersects(left, right K) bool {
	if left > right {
		return false
	}
	return left <= kd.Upper && kd.Lower <= right
}

// Widen returns the smallest key domain covering both kd and key.
func (kd KeyDomain[K]) Widen(key K) (KeyDomain[K], bool) {
	switch {
	case key < kd.Lower:
		return KeyDomain[K]{Lower: key, Upper: kd.Upper}, true
	case key > kd.Upper:
		return KeyDomain[K]{Lower: kd.Lower, Upper: key}, true
	}
	return kd, false
}

func (kd KeyDomain[K]) String() string {
	return fmt.Sprintf("[%v, %v]", kd.Lower, kd.Upper)
}

// TimeDomain is the closed interval [Start, End] in Unix milliseconds.
type TimeDomain struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func NewTimeDomain(start, end int64) TimeDomain {
	return TimeDomain{Start: start, End: end}
}

func (td TimeDomain) Contains(ts int64) bool {
	return td.Start <= ts && ts <= td.End
}

func (td TimeDomain) Intersects(other TimeDomain) bool {
	if other.Start > other.End || td.Start > td.End {
		return false
	}
	return other.Start <= td.End && td.Start <= other.End
}

func (td TimeDomain) Open() bool {
	return td.End == OpenEnd
}

func (td TimeDomain) String() string {
	if td.Open() {
		return fmt.Sprintf("[%d, open)", td.Start)
	}
	return fmt.Sprintf("[%d, %d]", td.Start, td.End)
}

// Domain is the (key range, time range) pair one tree is authoritative for.
type Domain[K cmp.Ordered] struct {
	Key  KeyDomain[K] `json:"key"`
	Time TimeDomain   `json:"time"`
}

func New[K cmp.Ordered](key KeyDomain[K], time TimeDomain) Domain[K] {
	return Domain[K]{Key: key, Time: time}
}

// Intersects reports whether a query over [left, right] and the optional
// time window touches the domain. A nil window matches any time.
func (d Domain[K]) Intersects(left, right K, window *TimeDomain) bool {
	if !d.Key.Intersects(left, right) {
		return false
	}
	if window == nil {
		return true
	}
	return d.Time.Intersects(*window)
}

// Overlaps reports whether two domains share any (key, time) point.
func (d Domain[K]) Overlaps(other Domain[K]) bool {
	return d.Key.Intersects(other.Key.Lower, other.Key.Upper) && d.Time.Intersects(other.Time)
}

func (d Domain[K]) String() string {
	return fmt.Sprintf("Domain{key: %s, time: %s}", d.Key, d.Time)
}
