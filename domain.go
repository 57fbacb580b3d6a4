package splash

import "fmt"

// Domain is an axis-aligned box in a logical lattice.
type Domain struct {
	Offset Dimensions
	Size   Dimensions
}

// NewDomain returns the domain of extent size at offset.
func NewDomain(offset, size Dimensions) Domain {
	return Domain{Offset: offset, Size: size}
}

// Back returns the last position inside the domain. It is meaningless for
// an empty domain.
func (d Domain) Back() Dimensions {
	return d.Offset.Add(d.Size).Sub(Dimensions{1, 1, 1})
}

// Empty reports whether the domain contains no position.
func (d Domain) Empty() bool {
	return d.Size.Scalar() == 0
}

// Intersects reports whether d and o share a position. Empty domains
// intersect nothing.
func (d Domain) Intersects(o Domain) bool {
	return Intersect(d, o)
}

// Intersect reports whether a and b share a position.
func Intersect(a, b Domain) bool {
	if a.Empty() || b.Empty() {
		return false
	}
	ab, bb := a.Back(), b.Back()
	for i := 0; i < 3; i++ {
		if a.Offset[i] > bb[i] || b.Offset[i] > ab[i] {
			return false
		}
	}
	return true
}

// Union returns the smallest domain containing d and o. Empty domains are
// ignored.
func (d Domain) Union(o Domain) Domain {
	switch {
	case d.Empty():
		return o
	case o.Empty():
		return d
	}
	var u Domain
	for i := 0; i < 3; i++ {
		u.Offset[i] = min(d.Offset[i], o.Offset[i])
		u.Size[i] = max(d.Offset[i]+d.Size[i], o.Offset[i]+o.Size[i]) - u.Offset[i]
	}
	return u
}

func (d Domain) String() string {
	return fmt.Sprintf("{offset %v size %v}", d.Offset, d.Size)
}

// within reports whether d holds n positions and lies inside o.
func (d Domain) within(o Domain, n uint64) bool {
	if d.Size.Scalar() != n {
		return false
	}
	if n == 0 {
		return true
	}
	db, ob := d.Back(), o.Back()
	for i := 0; i < 3; i++ {
		if d.Offset[i] < o.Offset[i] || db[i] > ob[i] {
			return false
		}
	}
	return o.Size.Scalar() > 0
}
