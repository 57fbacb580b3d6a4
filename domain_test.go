package splash

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainIntersect(t *testing.T) {
	a := NewDomain(Dims(0, 0, 0), Dims(10, 10, 1))
	tests := []struct {
		name string
		b    Domain
		want bool
	}{
		{"inside", NewDomain(Dims(2, 2, 0), Dims(3, 3, 1)), true},
		{"corner", NewDomain(Dims(9, 9, 0), Dims(5, 5, 1)), true},
		{"touching", NewDomain(Dims(10, 0, 0), Dims(5, 5, 1)), false},
		{"other plane", NewDomain(Dims(0, 0, 1), Dims(5, 5, 1)), false},
		{"empty", NewDomain(Dims(2, 2, 0), Dims(0, 3, 1)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Intersect(a, tt.b))
			assert.Equal(t, tt.want, tt.b.Intersects(a))
		})
	}
}

func TestDomainIntersectSymmetric(t *testing.T) {
	fz := fuzz.New().Funcs(func(d *Dimensions, c fuzz.Continue) {
		for i := range d {
			d[i] = uint64(c.Intn(8))
		}
	})
	for i := 0; i < 500; i++ {
		var a, b Domain
		fz.Fuzz(&a)
		fz.Fuzz(&b)
		require.Equal(t, Intersect(a, b), Intersect(b, a), "%v %v", a, b)
		if !a.Empty() {
			require.True(t, Intersect(a, a), "%v", a)
		}
	}
}

func TestDomainUnion(t *testing.T) {
	a := NewDomain(Dims(0, 0, 0), Dims(2, 2, 1))
	b := NewDomain(Dims(4, 1, 0), Dims(2, 3, 1))
	assert.Equal(t, NewDomain(Dims(0, 0, 0), Dims(6, 4, 1)), a.Union(b))
	assert.Equal(t, a, a.Union(Domain{}))
	assert.Equal(t, b, Domain{}.Union(b))
	assert.Equal(t, Dims(1, 1, 0), a.Back())
	assert.True(t, Domain{}.Empty())
}
