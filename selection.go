package splash

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/scigolib/splash/internal/container"
)

// Selection picks Count elements, Stride apart, starting at Offset out of a
// memory buffer of extent Size.
type Selection struct {
	Size   Dimensions
	Count  Dimensions
	Offset Dimensions
	Stride Dimensions
}

// NewSelection selects a whole buffer of extent size.
func NewSelection(size Dimensions) Selection {
	return Selection{Size: size, Count: size, Stride: Dimensions{1, 1, 1}}
}

// NewSubSelection selects count contiguous elements at offset of a buffer
// of extent size.
func NewSubSelection(size, count, offset Dimensions) Selection {
	return Selection{Size: size, Count: count, Offset: offset, Stride: Dimensions{1, 1, 1}}
}

func (s Selection) String() string {
	return fmt.Sprintf("{size %v count %v offset %v stride %v}", s.Size, s.Count, s.Offset, s.Stride)
}

// validate checks the selection for data of the given rank. Axes beyond the
// rank must select the single element of an extent of 1.
func (s Selection) validate(rank uint32) error {
	if err := checkRank(rank); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if s.Stride[i] == 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("selection %v: zero stride", s))
		}
		if uint32(i) >= rank {
			if s.Size[i] != 1 || s.Count[i] != 1 || s.Offset[i] != 0 {
				return errors.E(errors.Invalid, fmt.Sprintf("selection %v: axis %d beyond rank %d", s, i, rank))
			}
			continue
		}
		if s.Count[i] > 0 && s.Offset[i]+(s.Count[i]-1)*s.Stride[i] >= s.Size[i] {
			return errors.E(errors.Invalid, fmt.Sprintf("selection %v exceeds its buffer on axis %d", s, i))
		}
	}
	return nil
}

// slab returns the container hyperslab of the selection within its buffer.
func (s Selection) slab(rank uint32) container.Slab {
	return container.Slab{
		Start:  s.Offset.toContainer(rank),
		Count:  s.Count.toContainer(rank),
		Stride: s.Stride.toContainer(rank),
	}
}

// pack copies the selected elements of buf into a new contiguous buffer of
// extent s.Count.
func (s Selection) pack(buf []byte, rank uint32, elem uint64) ([]byte, error) {
	out := make([]byte, s.Count.Scalar()*elem)
	count := s.Count.toContainer(rank)
	err := container.CopySlab(out, count, container.Whole(count), buf, s.Size.toContainer(rank), s.slab(rank), elem)
	if err != nil {
		return nil, err
	}
	return out, nil
}
