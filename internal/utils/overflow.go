package utils

import (
	"fmt"
	"math"
)

// CheckMultiplyOverflow checks if multiplying two uint64 values would overflow.
func CheckMultiplyOverflow(a, b uint64) error {
	if a == 0 || b == 0 {
		return nil
	}

	if a > math.MaxUint64/b {
		return fmt.Errorf("multiplication overflow: %d * %d exceeds uint64 max", a, b)
	}

	return nil
}

// SafeMultiply multiplies two uint64 values and returns the result if no overflow occurs.
func SafeMultiply(a, b uint64) (uint64, error) {
	if err := CheckMultiplyOverflow(a, b); err != nil {
		return 0, err
	}
	return a * b, nil
}

// ExtentBytes returns the byte size of an extent of the given element size.
// An empty dims slice describes a scalar.
func ExtentBytes(dims []uint64, elementSize uint64) (uint64, error) {
	if elementSize == 0 {
		return 0, fmt.Errorf("element size cannot be zero")
	}

	size := uint64(1)
	for i, dim := range dims {
		if dim > 0 && size > math.MaxUint64/dim {
			return 0, fmt.Errorf("extent overflow at dimension %d: dimensions too large", i)
		}
		size *= dim
	}

	if size > math.MaxUint64/elementSize {
		return 0, fmt.Errorf("extent overflow: total size too large (elements: %d, elem size: %d)", size, elementSize)
	}

	return size * elementSize, nil
}

// Limits applied to written and decoded images. An attribute and its name
// must fit in one object header message of at most 64KiB.
const (
	// MaxAttributeSize limits attribute payloads.
	MaxAttributeSize = 60 * 1024

	// MaxNameLength limits group, dataset and attribute names.
	MaxNameLength = 1024

	// MaxRank is the highest dataset rank a container accepts.
	MaxRank = 32
)

// ValidateBufferSize validates that a buffer size is within reasonable limits.
func ValidateBufferSize(size, maxSize uint64, description string) error {
	if size > maxSize {
		return fmt.Errorf("%s: size %d exceeds maximum %d", description, size, maxSize)
	}
	return nil
}

// ValidateSlabBounds checks that start + (count-1)*stride stays inside dims on
// every axis. Axes with a zero count select nothing and are always valid.
func ValidateSlabBounds(start, count, stride, dims []uint64) error {
	if len(start) != len(dims) || len(count) != len(dims) || len(stride) != len(dims) {
		return fmt.Errorf("hyperslab dimension mismatch: start=%d, count=%d, stride=%d, dims=%d",
			len(start), len(count), len(stride), len(dims))
	}

	for i := range start {
		if count[i] == 0 {
			continue
		}
		if stride[i] == 0 {
			return fmt.Errorf("hyperslab stride must be > 0 at dimension %d", i)
		}

		maxIndex, err := SafeMultiply(count[i]-1, stride[i])
		if err != nil {
			return fmt.Errorf("hyperslab stride overflow at dimension %d: %w", i, err)
		}

		endIndex := start[i] + maxIndex
		if endIndex < start[i] || endIndex >= dims[i] {
			return fmt.Errorf("hyperslab selection exceeds bounds at dimension %d: start=%d, count=%d, stride=%d, dim_size=%d",
				i, start[i], count[i], stride[i], dims[i])
		}
	}

	return nil
}

// SlabElements returns the number of elements selected by count.
func SlabElements(count []uint64) (uint64, error) {
	total := uint64(1)
	for i, c := range count {
		if err := CheckMultiplyOverflow(total, c); err != nil {
			return 0, fmt.Errorf("hyperslab element overflow at dimension %d: %w", i, err)
		}
		total *= c
	}
	return total, nil
}
