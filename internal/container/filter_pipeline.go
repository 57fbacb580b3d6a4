package container

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// FilterID identifies a filter in a filter pipeline message.
type FilterID uint16

// Filter identifiers, the registered HDF5 filter numbers.
const (
	FilterNone       FilterID = 0
	FilterDeflate    FilterID = 1     // DEFLATE compression (zlib framing)
	FilterShuffle    FilterID = 2     // Byte shuffle
	FilterFletcher32 FilterID = 3     // Fletcher32 checksum
	FilterZstd       FilterID = 32015 // Zstandard compression
)

// Filter transforms dataset payloads on their way to and from the image.
// Filters are applied in sequence during write (e.g., Shuffle → Deflate → Fletcher32)
// and reversed during read (Fletcher32 → Deflate → Shuffle).
type Filter interface {
	// ID returns the filter identifier.
	ID() FilterID

	// Name returns a human-readable filter name.
	Name() string

	// Apply applies the filter on the write path.
	Apply(data []byte) ([]byte, error)

	// Remove reverses the filter on the read path.
	Remove(data []byte) ([]byte, error)

	// Encode returns the parameters needed to rebuild the filter from the image.
	Encode() []uint32
}

// FilterSpec is the stored form of a filter: its id and parameters.
type FilterSpec struct {
	ID     FilterID
	Params []uint32
}

// NewFilter rebuilds a filter from its stored form. Parameters are
// validated by the filter itself.
func NewFilter(spec FilterSpec) (Filter, error) {
	var (
		f   Filter
		err error
	)
	switch spec.ID {
	case FilterDeflate:
		f, err = newDeflateFilter(spec.Params)
	case FilterShuffle:
		f, err = newShuffleFilter(spec.Params)
	case FilterFletcher32:
		f, err = newFletcher32Filter(spec.Params)
	case FilterZstd:
		f, err = newZstdFilter(spec.Params)
	default:
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("filter id %d", spec.ID))
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// FilterPipeline manages a chain of filters applied to dataset payloads.
// Filters are applied in sequence on write and reversed on read.
//
// On write: data → Shuffle → Deflate → Fletcher32 → stored.
// On read:  stored → Fletcher32 → Deflate → Shuffle → data.
type FilterPipeline struct {
	filters []Filter
}

// NewFilterPipeline creates an empty filter pipeline.
func NewFilterPipeline() *FilterPipeline {
	return &FilterPipeline{
		filters: make([]Filter, 0),
	}
}

// PipelineFromSpecs rebuilds a pipeline recorded in an image.
func PipelineFromSpecs(specs []FilterSpec) (*FilterPipeline, error) {
	fp := NewFilterPipeline()
	for _, spec := range specs {
		f, err := NewFilter(spec)
		if err != nil {
			return nil, err
		}
		fp.AddFilter(f)
	}
	return fp, nil
}

// AddFilter adds a filter to the end of the pipeline.
func (fp *FilterPipeline) AddFilter(f Filter) {
	fp.filters = append(fp.filters, f)
}

// AddFilterAtStart inserts a filter at the beginning of the pipeline.
// Shuffle belongs in front of any compressor.
func (fp *FilterPipeline) AddFilterAtStart(f Filter) {
	fp.filters = append([]Filter{f}, fp.filters...)
}

// Apply applies all filters in sequence (write path).
func (fp *FilterPipeline) Apply(data []byte) ([]byte, error) {
	result := data
	for _, filter := range fp.filters {
		var err error
		result, err = filter.Apply(result)
		if err != nil {
			return nil, fmt.Errorf("filter %s failed: %w", filter.Name(), err)
		}
	}
	return result, nil
}

// Remove reverses all filters in reverse order (read path).
func (fp *FilterPipeline) Remove(data []byte) ([]byte, error) {
	result := data
	for i := len(fp.filters) - 1; i >= 0; i-- {
		filter := fp.filters[i]
		var err error
		result, err = filter.Remove(result)
		if err != nil {
			return nil, fmt.Errorf("filter %s remove failed: %w", filter.Name(), err)
		}
	}
	return result, nil
}

// RemoveMasked reverses the filters whose bit is clear in mask. A set bit
// means the filter was skipped when the chunk was written.
func (fp *FilterPipeline) RemoveMasked(data []byte, mask uint32) ([]byte, error) {
	result := data
	for i := len(fp.filters) - 1; i >= 0; i-- {
		if i < 32 && mask&(1<<uint(i)) != 0 {
			continue
		}
		filter := fp.filters[i]
		var err error
		result, err = filter.Remove(result)
		if err != nil {
			return nil, fmt.Errorf("filter %s remove failed: %w", filter.Name(), err)
		}
	}
	return result, nil
}

// IsEmpty returns true if the pipeline has no filters.
func (fp *FilterPipeline) IsEmpty() bool {
	return len(fp.filters) == 0
}

// Count returns the number of filters in the pipeline.
func (fp *FilterPipeline) Count() int {
	return len(fp.filters)
}

// Specs returns the stored form of the pipeline.
func (fp *FilterPipeline) Specs() []FilterSpec {
	specs := make([]FilterSpec, 0, len(fp.filters))
	for _, f := range fp.filters {
		specs = append(specs, FilterSpec{ID: f.ID(), Params: f.Encode()})
	}
	return specs
}
