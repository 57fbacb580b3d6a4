package splash

import (
	"fmt"

	"github.com/scigolib/splash/internal/container"
)

// Version is the library version recorded in every file header.
const Version = "1.0.0"

// FormatVersion is the file format version recorded in every file header.
const FormatVersion = "1.0"

// DataClass tells how the elements of a block relate to its domain.
type DataClass int32

const (
	// UndefinedClass marks datasets written without domain annotations.
	UndefinedClass DataClass = 0
	// Poly blocks are 1-D element lists whose length is independent of the
	// domain, such as particles inside a spatial box.
	Poly DataClass = 10
	// Grid blocks hold one element per position of their domain.
	Grid DataClass = 20
)

func (c DataClass) String() string {
	switch c {
	case Poly:
		return "POLY"
	case Grid:
		return "GRID"
	case UndefinedClass:
		return "UNDEFINED"
	default:
		return fmt.Sprintf("class(%d)", int32(c))
	}
}

// Datatype describes stored elements. All numeric types are little-endian.
type Datatype = container.Type

// Element types.
var (
	Int8    = container.Int8
	Int16   = container.Int16
	Int32   = container.Int32
	Int64   = container.Int64
	Uint8   = container.Uint8
	Uint16  = container.Uint16
	Uint32  = container.Uint32
	Uint64  = container.Uint64
	Float32 = container.Float32
	Float64 = container.Float64
	Bool    = container.Bool
)

// StringType is a fixed-length string of n bytes.
func StringType(n uint32) Datatype {
	return container.StringType(n)
}

// OpaqueType is an uninterpreted element of n bytes, e.g. a struct.
func OpaqueType(n uint32) Datatype {
	return container.OpaqueType(n)
}

// AccessMode selects how a collector opens its files.
type AccessMode int

const (
	// ReadMode opens the caller's own file for reading.
	ReadMode AccessMode = iota
	// WriteMode opens existing files to add iterations, creating missing ones.
	WriteMode
	// CreateMode creates files, replacing existing ones.
	CreateMode
	// ReadMergedMode reads the files of every writer position as one.
	ReadMergedMode
)

func (m AccessMode) String() string {
	switch m {
	case ReadMode:
		return "read"
	case WriteMode:
		return "write"
	case CreateMode:
		return "create"
	case ReadMergedMode:
		return "read-merged"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m AccessMode) writing() bool {
	return m == WriteMode || m == CreateMode
}

// FileAttr configures Open.
type FileAttr struct {
	Mode AccessMode
	// MPIPosition is the caller's position in the writer grid.
	MPIPosition Dimensions
	// MPISize is the writer grid. Merged reads take it from the files.
	MPISize Dimensions
	// EnableCompression filters new datasets through the compression
	// pipeline.
	EnableCompression bool
}

// NewFileAttr returns the attributes of a single writer creating its file.
func NewFileAttr() FileAttr {
	return FileAttr{Mode: CreateMode, MPISize: Dimensions{1, 1, 1}}
}

// Container layout names.
const (
	groupHeader = "header"
	groupData   = "data"
	groupCustom = "custom"

	attrMaxID       = "max_id"
	attrMPISize     = "mpi_size"
	attrMPIPosition = "mpi_position"
	attrCompression = "compression"
	attrVersion     = "version"
	attrFormat      = "format"

	attrClass       = "_class"
	attrSize        = "_size"
	attrStart       = "_start"
	attrGlobalSize  = "_global_size"
	attrGlobalStart = "_global_start"
	attrElements    = "_elements"
)
