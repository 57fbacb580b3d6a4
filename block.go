package splash

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/scigolib/splash/internal/container"
)

// iterationGroup returns the group path of iteration id.
func iterationGroup(id int32) string {
	return fmt.Sprintf("%s/%d", groupData, id)
}

// splitDatasetPath splits a user path into its group part and dataset name.
func splitDatasetPath(path string) (dir, name string, err error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", "", errors.E(errors.Invalid, "empty dataset path")
	}
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i], path[i+1:], nil
	}
	return "", path, nil
}

// header is the content of the header group.
type header struct {
	maxID       int32
	mpiSize     Dimensions
	mpiPosition *Dimensions
	compression bool
}

// writeHeader materializes the header and data groups of a new file.
func writeHeader(f *container.File, h header) error {
	g, err := f.Root().EnsureGroup(groupHeader)
	if err != nil {
		return err
	}
	if _, err := f.Root().EnsureGroup(groupData); err != nil {
		return err
	}
	attrs := []container.Attribute{
		container.Int32Attr(attrMaxID, h.maxID),
		container.TripleAttr(attrMPISize, h.mpiSize),
		container.BoolAttr(attrCompression, h.compression),
		container.StringAttr(attrVersion, Version),
		container.StringAttr(attrFormat, FormatVersion),
	}
	if h.mpiPosition != nil {
		attrs = append(attrs, container.TripleAttr(attrMPIPosition, *h.mpiPosition))
	}
	for _, a := range attrs {
		if err := g.SetAttr(a); err != nil {
			return errors.E(err, fmt.Sprintf("write header attribute %s", a.Name))
		}
	}
	return nil
}

// readHeader reads the header group of f. A file without header is not a
// collector file.
func readHeader(f *container.File) (header, error) {
	var h header
	g, err := f.Root().Group(groupHeader)
	if err != nil {
		return h, errors.E(errors.Integrity, fmt.Sprintf("%s has no header", f.Name()), err)
	}
	a, err := g.Attr(attrMaxID)
	if err == nil {
		h.maxID, err = a.Int32()
	}
	if err != nil {
		return h, errors.E(errors.Integrity, fmt.Sprintf("%s: header %s", f.Name(), attrMaxID), err)
	}
	a, err = g.Attr(attrMPISize)
	if err == nil {
		h.mpiSize, err = a.Triple()
	}
	if err != nil {
		return h, errors.E(errors.Integrity, fmt.Sprintf("%s: header %s", f.Name(), attrMPISize), err)
	}
	if a, err := g.Attr(attrMPIPosition); err == nil {
		pos, err := a.Triple()
		if err != nil {
			return h, errors.E(errors.Integrity, fmt.Sprintf("%s: header %s", f.Name(), attrMPIPosition), err)
		}
		h.mpiPosition = (*Dimensions)(&pos)
	}
	if a, err := g.Attr(attrCompression); err == nil {
		if h.compression, err = a.Bool(); err != nil {
			return h, errors.E(errors.Integrity, fmt.Sprintf("%s: header %s", f.Name(), attrCompression), err)
		}
	}
	return h, nil
}

// writeMaxID rewrites the max id of the header.
func writeMaxID(f *container.File, id int32) error {
	g, err := f.Root().Group(groupHeader)
	if err != nil {
		return err
	}
	return g.SetAttr(container.Int32Attr(attrMaxID, id))
}

// entryIDs returns the iterations present in f, ascending.
func entryIDs(f *container.File) ([]int32, error) {
	g, err := f.Root().Group(groupData)
	if err != nil {
		return nil, err
	}
	var ids []int32
	for _, name := range g.Groups() {
		id, err := strconv.ParseInt(name, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, int32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// entries returns the dataset paths of iteration id in f, sorted.
func entries(f *container.File, id int32) ([]string, error) {
	g, err := f.Root().Group(iterationGroup(id))
	if err != nil {
		return nil, err
	}
	var paths []string
	var walk func(g *container.Group, prefix string)
	walk = func(g *container.Group, prefix string) {
		for _, name := range g.Datasets() {
			paths = append(paths, prefix+name)
		}
		for _, name := range g.Groups() {
			child, _ := g.Group(name)
			walk(child, prefix+name+"/")
		}
	}
	walk(g, "")
	sort.Strings(paths)
	return paths, nil
}

// createDataset creates the dataset of iteration id at path, replacing an
// existing one.
func createDataset(f *container.File, id int32, path string, typ Datatype, dims []uint64, opts []container.DatasetOption) (*container.Dataset, error) {
	dir, name, err := splitDatasetPath(path)
	if err != nil {
		return nil, err
	}
	g, err := f.Root().EnsureGroup(iterationGroup(id) + "/" + dir)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("create group for %s", path))
	}
	if g.HasDataset(name) {
		if err := g.Unlink(name); err != nil {
			return nil, err
		}
	}
	d, err := g.CreateDataset(name, typ, dims, opts...)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("create dataset %s", path))
	}
	return d, nil
}

// openDataset returns the dataset of iteration id at path.
func openDataset(f *container.File, id int32, path string) (*container.Dataset, error) {
	if _, _, err := splitDatasetPath(path); err != nil {
		return nil, err
	}
	d, err := f.Root().Dataset(iterationGroup(id) + "/" + strings.Trim(path, "/"))
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("iteration %d", id))
	}
	return d, nil
}

// annotate attaches the domain annotations to a block.
func annotate(d *container.Dataset, class DataClass, local, global Domain) error {
	for _, a := range []container.Attribute{
		container.Int32Attr(attrClass, int32(class)),
		container.TripleAttr(attrSize, local.Size),
		container.TripleAttr(attrStart, local.Offset),
		container.TripleAttr(attrGlobalSize, global.Size),
		container.TripleAttr(attrGlobalStart, global.Offset),
	} {
		if err := d.SetAttr(a); err != nil {
			return errors.E(err, fmt.Sprintf("write attribute %s", a.Name))
		}
	}
	return nil
}

// blockInfo is what a reader learns about a block from its annotations.
type blockInfo struct {
	class    DataClass
	local    Domain
	global   Domain
	elements Dimensions
	rank     uint32
	typ      Datatype
	sentinel bool
}

func readTriple(d *container.Dataset, name string) (Dimensions, error) {
	a, err := d.Attr(name)
	if err != nil {
		return Dimensions{}, err
	}
	return a.Triple()
}

// readBlockInfo reads the annotations and extent of a block.
func readBlockInfo(d *container.Dataset, path string) (blockInfo, error) {
	var info blockInfo
	dims := d.Dims()
	if len(dims) < 1 || len(dims) > 3 {
		return info, errors.E(errors.Invalid, fmt.Sprintf("%s: rank %d outside 1..3", path, len(dims)))
	}
	info.rank = uint32(len(dims)) //nolint:gosec // G115: checked above
	info.elements = fromContainer(dims)
	info.typ = d.Type()

	a, err := d.Attr(attrClass)
	if err != nil {
		return info, errors.E(err, path)
	}
	class, err := a.Int32()
	if err != nil {
		return info, errors.E(err, path)
	}
	info.class = DataClass(class)
	for _, v := range []struct {
		name string
		dst  *Dimensions
	}{
		{attrSize, &info.local.Size},
		{attrStart, &info.local.Offset},
		{attrGlobalSize, &info.global.Size},
		{attrGlobalStart, &info.global.Offset},
	} {
		if *v.dst, err = readTriple(d, v.name); err != nil {
			return info, errors.E(err, path)
		}
	}

	switch info.class {
	case Grid:
		if info.local.Size == (Dimensions{}) && info.elements.Scalar() == 1 {
			info.sentinel = true
			break
		}
		if info.elements.Scalar() != info.local.Size.Scalar() {
			return info, errors.E(errors.Invalid, fmt.Sprintf("%s: grid block of %v elements has local size %v",
				path, info.elements, info.local.Size))
		}
	case Poly:
	default:
		return info, errors.E(errors.Invalid, fmt.Sprintf("%s: unknown data class %d", path, class))
	}
	return info, nil
}

// readGridSlab copies the box (srcOffset, srcSize) of a grid block into dst,
// a buffer of extent dstSize, at dstOffset. Axes beyond the block's rank
// select a single plane of dst.
func readGridSlab(ctx context.Context, d *container.Dataset, info blockInfo,
	srcOffset, srcSize Dimensions, dst []byte, dstSize, dstOffset Dimensions) error {
	rank := info.rank
	elem := uint64(info.typ.Size)

	// Fold the planes selected on axes >= rank into a byte offset of dst.
	var base, pitch uint64 = 0, elem
	for i := uint32(0); i < 3; i++ {
		if i >= rank {
			base += dstOffset[i] * pitch
		}
		pitch *= dstSize[i]
	}
	var planeSize = Dimensions{1, 1, 1}
	copy(planeSize[:rank], dstSize[:rank])
	planeBytes := planeSize.Scalar() * elem

	fileSel := container.Box(srcOffset.toContainer(rank), srcSize.toContainer(rank))
	dstSel := container.Box(dstOffset.toContainer(rank), srcSize.toContainer(rank))
	return d.ReadSlab(ctx, fileSel, dst[base:base+planeBytes], planeSize.toContainer(rank), dstSel)
}

// userAttr builds an attribute of len(data)/typ.Size elements of typ.
func userAttr(name string, typ Datatype, data []byte) (container.Attribute, error) {
	if !typ.Valid() {
		return container.Attribute{}, errors.E(errors.Invalid, fmt.Sprintf("attribute %s: invalid type %s", name, typ))
	}
	size := uint64(typ.Size)
	if len(data) == 0 || uint64(len(data))%size != 0 {
		return container.Attribute{}, errors.E(errors.Invalid,
			fmt.Sprintf("attribute %s: %d bytes are no whole number of %s elements", name, len(data), typ))
	}
	a := container.Attribute{Name: name, Type: typ, Data: data}
	if n := uint64(len(data)) / size; n > 1 {
		a.Dims = []uint64{n}
	}
	return a, nil
}

type attrHolder interface {
	SetAttr(a container.Attribute) error
	Attr(name string) (container.Attribute, error)
}

// attrTarget returns the holder of user attributes for path in iteration
// id: the iteration group itself for an empty path, else the dataset or
// group at path.
func attrTarget(f *container.File, id int32, path string, create bool) (attrHolder, error) {
	group := iterationGroup(id)
	path = strings.Trim(path, "/")
	if path == "" {
		if create {
			return f.Root().EnsureGroup(group)
		}
		return f.Root().Group(group)
	}
	full := group + "/" + path
	if f.Root().HasDataset(full) {
		return f.Root().Dataset(full)
	}
	g, err := f.Root().Group(full)
	if err != nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("iteration %d has no dataset or group %s", id, path))
	}
	return g, nil
}

// globalAttrTarget returns the group holding file-wide user attributes.
func globalAttrTarget(f *container.File, create bool) (attrHolder, error) {
	if create {
		return f.Root().EnsureGroup(groupCustom)
	}
	return f.Root().Group(groupCustom)
}

// readElements returns the number of valid elements of a block: the
// appended count for Poly blocks, the extent volume otherwise.
func readElements(d *container.Dataset) (uint64, error) {
	if a, err := d.Attr(attrElements); err == nil {
		return a.Uint64()
	}
	return fromContainer(d.Dims()).Scalar(), nil
}

// unlinkDataset removes the dataset of iteration id at path.
func unlinkDataset(f *container.File, id int32, path string) error {
	dir, name, err := splitDatasetPath(path)
	if err != nil {
		return err
	}
	g, err := f.Root().Group(iterationGroup(id) + "/" + dir)
	if err != nil {
		return errors.E(errors.NotExist, fmt.Sprintf("iteration %d has no dataset %s", id, path))
	}
	if !g.HasDataset(name) {
		return errors.E(errors.NotExist, fmt.Sprintf("iteration %d has no dataset %s", id, path))
	}
	return g.Unlink(name)
}

// unlinkIteration removes iteration id and everything below it.
func unlinkIteration(f *container.File, id int32) error {
	g, err := f.Root().Group(groupData)
	if err != nil {
		return err
	}
	name := strconv.Itoa(int(id))
	for _, child := range g.Groups() {
		if child == name {
			return g.Unlink(name)
		}
	}
	return errors.E(errors.NotExist, fmt.Sprintf("no iteration %d", id))
}
