package splash

// DomainData is one entry of a read result: the data of a domain together
// with its element extent and type. A lazy entry holds a descriptor instead
// of bytes until it is materialized by the collector that read it.
type DomainData struct {
	domain   Domain
	elements Dimensions
	typ      Datatype
	class    DataClass
	data     []byte
	lazy     *lazyRead
}

// lazyRead records how to fetch the bytes of a lazy entry.
type lazyRead struct {
	session   uint64
	id        int32
	pos       Dimensions
	path      string
	dstBuffer Dimensions
	dstOffset Dimensions
	srcSize   Dimensions
	srcOffset Dimensions
}

// Domain returns the domain the data covers.
func (d *DomainData) Domain() Domain {
	return d.domain
}

// Elements returns the extent of the data in elements. For Grid data it
// equals the domain size; Poly data is a 1-D list.
func (d *DomainData) Elements() Dimensions {
	return d.elements
}

// Type returns the element type.
func (d *DomainData) Type() Datatype {
	return d.typ
}

// Class returns the data class of the blocks the entry was read from.
func (d *DomainData) Class() DataClass {
	return d.class
}

// Data returns the element bytes, nil while the entry is lazy.
func (d *DomainData) Data() []byte {
	return d.data
}

// Lazy reports whether the bytes still have to be materialized.
func (d *DomainData) Lazy() bool {
	return d.lazy != nil
}

// DataContainer is the result of a domain read: an ordered list of entries
// and the bounding box of their domains.
type DataContainer struct {
	entries []*DomainData
	bounds  Domain
}

// Add appends an entry.
func (c *DataContainer) Add(d *DomainData) {
	c.entries = append(c.entries, d)
	if len(c.entries) == 1 {
		c.bounds = d.domain
	} else {
		c.bounds = c.bounds.Union(d.domain)
	}
}

// Len returns the number of entries.
func (c *DataContainer) Len() int {
	return len(c.entries)
}

// Index returns entry i.
func (c *DataContainer) Index(i int) *DomainData {
	return c.entries[i]
}

// Entries returns all entries in read order.
func (c *DataContainer) Entries() []*DomainData {
	return c.entries
}

// Bounds returns the union of the entries' domains.
func (c *DataContainer) Bounds() Domain {
	return c.bounds
}

// NumElements returns the number of elements over all entries.
func (c *DataContainer) NumElements() uint64 {
	var n uint64
	for _, d := range c.entries {
		n += d.elements.Scalar()
	}
	return n
}

// Element returns the bytes of element i counted across all entries in
// order, or nil if i is out of range or falls into a lazy entry.
func (c *DataContainer) Element(i uint64) []byte {
	for _, d := range c.entries {
		n := d.elements.Scalar()
		if i >= n {
			i -= n
			continue
		}
		if d.data == nil {
			return nil
		}
		size := uint64(d.typ.Size)
		return d.data[i*size : (i+1)*size]
	}
	return nil
}
