// Package handles caches open container files of a file series. A series
// is either one file per writer position, one file per iteration, or a
// single explicitly named file. The number of resident files is bounded;
// when a new file has to be opened beyond the bound, the file accessed
// least often is closed first.
package handles

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/scigolib/splash/internal/container"
)

// Scheme selects how file names are derived from an index.
type Scheme int

const (
	// ByPosition names files <base>_<x>_<y>_<z>.h5 after the writer position
	// of the index.
	ByPosition Scheme = iota
	// ByIteration names files <base>_<index>.h5.
	ByIteration
)

// Mode selects how files are opened.
type Mode int

const (
	// ReadOnly opens existing files for reading.
	ReadOnly Mode = iota
	// ReadWrite opens existing files for writing and creates missing ones.
	ReadWrite
	// Truncate creates every file on its first access, replacing an existing
	// one, and behaves like ReadWrite afterwards.
	Truncate
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	case Truncate:
		return "truncate"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Suffix is the file name extension of every container file.
const Suffix = ".h5"

// Callback is invoked with a file and its index when the manager creates,
// opens or is about to close it.
type Callback func(ctx context.Context, f *container.File, index uint64) error

type entry struct {
	file *container.File
	ctr  uint64
}

// Manager is the handle cache. It is not safe for concurrent use.
type Manager struct {
	store      container.Store
	maxHandles int
	scheme     Scheme

	base    string
	grid    [3]uint64
	single  bool
	mode    Mode
	isOpen  bool
	handles map[uint64]*entry
	created map[uint64]bool

	// OnCreate runs after a file was created, OnOpen after an existing file
	// was opened and OnClose before a file is closed.
	OnCreate, OnOpen, OnClose Callback
}

// New returns a manager keeping at most maxHandles files open. Zero means
// no limit.
func New(store container.Store, maxHandles int, scheme Scheme) *Manager {
	if maxHandles <= 0 {
		maxHandles = math.MaxInt
	}
	return &Manager{
		store:      store,
		maxHandles: maxHandles,
		scheme:     scheme,
		grid:       [3]uint64{1, 1, 1},
		single:     true,
	}
}

// Open binds the manager to the series base with writer grid grid. No file
// is touched until the first Get.
func (m *Manager) Open(grid [3]uint64, base string, mode Mode) error {
	if m.isOpen {
		return errors.E(errors.Precondition, "handle manager already open")
	}
	if base == "" {
		return errors.E(errors.Invalid, "empty file name")
	}
	for _, g := range grid {
		if g == 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("invalid writer grid %v", grid))
		}
	}
	m.base, m.grid, m.mode = base, grid, mode
	m.single = false
	m.reset()
	return nil
}

// OpenSingle binds the manager to the single file name, which must carry
// the container suffix.
func (m *Manager) OpenSingle(name string, mode Mode) error {
	if m.isOpen {
		return errors.E(errors.Precondition, "handle manager already open")
	}
	if !strings.HasSuffix(name, Suffix) {
		return errors.E(errors.Invalid, fmt.Sprintf("full file name %q must end in %s", name, Suffix))
	}
	m.base, m.grid, m.mode = name, [3]uint64{1, 1, 1}, mode
	m.single = true
	m.reset()
	return nil
}

func (m *Manager) reset() {
	m.handles = make(map[uint64]*entry)
	m.created = make(map[uint64]bool)
	m.isOpen = true
}

// Grid returns the writer grid of the series.
func (m *Manager) Grid() [3]uint64 {
	return m.grid
}

// Single reports whether the series is one explicitly named file.
func (m *Manager) Single() bool {
	return m.single
}

// Mode returns the access mode.
func (m *Manager) Mode() Mode {
	return m.mode
}

// Store returns the backing store.
func (m *Manager) Store() container.Store {
	return m.store
}

// Resident returns the number of open files.
func (m *Manager) Resident() int {
	return len(m.handles)
}

// Index maps a writer position to its index, x fastest.
func (m *Manager) Index(pos [3]uint64) uint64 {
	return pos[0] + pos[1]*m.grid[0] + pos[2]*m.grid[0]*m.grid[1]
}

// Position maps an index back to a writer position. Iteration-named series
// place every index on the x axis.
func (m *Manager) Position(index uint64) [3]uint64 {
	if m.scheme == ByIteration {
		return [3]uint64{index, 0, 0}
	}
	return [3]uint64{
		index % m.grid[0],
		(index / m.grid[0]) % m.grid[1],
		index / (m.grid[0] * m.grid[1]),
	}
}

// Name returns the file name of index.
func (m *Manager) Name(index uint64) string {
	if m.single {
		return m.base
	}
	if m.scheme == ByIteration {
		return fmt.Sprintf("%s_%d%s", m.base, index, Suffix)
	}
	p := m.Position(index)
	return fmt.Sprintf("%s_%d_%d_%d%s", m.base, p[0], p[1], p[2], Suffix)
}

// GetPos returns the file of a writer position.
func (m *Manager) GetPos(ctx context.Context, pos [3]uint64) (*container.File, error) {
	return m.Get(ctx, m.Index(pos))
}

// Get returns the file of index, opening or creating it on first access.
func (m *Manager) Get(ctx context.Context, index uint64) (*container.File, error) {
	if !m.isOpen {
		return nil, errors.E(errors.Precondition, "handle manager is closed")
	}
	if m.single {
		index = 0
	}
	if e, ok := m.handles[index]; ok {
		e.ctr++
		return e.file, nil
	}
	if len(m.handles)+1 > m.maxHandles {
		m.evict(ctx)
	}

	name := m.Name(index)
	var (
		f       *container.File
		err     error
		created bool
	)
	switch {
	case m.mode == Truncate && !m.created[index]:
		f, err = container.Create(ctx, m.store, name)
		created = true
	case m.mode == ReadOnly:
		f, err = container.Open(ctx, m.store, name, false)
	default:
		f, err = container.Open(ctx, m.store, name, true)
		if err != nil && m.mode != ReadOnly && errors.Is(errors.NotExist, err) {
			f, err = container.Create(ctx, m.store, name)
			created = true
		}
	}
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("get %s", name))
	}
	if created {
		m.created[index] = true
		if m.OnCreate != nil {
			err = m.OnCreate(ctx, f, index)
		}
	} else if m.OnOpen != nil {
		err = m.OnOpen(ctx, f, index)
	}
	if err != nil {
		_ = f.Close(ctx)
		return nil, err
	}
	log.Debug.Printf("handles: opened %s (%s, %d resident)", name, m.mode, len(m.handles)+1)
	m.handles[index] = &entry{file: f, ctr: 1}
	return f, nil
}

// evict closes the file with the fewest accesses. Failures are logged; the
// entry is dropped either way.
func (m *Manager) evict(ctx context.Context) {
	var (
		victim uint64
		least  = uint64(math.MaxUint64)
	)
	for index, e := range m.handles {
		if e.ctr < least || (e.ctr == least && index < victim) {
			victim, least = index, e.ctr
		}
	}
	if err := m.closeEntry(ctx, victim); err != nil {
		log.Error.Printf("handles: evict %s: %v", m.Name(victim), err)
	}
}

func (m *Manager) closeEntry(ctx context.Context, index uint64) error {
	e := m.handles[index]
	delete(m.handles, index)
	var err error
	if m.OnClose != nil {
		err = m.OnClose(ctx, e.file, index)
	}
	if cerr := e.file.Close(ctx); err == nil {
		err = cerr
	}
	log.Debug.Printf("handles: closed %s", m.Name(index))
	return err
}

// Lookup returns the file of index if it is resident. It does not count as
// an access.
func (m *Manager) Lookup(index uint64) (*container.File, bool) {
	if m.single {
		index = 0
	}
	e, ok := m.handles[index]
	if !ok {
		return nil, false
	}
	return e.file, true
}

// Flush runs OnClose on the file of index and writes it to the store,
// keeping it resident. Files that are not resident are already stored.
func (m *Manager) Flush(ctx context.Context, index uint64) error {
	f, ok := m.Lookup(index)
	if !ok {
		return nil
	}
	if m.single {
		index = 0
	}
	if m.OnClose != nil {
		if err := m.OnClose(ctx, f, index); err != nil {
			return err
		}
	}
	return f.Flush(ctx)
}

// Release closes the file of index if it is resident.
func (m *Manager) Release(ctx context.Context, index uint64) error {
	if m.single {
		index = 0
	}
	if _, ok := m.handles[index]; !ok {
		return nil
	}
	return m.closeEntry(ctx, index)
}

// Close closes every resident file and forgets the series. The first error
// is returned after all files were closed.
func (m *Manager) Close(ctx context.Context) error {
	if !m.isOpen {
		return nil
	}
	var first error
	for _, index := range sortedIndices(m.handles) {
		if err := m.closeEntry(ctx, index); err != nil && first == nil {
			first = errors.E(err, fmt.Sprintf("close %s", m.Name(index)))
		}
	}
	m.handles, m.created = nil, nil
	m.base, m.grid, m.single, m.isOpen = "", [3]uint64{1, 1, 1}, true, false
	return first
}

func sortedIndices(m map[uint64]*entry) []uint64 {
	indices := make([]uint64, 0, len(m))
	for index := range m {
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices
}
