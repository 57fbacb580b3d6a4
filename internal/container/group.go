package container

import (
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
)

// Group is a named node of the container tree holding child groups and
// datasets. Paths are "/"-separated and relative to the group; empty
// elements are ignored so "/a//b" and "a/b" name the same node.
type Group struct {
	attrSet
	name     string
	file     *File
	groups   map[string]*Group
	datasets map[string]*Dataset
}

func newGroup(f *File, name string) *Group {
	return &Group{
		attrSet:  attrSet{file: f},
		name:     name,
		file:     f,
		groups:   make(map[string]*Group),
		datasets: make(map[string]*Dataset),
	}
}

// Name returns the group's name; the root group has an empty name.
func (g *Group) Name() string {
	return g.name
}

func (g *Group) has(name string) bool {
	_, isGroup := g.groups[name]
	_, isDataset := g.datasets[name]
	return isGroup || isDataset
}

func splitPath(path string) []string {
	var elems []string
	for _, e := range strings.Split(path, "/") {
		if e != "" {
			elems = append(elems, e)
		}
	}
	return elems
}

// Group returns the group at path.
func (g *Group) Group(path string) (*Group, error) {
	if err := g.file.readable(); err != nil {
		return nil, err
	}
	cur := g
	for _, e := range splitPath(path) {
		next, ok := cur.groups[e]
		if !ok {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("group %s", path))
		}
		cur = next
	}
	return cur, nil
}

// EnsureGroup returns the group at path, creating missing groups on the way.
func (g *Group) EnsureGroup(path string) (*Group, error) {
	cur := g
	for _, e := range splitPath(path) {
		next, ok := cur.groups[e]
		if !ok {
			var err error
			if next, err = cur.CreateGroup(e); err != nil {
				return nil, err
			}
		}
		cur = next
	}
	return cur, nil
}

// CreateGroup adds a child group.
func (g *Group) CreateGroup(name string) (*Group, error) {
	if err := g.file.mutable(); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	if g.has(name) {
		return nil, errors.E(errors.Exists, fmt.Sprintf("%s already exists", name))
	}
	child := newGroup(g.file, name)
	g.groups[name] = child
	return child, nil
}

// Dataset returns the dataset at path.
func (g *Group) Dataset(path string) (*Dataset, error) {
	elems := splitPath(path)
	if len(elems) == 0 {
		return nil, errors.E(errors.Invalid, "empty dataset path")
	}
	parent, err := g.Group(strings.Join(elems[:len(elems)-1], "/"))
	if err != nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("dataset %s", path))
	}
	d, ok := parent.datasets[elems[len(elems)-1]]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("dataset %s", path))
	}
	return d, nil
}

// HasDataset reports whether a dataset exists at path.
func (g *Group) HasDataset(path string) bool {
	_, err := g.Dataset(path)
	return err == nil
}

// CreateDataset adds a child dataset of extent dims filled with zero bytes.
func (g *Group) CreateDataset(name string, typ Type, dims []uint64, opts ...DatasetOption) (*Dataset, error) {
	if err := g.file.mutable(); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	if g.has(name) {
		return nil, errors.E(errors.Exists, fmt.Sprintf("%s already exists", name))
	}
	d, err := newDataset(g.file, name, typ, dims, opts)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("create dataset %s", name), err)
	}
	g.datasets[name] = d
	return d, nil
}

// Unlink removes the child group or dataset name together with everything
// below it.
func (g *Group) Unlink(name string) error {
	if err := g.file.mutable(); err != nil {
		return err
	}
	if _, ok := g.groups[name]; ok {
		delete(g.groups, name)
		return nil
	}
	if _, ok := g.datasets[name]; ok {
		delete(g.datasets, name)
		return nil
	}
	return errors.E(errors.NotExist, fmt.Sprintf("%s in group %q", name, g.name))
}

// Groups returns the names of the child groups, sorted.
func (g *Group) Groups() []string {
	return sortedKeys(g.groups)
}

// Datasets returns the names of the child datasets, sorted.
func (g *Group) Datasets() []string {
	return sortedKeys(g.datasets)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
