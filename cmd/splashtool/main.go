// Package main provides a command-line utility to inspect and maintain
// splash series.
//
// Usage:
//
//	splashtool [flags] list <base>
//	splashtool [flags] verify <base>
//	splashtool [flags] -id N [-path P] delete <base>
//
// The base names either a single file ("run.h5") or, with -merged, the
// files of a whole writer grid ("run" for run_0_0_0.h5 and its siblings).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/scigolib/splash"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

var (
	storeFlag  = flag.String("store", ".", "Directory or bucket URL (e.g. file:///scratch/run1) holding the series")
	mergedFlag = flag.Bool("merged", false, "Treat base as the prefix of a writer grid")
	idFlag     = flag.Int("id", -1, "Iteration to act on; -1 selects all (list, verify)")
	pathFlag   = flag.String("path", "", "Dataset to delete instead of the whole iteration")
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: splashtool [flags] list|verify|delete <base>")
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) != 2 {
		usage()
		os.Exit(2)
	}
	ctx := context.Background()
	store, closeStore, err := openStore(ctx, *storeFlag)
	if err != nil {
		log.Fatalf("open store %s: %v", *storeFlag, err)
	}
	defer closeStore()

	cmd, base := args[0], args[1]
	switch cmd {
	case "list":
		err = list(ctx, store, base)
	case "verify":
		err = verify(ctx, store, base)
	case "delete":
		err = remove(ctx, store, base)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s %s: %v", cmd, base, err)
	}
}

func openStore(ctx context.Context, spec string) (splash.Store, func(), error) {
	if !strings.Contains(spec, "://") {
		return splash.NewFileStore(spec), func() {}, nil
	}
	s, err := splash.OpenBucketStore(ctx, spec)
	if err != nil {
		return nil, nil, err
	}
	return s, func() {
		if err := s.Close(); err != nil {
			log.Error.Printf("close store: %v", err)
		}
	}, nil
}

func readAttr() splash.FileAttr {
	attr := splash.FileAttr{Mode: splash.ReadMode, MPISize: splash.Dims(1, 1, 1)}
	if *mergedFlag {
		attr.Mode = splash.ReadMergedMode
	}
	return attr
}

func openCollector(ctx context.Context, store splash.Store, base string, attr splash.FileAttr) (*splash.DomainCollector, error) {
	c := splash.NewDomainCollector(splash.WithStore(store))
	if err := c.Open(ctx, base, attr); err != nil {
		return nil, err
	}
	return c, nil
}

func closeCollector(ctx context.Context, c *splash.DomainCollector) {
	if err := c.Close(ctx); err != nil {
		log.Error.Printf("close: %v", err)
	}
}

// selectIDs returns the iterations named by -id.
func selectIDs(ctx context.Context, c *splash.DomainCollector) ([]int32, error) {
	if *idFlag >= 0 {
		return []int32{int32(*idFlag)}, nil //nolint:gosec // G115: command-line iteration
	}
	return c.EntryIDs(ctx)
}

func list(ctx context.Context, store splash.Store, base string) error {
	c, err := openCollector(ctx, store, base, readAttr())
	if err != nil {
		return err
	}
	defer closeCollector(ctx, c)

	fmt.Printf("%s: grid %v, max id %d\n", base, c.MPISize(), c.MaxID())
	ids, err := selectIDs(ctx, c)
	if err != nil {
		return err
	}
	for _, id := range ids {
		names, err := c.EntriesForID(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("iteration %d\n", id)
		for _, name := range names {
			total, err := c.TotalDomain(ctx, id, name)
			switch {
			case errors.Is(errors.NotExist, err):
				fmt.Printf("  %s\n", name)
			case err != nil:
				return err
			default:
				fmt.Printf("  %s %v\n", name, total)
			}
		}
	}
	return nil
}

// verify reads every annotated dataset in full and checks that the blocks
// found by discovery account for all stored elements. Iterations are
// checked concurrently, each through a collector of its own.
func verify(ctx context.Context, store splash.Store, base string) error {
	c, err := openCollector(ctx, store, base, readAttr())
	if err != nil {
		return err
	}
	ids, err := selectIDs(ctx, c)
	closeCollector(ctx, c)
	if err != nil {
		return err
	}
	return traverse.Each(len(ids), func(i int) error {
		return verifyID(ctx, store, base, ids[i])
	})
}

func verifyID(ctx context.Context, store splash.Store, base string, id int32) error {
	c, err := openCollector(ctx, store, base, readAttr())
	if err != nil {
		return err
	}
	defer closeCollector(ctx, c)

	names, err := c.EntriesForID(ctx, id)
	if err != nil {
		return err
	}
	for _, name := range names {
		total, err := c.TotalDomain(ctx, id, name)
		if errors.Is(errors.NotExist, err) {
			log.Debug.Printf("iteration %d: %s carries no domain", id, name)
			continue
		}
		if err != nil {
			return err
		}
		want, err := c.TotalElements(ctx, id, name)
		if err != nil {
			return err
		}
		dc, err := c.ReadDomain(ctx, id, name, total, false)
		if err != nil {
			return err
		}
		if got := dc.NumElements(); got != want {
			return errors.E(errors.Integrity,
				fmt.Sprintf("iteration %d: %s: read %d of %d elements", id, name, got, want))
		}
		log.Printf("iteration %d: %s ok (%d elements in %d entries)", id, name, want, dc.Len())
	}
	return nil
}

// remove deletes an iteration, or one dataset of it, from every file of the
// series.
func remove(ctx context.Context, store splash.Store, base string) error {
	if *idFlag < 0 {
		return errors.E(errors.Invalid, "delete requires -id")
	}
	id := int32(*idFlag) //nolint:gosec // G115: command-line iteration
	grid := splash.Dims(1, 1, 1)
	if *mergedFlag {
		c, err := openCollector(ctx, store, base, readAttr())
		if err != nil {
			return err
		}
		grid = c.MPISize()
		closeCollector(ctx, c)
	}
	for z := uint64(0); z < grid[2]; z++ {
		for y := uint64(0); y < grid[1]; y++ {
			for x := uint64(0); x < grid[0]; x++ {
				attr := splash.FileAttr{Mode: splash.WriteMode, MPIPosition: splash.Dims(x, y, z), MPISize: grid}
				if err := removeFrom(ctx, store, base, attr, id); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func removeFrom(ctx context.Context, store splash.Store, base string, attr splash.FileAttr, id int32) (err error) {
	c, err := openCollector(ctx, store, base, attr)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(ctx); err == nil {
			err = cerr
		}
	}()
	if *pathFlag != "" {
		err = c.RemoveDataset(ctx, id, *pathFlag)
	} else {
		err = c.Remove(ctx, id)
	}
	if err == nil {
		log.Printf("writer %v: removed iteration %d %s", attr.MPIPosition, id, *pathFlag)
	}
	return err
}
