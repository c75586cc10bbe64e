package archive

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IndexConfig sizes the per-file bloom filters.
type IndexConfig struct {
	// Capacity is the expected number of orders per archive file.
	Capacity uint
	// FalsePositiveRate is the target rate at Capacity.
	FalsePositiveRate float64
}

func (c *IndexConfig) setDefaults() {
	if c.Capacity == 0 {
		c.Capacity = 1_000_000
	}
	if c.FalsePositiveRate <= 0 || c.FalsePositiveRate >= 1 {
		c.FalsePositiveRate = 0.001
	}
}

// Index answers whether an order id was archived before. Bloom filters give
// a fast negative; positives are confirmed by rescanning.
type Index struct {
	paths   []string
	filters []*bloom.BloomFilter
}

// Files lists archive files in dir, oldest name first.
func Files(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read archive dir")
	}
	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), FileSuffix) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(paths)
	return paths, nil
}

// BuildIndex builds one bloom filter per archive file, concurrently.
func BuildIndex(ctx context.Context, paths []string, cfg IndexConfig) (*Index, error) {
	cfg.setDefaults()
	idx := &Index{
		paths:   paths,
		filters: make([]*bloom.BloomFilter, len(paths)),
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(cfg.Capacity, cfg.FalsePositiveRate)
			var count int
			if err := scanIDs(ctx, path, func(id string) {
				filter.AddString(id)
				count++
			}); err != nil {
				return errors.Wrapf(err, "index file %d", i+1)
			}
			zctx.From(ctx).Debug("Indexed archive",
				zap.String("path", path),
				zap.Int("orders", count),
			)
			idx.filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return idx, nil
}

// MayContain reports whether id might be in any archive. False means it is
// definitely absent.
func (idx *Index) MayContain(id string) bool {
	for _, f := range idx.filters {
		if f.TestString(id) {
			return true
		}
	}
	return false
}

// Archived returns the subset of ids present in the indexed archives. Only
// bloom hits are confirmed, and only files whose filter matched are scanned.
func (idx *Index) Archived(ctx context.Context, ids []string) (map[string]bool, error) {
	perFile := make([]map[string]bool, len(idx.paths))
	for _, id := range ids {
		for i, f := range idx.filters {
			if !f.TestString(id) {
				continue
			}
			if perFile[i] == nil {
				perFile[i] = map[string]bool{}
			}
			perFile[i][id] = true
		}
	}

	var (
		mu    sync.Mutex
		found = map[string]bool{}
	)
	g, ctx := errgroup.WithContext(ctx)
	for i, candidates := range perFile {
		if len(candidates) == 0 {
			continue
		}
		g.Go(func() error {
			return scanIDs(ctx, idx.paths[i], func(id string) {
				if !candidates[id] {
					return
				}
				mu.Lock()
				found[id] = true
				mu.Unlock()
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "confirm archived ids")
	}
	return found, nil
}
