// Package ristretto provides an in-process cache for validated
// orchestration packages, keyed by run ID. It spares the hot read paths
// (snapshots, prompts, preview startup) a package row fetch and re-parse.
package ristretto

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Strob0t/Conductor/internal/domain/pack"
)

const defaultTTL = 30 * time.Minute

// PackageCache caches decoded packages for active runs.
type PackageCache struct {
	c *ristretto.Cache[string, *pack.Package]
}

// NewPackageCache creates a cache bounded to maxEntries packages.
func NewPackageCache(maxEntries int64) (*PackageCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, *pack.Package]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &PackageCache{c: c}, nil
}

// Get returns the cached package for the run, if present.
func (pc *PackageCache) Get(runID string) (*pack.Package, bool) {
	return pc.c.Get(runID)
}

// Set stores the run's package. Each entry costs 1 toward the bound.
func (pc *PackageCache) Set(runID string, p *pack.Package) {
	pc.c.SetWithTTL(runID, p, 1, defaultTTL)
}

// Delete evicts the run's package, typically on terminal status.
func (pc *PackageCache) Delete(runID string) {
	pc.c.Del(runID)
}

// Close releases cache resources.
func (pc *PackageCache) Close() {
	pc.c.Close()
}
