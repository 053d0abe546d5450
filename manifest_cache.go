// manifest_cache.go: LRU cache of parsed manifests keyed by path and file stamp
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cachedManifest struct {
	modTime  time.Time
	size     int64
	manifest *PluginManifest
}

// manifestCache avoids re-parsing unchanged manifests across repeated
// discovery scans. A changed modification time or size invalidates an entry.
type manifestCache struct {
	entries *lru.Cache[string, cachedManifest]
}

func newManifestCache(size int) (*manifestCache, error) {
	if size <= 0 {
		return &manifestCache{}, nil
	}
	c, err := lru.New[string, cachedManifest](size)
	if err != nil {
		return nil, err
	}
	return &manifestCache{entries: c}, nil
}

// load returns a private copy of the manifest at path.
func (c *manifestCache) load(path string) (*PluginManifest, error) {
	if c.entries == nil {
		return LoadManifest(path)
	}

	key := filepath.Clean(path)
	info, err := os.Stat(key)
	if err != nil {
		return nil, NewManifestLoadError(path, err)
	}
	if hit, ok := c.entries.Get(key); ok && hit.modTime.Equal(info.ModTime()) && hit.size == info.Size() {
		return hit.manifest.Clone(), nil
	}

	m, err := LoadManifest(key)
	if err != nil {
		c.entries.Remove(key)
		return nil, err
	}
	c.entries.Add(key, cachedManifest{modTime: info.ModTime(), size: info.Size(), manifest: m.Clone()})
	return m, nil
}

func (c *manifestCache) len() int {
	if c.entries == nil {
		return 0
	}
	return c.entries.Len()
}
