package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
)

// Cache locates per-package state kept between runs, such as extract
// manifests.
type Cache struct {
	dir string
}

// CacheManager returns a cache rooted at dir, or at ~/.valveres/cache when
// dir is empty.
func CacheManager(dir string) *Cache {
	return &Cache{dir: dir}
}

// GetCacheDir returns the cache root.
func (m *Cache) GetCacheDir() string {
	if m.dir != "" {
		return m.dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".valveres", "cache")
	}
	return filepath.Join(homeDir, ".valveres", "cache")
}

// ManifestPath returns the extract manifest location for a package. The
// absolute package path is hashed so packages with the same name in
// different games do not collide.
func (m *Cache) ManifestPath(packagePath string) string {
	abs, err := filepath.Abs(packagePath)
	if err != nil {
		abs = packagePath
	}
	sum := sha1.Sum([]byte(abs))

	name := strings.TrimSuffix(filepath.Base(packagePath), ".vpk")
	return filepath.Join(m.GetCacheDir(), "manifests", name+"_"+hex.EncodeToString(sum[:4])+".txt")
}
