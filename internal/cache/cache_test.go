package cache

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManifestPath(t *testing.T) {
	dir := t.TempDir()
	c := CacheManager(dir)
	assert.Equal(t, dir, c.GetCacheDir())

	a := c.ManifestPath("/games/dota/pak01_dir.vpk")
	b := c.ManifestPath("/games/cs2/pak01_dir.vpk")
	assert.NotEqual(t, a, b)
	assert.Equal(t, filepath.Join(dir, "manifests"), filepath.Dir(a))
	assert.True(t, strings.HasPrefix(filepath.Base(a), "pak01_dir_"))
	assert.Equal(t, a, c.ManifestPath("/games/dota/pak01_dir.vpk"))
}

func TestDefaultCacheDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	assert.Equal(t, filepath.Join(home, ".valveres", "cache"), CacheManager("").GetCacheDir())
}
