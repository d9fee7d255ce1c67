package batch

import (
	"path"
	"slices"
	"strings"

	"github.com/jchantrell/valveres/internal/vpk"
)

// Filter selects which files a run processes. Empty lists match everything.
type Filter struct {
	// Extensions without the leading dot, e.g. "vmat_c".
	Extensions []string
	// Paths are prefixes such as "panorama/" or a full entry path.
	Paths []string
}

// NewFilter normalizes extension and path lists taken from flags or config.
func NewFilter(extensions, paths []string) Filter {
	var f Filter
	for _, ext := range extensions {
		if ext = strings.TrimPrefix(strings.TrimSpace(ext), "."); ext != "" {
			f.Extensions = append(f.Extensions, ext)
		}
	}
	for _, p := range paths {
		if p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/"); p != "" {
			f.Paths = append(f.Paths, p)
		}
	}
	return f
}

// Match reports whether the file at p passes both lists.
func (f Filter) Match(p string) bool {
	p = strings.ReplaceAll(p, "\\", "/")

	if len(f.Extensions) > 0 {
		ext := strings.TrimPrefix(path.Ext(p), ".")
		if !slices.Contains(f.Extensions, ext) {
			return false
		}
	}
	if len(f.Paths) > 0 {
		return slices.ContainsFunc(f.Paths, func(prefix string) bool {
			return strings.HasPrefix(p, prefix)
		})
	}
	return true
}

// MatchEntry applies the filter to a package entry.
func (f Filter) MatchEntry(e *vpk.Entry) bool {
	return f.Match(e.FullPath())
}
