// Package pathmap translates logical (server-relative) paths into on-disk
// cache paths, including versioned and temp-suffix forms.
package pathmap

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	versionPattern = regexp.MustCompile(`_v\d+`)
	tempPattern    = regexp.MustCompile(`(_tmp)+$`)
)

// Mapper performs pure path translation below a fixed root directory. It does
// no I/O except for the existence probe in FreshTempPath.
type Mapper struct {
	root string
}

func NewMapper(root string) *Mapper {
	return &Mapper{root: root}
}

// ServerPath resolves a logical path below the mapper's root. A single
// leading "../" on either the logical path or the root is preserved and
// re-prepended after normalizing the remainder.
func (m *Mapper) ServerPath(logical string) string {
	return concat(logical, m.root)
}

// VersionedCachePath returns the on-disk path for a specific version of a
// logical path.
func (m *Mapper) VersionedCachePath(logical string, version int) string {
	return fmt.Sprintf("%s_v%d", m.ServerPath(logical), version)
}

// FreshTempPath returns a working-copy path for a writer, picking the
// smallest number of "_tmp" suffixes that does not collide with an existing
// file. Uniqueness holds only relative to on-disk state at call time; callers
// hold the store gate across the create.
func (m *Mapper) FreshTempPath(logical string, version int) string {
	base := m.VersionedCachePath(logical, version)
	path := base + "_tmp"

	for k := 1; exists(path); k++ {
		path = base + strings.Repeat("_tmp", k+1)
	}

	return path
}

// StripVersioning removes any "_v<digits>" segment and trailing "_tmp"
// repetitions from a cache path, recovering the server path.
func StripVersioning(path string) string {
	return tempPattern.ReplaceAllString(versionPattern.ReplaceAllString(path, ""), "")
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// concat joins path below root, keeping at most one leading "../" from
// either side and normalizing the remainder.
func concat(path, root string) string {
	rootHasParent := strings.HasPrefix(root, "../")
	pathHasParent := strings.HasPrefix(path, "../")

	prefix := ""
	if rootHasParent || pathHasParent {
		prefix = "../"
	}

	if pathHasParent {
		path = path[3:]
	}
	if rootHasParent {
		root = root[3:]
	}

	return prefix + filepath.Join(root, filepath.Clean(path))
}
