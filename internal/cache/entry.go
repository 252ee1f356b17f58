package cache

// Entry is the metadata record for one cached file version. The cache path is
// unique and always carries the version suffix; the logical path is the
// server-relative identifier shared by all versions of the same file.
type Entry struct {
	CachePath   string
	LogicalPath string
	Version     int
	Size        int64

	refCount int
	lruTick  int
	stale    bool
}

func NewEntry(cachePath, logicalPath string, version int, size int64) *Entry {
	return &Entry{
		CachePath:   cachePath,
		LogicalPath: logicalPath,
		Version:     version,
		Size:        size,
	}
}

// RefCount returns the number of open descriptors holding this version.
func (e *Entry) RefCount() int {
	return e.refCount
}

// LRUTick returns the entry's logical age; higher means longer since last use.
func (e *Entry) LRUTick() int {
	return e.lruTick
}

// Stale reports whether the entry has been superseded by a newer version.
func (e *Entry) Stale() bool {
	return e.stale
}

// evictsBefore reports whether e is a better eviction candidate than other:
// unpinned entries come first, then higher LRU ticks.
func (e *Entry) evictsBefore(other *Entry) bool {
	if (e.refCount == 0) != (other.refCount == 0) {
		return e.refCount == 0
	}
	return e.lruTick > other.lruTick
}
