// Package session implements the per-client state machine behind the proxy's
// file operations: open-close sessions with copy-on-write working copies over
// the shared cache store.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"fsproxy/internal/cache"
	"fsproxy/internal/core/logger"
	"fsproxy/internal/core/types"
	"fsproxy/internal/pathmap"
	"fsproxy/internal/rpc"
)

const (
	modeRead      = "r"
	modeReadWrite = "rw"
)

// descriptor is the state of one open file within a session.
type descriptor struct {
	logicalPath string
	mode        string
	cachePath   string
	workPath    string   // writers only
	file        *os.File // nil for directory sentinels
	isDir       bool
	dirty       bool
	size        int64 // writer's working-copy size
}

// Manager owns one client's descriptor table and implements the session
// operations against the shared store and RPC client. Descriptor ids are
// process-unique per session and never recycled. All operations return a
// non-negative result or a negative POSIX code; no error escapes to the shim.
type Manager struct {
	mu    sync.Mutex // serializes operations from one client
	id    string
	log   *logger.Logger
	store *cache.Store
	rpc   *rpc.Client
	paths *pathmap.Mapper

	fds    map[int]*descriptor
	nextFD int
}

type ManagerOption func(*Manager)

func WithLogger(log *logger.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

func NewManager(id string, store *cache.Store, rpcClient *rpc.Client, paths *pathmap.Mapper, opts ...ManagerOption) *Manager {
	m := &Manager{
		id:    id,
		log:   logger.NewLogger(logger.WithName("session")),
		store: store,
		rpc:   rpcClient,
		paths: paths,
		fds:   make(map[int]*descriptor),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// fetchResult carries the outcome of the probe-first fetch sequence.
type fetchResult struct {
	valid     bool
	exists    bool
	isDir     bool
	status    int
	version   int
	cachePath string
	entry     *cache.Entry // nil when the file is absent on the server
}

// Open materializes logical in the cache (or resolves a hit), sets up the
// descriptor state for the granted mode, and returns the descriptor id or a
// negative code. The whole fetch-or-hit sequence runs under the store gate.
func (m *Manager) Open(ctx context.Context, logical string, option types.OpenOption) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !option.Valid() {
		return types.ErrInval
	}

	m.log.Debug("open", "session", m.id, "path", logical, "option", option)

	m.store.Lock()
	defer m.store.Unlock()

	m.store.TouchAll()

	fr, err := m.fetch(ctx, logical, option)
	if err != nil {
		m.log.Error("Fetch failed", "path", logical, "error", err)
		return types.ErrIO
	}
	if !fr.valid {
		m.log.Debug("open rejected", "path", logical, "status", fr.status)
		return fr.status
	}

	fd, err := m.handleFD(fr, logical)
	if err != nil {
		m.log.Error("Failed to set up descriptor", "path", logical, "error", err)
		if fr.entry != nil {
			m.store.Unpin(fr.entry)
		}
		return types.ErrIO
	}

	return fd
}

// fetch resolves logical against the cache: a probe first, then either a hit
// on (logical, version) or a chunk-by-chunk download into a fresh entry.
func (m *Manager) fetch(ctx context.Context, logical string, option types.OpenOption) (*fetchResult, error) {
	probe, err := m.rpc.DownloadChunk(ctx, logical, 0, option, true)
	if err != nil {
		return nil, err
	}

	fr := &fetchResult{
		valid:     probe.Valid,
		exists:    probe.Exists,
		isDir:     probe.IsDir,
		status:    probe.Status,
		version:   probe.Version,
		cachePath: m.paths.VersionedCachePath(logical, probe.Version),
	}

	if !probe.Valid || !probe.Exists || probe.IsDir {
		return fr, nil
	}

	if entry, ok := m.store.Lookup(fr.cachePath); ok {
		m.log.Debug("cache hit", "path", fr.cachePath)
		m.store.Pin(entry)
		fr.entry = entry
		return fr, nil
	}

	entry, err := m.install(ctx, logical, option, fr.cachePath, probe.Version, probe.TotalSize)
	if err != nil {
		return nil, err
	}
	fr.entry = entry
	return fr, nil
}

// install makes room for a new version, supersedes older ones, and streams
// the file from the server into the cache.
func (m *Manager) install(ctx context.Context, logical string, option types.OpenOption, cachePath string, version int, totalSize int64) (*cache.Entry, error) {
	m.store.MakeRoom(totalSize)

	prefix := pathmap.StripVersioning(cachePath)
	m.store.MarkStale(prefix)
	m.store.SweepStale(prefix)

	entry := cache.NewEntry(cachePath, logical, version, totalSize)
	m.store.Install(entry)
	m.store.Pin(entry)

	if err := m.download(ctx, logical, option, cachePath); err != nil {
		m.store.Unpin(entry)
		m.store.Remove(entry)
		return nil, err
	}

	return entry, nil
}

// download drives non-probe chunks in order until the server reports the
// last one, writing each at its chunk offset.
func (m *Manager) download(ctx context.Context, logical string, option types.OpenOption, cachePath string) error {
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return fmt.Errorf("create cache dir for %s: %w", cachePath, err)
	}

	f, err := os.OpenFile(cachePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create cache file %s: %w", cachePath, err)
	}
	defer f.Close()

	for chunk := 0; ; chunk++ {
		res, err := m.rpc.DownloadChunk(ctx, logical, chunk, option, false)
		if err != nil {
			return err
		}
		if !res.Valid || !res.Exists {
			return fmt.Errorf("server state changed while fetching %s (chunk %d)", logical, chunk)
		}

		if len(res.Data) > 0 {
			if _, err := f.WriteAt(res.Data, int64(chunk)*rpc.ChunkSize); err != nil {
				return fmt.Errorf("write chunk %d of %s: %w", chunk, cachePath, err)
			}
		}

		if res.Last {
			return nil
		}
	}
}

// handleFD builds the descriptor for a fetched file: readers open the cached
// version directly, writers get a private working copy, directory opens get
// a handle-less sentinel.
func (m *Manager) handleFD(fr *fetchResult, logical string) (int, error) {
	d := &descriptor{
		logicalPath: logical,
		cachePath:   fr.cachePath,
		isDir:       fr.isDir,
	}

	switch {
	case fr.isDir:
		d.mode = modeRead

	case fr.status == types.ModeRead:
		d.mode = modeRead
		f, err := os.Open(fr.cachePath)
		if err != nil {
			return 0, err
		}
		d.file = f

	default:
		d.mode = modeReadWrite
		d.workPath = m.paths.FreshTempPath(logical, fr.version)

		// Fork the pinned version into the working copy; a file absent on
		// the server (CREATE_NEW path) starts from an empty one.
		if fr.entry != nil {
			size, err := m.copyInto(fr.cachePath, d.workPath)
			if err != nil {
				return 0, err
			}
			d.size = size
		} else if err := os.MkdirAll(filepath.Dir(d.workPath), 0o755); err != nil {
			return 0, err
		}

		f, err := os.OpenFile(d.workPath, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return 0, err
		}
		d.file = f
	}

	fd := m.nextFD
	m.nextFD++
	m.fds[fd] = d

	m.log.Debug("descriptor ready", "session", m.id, "fd", fd, "mode", d.mode, "work", d.workPath)
	return fd, nil
}

// copyInto copies a cached version to a writer's working path, charging the
// copy against the cache budget and evicting first when needed.
func (m *Manager) copyInto(cachePath, workPath string) (int64, error) {
	info, err := os.Stat(cachePath)
	if err != nil {
		return 0, err
	}

	size := info.Size()
	if m.store.IsFull(size) {
		m.store.MakeRoom(size)
	}

	if err := copyFile(cachePath, workPath); err != nil {
		return 0, err
	}
	m.store.AdjustSize(size)

	return size, nil
}

// Read fills buf from the descriptor's current position. EOF reads return 0.
func (m *Manager) Read(fd int, buf []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.fds[fd]
	if !ok {
		return types.ErrBadFd
	}
	if d.file == nil {
		if d.isDir {
			return types.ErrIsDir
		}
		return types.ErrBadFd
	}

	n, err := d.file.Read(buf)
	if err == io.EOF {
		return 0
	}
	if err != nil {
		m.log.Error("Read failed", "fd", fd, "error", err)
		return types.ErrIO
	}
	return n
}

// Write writes buf at the descriptor's current position in the working
// copy, evicting cache entries first when the copy would outgrow the budget.
func (m *Manager) Write(fd int, buf []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.fds[fd]
	if !ok {
		return types.ErrBadFd
	}
	if d.file == nil || d.mode != modeReadWrite {
		return types.ErrBadFd
	}

	if d.size+int64(len(buf)) > m.store.MaxSize() {
		m.log.Debug("Working copy outgrowing budget, evicting", "fd", fd)
		m.store.MakeRoom(int64(len(buf)))
	}

	n, err := d.file.Write(buf)
	if err != nil {
		m.log.Error("Write failed", "fd", fd, "error", err)
		return types.ErrIO
	}

	// Charge any growth of the working copy against the budget so the
	// close-time release stays balanced.
	if pos, err := d.file.Seek(0, io.SeekCurrent); err == nil && pos > d.size {
		m.store.AdjustSize(pos - d.size)
		d.size = pos
	}

	d.dirty = true
	return n
}

// Seek repositions the descriptor. Negative absolute positions and positive
// offsets past the end are rejected with EINVAL.
func (m *Manager) Seek(fd int, offset int64, whence types.Whence) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.fds[fd]
	if !ok {
		return types.ErrBadFd
	}
	if d.file == nil {
		return types.ErrBadFd
	}

	var pos int64
	var err error
	switch whence {
	case types.SeekStart:
		if offset < 0 {
			return types.ErrInval
		}
		pos, err = d.file.Seek(offset, io.SeekStart)
	case types.SeekCurrent:
		pos, err = d.file.Seek(offset, io.SeekCurrent)
	case types.SeekEnd:
		if offset > 0 {
			return types.ErrInval
		}
		pos, err = d.file.Seek(offset, io.SeekEnd)
	default:
		return types.ErrInval
	}

	if err != nil {
		// lseek reports a negative resulting position as EINVAL.
		if errors.Is(err, syscall.EINVAL) {
			return types.ErrInval
		}
		m.log.Error("Seek failed", "fd", fd, "error", err)
		return types.ErrIO
	}
	return pos
}

// Close flushes a dirty writer to the server as a new version, installs that
// version in the cache, releases the pin on the version opened, and drops the
// descriptor. When flushing fails (version lookup, promotion or upload) the
// descriptor and working copy survive so the client can retry; a failure to
// close the handle reports EIO and drops the descriptor.
func (m *Manager) Close(ctx context.Context, fd int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.fds[fd]
	if !ok {
		return types.ErrBadFd
	}

	m.log.Debug("close", "session", m.id, "fd", fd, "path", d.logicalPath)

	m.store.Lock()
	defer m.store.Unlock()

	if d.mode == modeReadWrite && d.dirty {
		if code := m.flush(ctx, d); code != 0 {
			// Working copy and descriptor intact for retry.
			return code
		}
	}

	if d.file != nil {
		if err := d.file.Close(); err != nil {
			m.log.Error("Failed to close handle", "fd", fd, "error", err)
			delete(m.fds, fd)
			return types.ErrIO
		}
	}

	if entry, ok := m.store.Lookup(d.cachePath); ok {
		m.store.Unpin(entry)
		m.store.ResetLRU(entry)
		m.store.SweepStale(pathmap.StripVersioning(d.cachePath))
	}

	delete(m.fds, fd)
	return 0
}

// flush promotes the working copy to the next server version: upload first,
// then install locally and supersede the forked version.
func (m *Manager) flush(ctx context.Context, d *descriptor) int {
	current, err := m.rpc.StatVersion(ctx, d.logicalPath)
	if err != nil {
		m.log.Error("Failed to resolve server version", "path", d.logicalPath, "error", err)
		return types.ErrIO
	}
	newVersion := current + 1

	newCachePath := m.paths.VersionedCachePath(d.logicalPath, newVersion)
	if err := copyFile(d.workPath, newCachePath); err != nil {
		m.log.Error("Failed to promote working copy", "path", d.workPath, "error", err)
		return types.ErrIO
	}

	info, err := os.Stat(newCachePath)
	if err != nil {
		return types.ErrIO
	}
	size := info.Size()

	if err := m.rpc.Upload(ctx, d.logicalPath, newCachePath, newVersion, size); err != nil {
		m.log.Error("Upload failed, keeping working copy for retry",
			"path", d.logicalPath, "version", newVersion, "error", err)
		os.Remove(newCachePath)
		return types.ErrIO
	}

	m.store.MakeRoom(size)

	// Every prior version is superseded; the just-installed one is not.
	m.store.MarkStale(pathmap.StripVersioning(newCachePath))
	entry := cache.NewEntry(newCachePath, d.logicalPath, newVersion, size)
	m.store.Install(entry)

	if err := os.Remove(d.workPath); err != nil && !os.IsNotExist(err) {
		m.log.Error("Failed to delete working copy", "path", d.workPath, "error", err)
	}
	m.store.AdjustSize(-d.size)

	d.dirty = false
	m.log.Info("Flushed new version", "path", d.logicalPath, "version", newVersion, "size", types.Bytes(size))
	return 0
}

// Unlink removes logical on the server. Cached versions are left alone; they
// become sweepable when a later open re-versions the path.
func (m *Manager) Unlink(ctx context.Context, logical string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	exists, err := m.rpc.StatExists(ctx, logical)
	if err != nil {
		return types.ErrIO
	}
	if !exists {
		return types.ErrNoEnt
	}

	isDir, err := m.rpc.StatIsDir(ctx, logical)
	if err != nil {
		return types.ErrIO
	}
	if isDir {
		return types.ErrIsDir
	}

	deleted, err := m.rpc.Delete(ctx, logical)
	if err != nil {
		return types.ErrIO
	}
	if !deleted {
		return types.ErrPerm
	}

	m.log.Debug("unlink", "session", m.id, "path", logical)
	return 0
}

// ClientDone tears down the session: any handle still open is closed and the
// descriptor table dropped. Pins held by unclosed descriptors are not
// released.
func (m *Manager) ClientDone() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for fd, d := range m.fds {
		if d.file != nil {
			if err := d.file.Close(); err != nil {
				m.log.Error("Failed to close handle during teardown", "fd", fd, "error", err)
			}
		}
	}
	m.fds = make(map[int]*descriptor)

	m.log.Debug("session done", "session", m.id)
}

// OpenDescriptors returns the number of live descriptors in the session.
func (m *Manager) OpenDescriptors() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.fds)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
