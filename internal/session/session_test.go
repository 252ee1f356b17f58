package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"fsproxy/internal/api"
	"fsproxy/internal/cache"
	"fsproxy/internal/core/types"
	"fsproxy/internal/pathmap"
	"fsproxy/internal/rpc"
	"fsproxy/internal/server"
	"fsproxy/internal/transport"
)

// muxRegistrar collects routes into a plain ServeMux for httptest.
type muxRegistrar struct {
	mux *http.ServeMux
}

func (r muxRegistrar) RegisterHandler(route api.Route) error {
	r.mux.HandleFunc(route.String(), route.Handler)
	return nil
}

// countingTransport tallies download RPCs, split into probes and data chunks.
type countingTransport struct {
	base http.RoundTripper

	mu     sync.Mutex
	probes int
	chunks int
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Path == rpc.RouteDownload && req.Body != nil {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(body))

		var dr rpc.DownloadRequest
		if json.Unmarshal(body, &dr) == nil {
			c.mu.Lock()
			if dr.Probe {
				c.probes++
			} else {
				c.chunks++
			}
			c.mu.Unlock()
		}
	}
	return c.base.RoundTrip(req)
}

func (c *countingTransport) counts() (probes, chunks int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probes, c.chunks
}

// env wires a real file server (over httptest), a store and a path mapper
// into session managers the tests drive directly.
type env struct {
	t        *testing.T
	rootDir  string
	cacheDir string
	store    *cache.Store
	rpc      *rpc.Client
	paths    *pathmap.Mapper
	counter  *countingTransport
}

func newTestEnv(t *testing.T, maxSize int64) *env {
	t.Helper()

	rootDir, err := os.MkdirTemp("", "fsproxy-session-root-*")
	if err != nil {
		t.Fatalf("Failed to create root dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(rootDir) })

	cacheDir, err := os.MkdirTemp("", "fsproxy-session-cache-*")
	if err != nil {
		t.Fatalf("Failed to create cache dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(cacheDir) })

	listen, _ := url.Parse("http://127.0.0.1:0")
	srv := server.NewServer(types.ServerConfig{Listen: listen, RootDir: rootDir})

	mux := http.NewServeMux()
	if err := srv.RegisterHandlers(muxRegistrar{mux}); err != nil {
		t.Fatalf("Failed to register server handlers: %v", err)
	}
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	counter := &countingTransport{base: http.DefaultTransport}
	base, _ := url.Parse(ts.URL)
	client := rpc.NewClient(base, rpc.WithTransfer(
		transport.NewHTTPTransfer(transport.HTTPWithClient(&http.Client{Transport: counter})),
	))

	return &env{
		t:        t,
		rootDir:  rootDir,
		cacheDir: cacheDir,
		store:    cache.NewStore(types.Bytes(maxSize)),
		rpc:      client,
		paths:    pathmap.NewMapper(cacheDir),
		counter:  counter,
	}
}

func (e *env) newManager(id string) *Manager {
	return NewManager(id, e.store, e.rpc, e.paths)
}

func (e *env) serverFile(logical string, data []byte) {
	e.t.Helper()
	path := filepath.Join(e.rootDir, logical)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		e.t.Fatalf("Failed to create server dirs: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.t.Fatalf("Failed to write server file: %v", err)
	}
}

func (e *env) serverContent(logical string) []byte {
	e.t.Helper()
	data, err := os.ReadFile(filepath.Join(e.rootDir, logical))
	if err != nil {
		e.t.Fatalf("Failed to read server file: %v", err)
	}
	return data
}

func patternData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}

func readAll(t *testing.T, m *Manager, fd, total int) []byte {
	t.Helper()
	out := make([]byte, 0, total)
	buf := make([]byte, 64*1024)
	for {
		n := m.Read(fd, buf)
		if n < 0 {
			t.Fatalf("read returned code %d", n)
		}
		if n == 0 {
			return out
		}
		out = append(out, buf[:n]...)
	}
}

func TestColdReadThenCacheHit(t *testing.T) {
	e := newTestEnv(t, 1024*1024)
	content := patternData(100 * 1024)
	e.serverFile("a.txt", content)

	ctx := context.Background()
	m := e.newManager("c1")

	fd := m.Open(ctx, "a.txt", types.OpenRead)
	if fd < 0 {
		t.Fatalf("open failed with code %d", fd)
	}

	got := readAll(t, m, fd, len(content))
	if !bytes.Equal(got, content) {
		t.Fatalf("read back %d bytes, mismatch with server content", len(got))
	}

	if res := m.Close(ctx, fd); res != 0 {
		t.Fatalf("close returned %d", res)
	}

	cachePath := e.paths.VersionedCachePath("a.txt", 0)
	entry, ok := e.store.Lookup(cachePath)
	if !ok {
		t.Fatalf("no cache entry for %s", cachePath)
	}
	if entry.Size != int64(len(content)) || entry.RefCount() != 0 {
		t.Fatalf("entry size=%d ref=%d, want size=%d ref=0", entry.Size, entry.RefCount(), len(content))
	}

	probes, chunks := e.counter.counts()
	if probes != 1 || chunks != 1 {
		t.Fatalf("cold read used %d probes and %d chunks, want 1 and 1", probes, chunks)
	}

	// A second client's open resolves against the cached version with the
	// probe alone: no data chunks move.
	m2 := e.newManager("c2")
	fd2 := m2.Open(ctx, "a.txt", types.OpenRead)
	if fd2 < 0 {
		t.Fatalf("cache-hit open failed with code %d", fd2)
	}
	if entry.RefCount() != 1 {
		t.Fatalf("entry not pinned during second open")
	}
	if res := m2.Close(ctx, fd2); res != 0 {
		t.Fatalf("close returned %d", res)
	}
	if entry.LRUTick() != 0 {
		t.Fatalf("close did not refresh recency")
	}

	probes, chunks = e.counter.counts()
	if probes != 2 || chunks != 1 {
		t.Fatalf("cache hit used %d probes and %d chunks, want 2 and 1", probes, chunks)
	}
}

func TestWriteCloseUploadsNewVersion(t *testing.T) {
	e := newTestEnv(t, 1024*1024)
	e.serverFile("a.txt", patternData(100*1024))

	ctx := context.Background()

	// Seed the cache with v0 so the supersede path is exercised.
	reader := e.newManager("r")
	fd := reader.Open(ctx, "a.txt", types.OpenRead)
	if fd < 0 {
		t.Fatalf("seed open failed: %d", fd)
	}
	if res := reader.Close(ctx, fd); res != 0 {
		t.Fatalf("seed close failed: %d", res)
	}

	writer := e.newManager("w")
	fd = writer.Open(ctx, "a.txt", types.OpenWrite)
	if fd < 0 {
		t.Fatalf("open for write failed: %d", fd)
	}

	payload := bytes.Repeat([]byte{0xAA}, 50*1024)
	if n := writer.Write(fd, payload); n != len(payload) {
		t.Fatalf("write returned %d, want %d", n, len(payload))
	}
	if res := writer.Close(ctx, fd); res != 0 {
		t.Fatalf("close returned %d", res)
	}

	// The working copy was forked from v0, so the new version is the old
	// content with its first 50 KiB overwritten.
	want := append(append([]byte{}, payload...), patternData(100 * 1024)[50*1024:]...)
	if got := e.serverContent("a.txt"); !bytes.Equal(got, want) {
		t.Fatalf("server content mismatch: got %d bytes", len(got))
	}
	version, err := e.rpc.StatVersion(ctx, "a.txt")
	if err != nil || version != 1 {
		t.Fatalf("server version = %d (err %v), want 1", version, err)
	}

	// Cache side: v1 installed fresh, superseded v0 swept.
	v1 := e.paths.VersionedCachePath("a.txt", 1)
	entry, ok := e.store.Lookup(v1)
	if !ok {
		t.Fatalf("no cache entry for new version")
	}
	if entry.Stale() {
		t.Fatalf("new version marked stale")
	}
	if _, ok := e.store.Lookup(e.paths.VersionedCachePath("a.txt", 0)); ok {
		t.Fatalf("superseded version survived the close sweep")
	}

	// No working copies left behind.
	work := e.paths.VersionedCachePath("a.txt", 0) + "_tmp"
	if _, err := os.Stat(work); !os.IsNotExist(err) {
		t.Fatalf("working copy not deleted")
	}
}

func TestWriterVisibilityToReader(t *testing.T) {
	e := newTestEnv(t, 1024*1024)
	e.serverFile("doc.txt", []byte("original"))

	ctx := context.Background()

	w := e.newManager("w")
	fd := w.Open(ctx, "doc.txt", types.OpenWrite)
	if fd < 0 {
		t.Fatalf("open failed: %d", fd)
	}
	if n := w.Write(fd, []byte("rewritten")); n != 9 {
		t.Fatalf("write returned %d", n)
	}

	// Session semantics: the update is invisible until close.
	r := e.newManager("r")
	rfd := r.Open(ctx, "doc.txt", types.OpenRead)
	if got := readAll(t, r, rfd, 16); !bytes.Equal(got, []byte("original")) {
		t.Fatalf("reader saw writer's uncommitted data: %q", got)
	}
	r.Close(ctx, rfd)

	if res := w.Close(ctx, fd); res != 0 {
		t.Fatalf("close failed: %d", res)
	}

	rfd = r.Open(ctx, "doc.txt", types.OpenRead)
	if rfd < 0 {
		t.Fatalf("reopen failed: %d", rfd)
	}
	if got := readAll(t, r, rfd, 16); !bytes.Equal(got, []byte("rewritten")) {
		t.Fatalf("reader did not see committed data: %q", got)
	}
	r.Close(ctx, rfd)
}

func TestConcurrentWritersLastWriterWins(t *testing.T) {
	e := newTestEnv(t, 1024*1024)
	e.serverFile("b.txt", []byte("0"))

	ctx := context.Background()
	c1 := e.newManager("c1")
	c2 := e.newManager("c2")

	fd1 := c1.Open(ctx, "b.txt", types.OpenWrite)
	fd2 := c2.Open(ctx, "b.txt", types.OpenWrite)
	if fd1 < 0 || fd2 < 0 {
		t.Fatalf("opens failed: %d %d", fd1, fd2)
	}

	if n := c1.Write(fd1, []byte("X")); n != 1 {
		t.Fatalf("c1 write returned %d", n)
	}
	if n := c2.Write(fd2, []byte("Y")); n != 1 {
		t.Fatalf("c2 write returned %d", n)
	}

	if res := c1.Close(ctx, fd1); res != 0 {
		t.Fatalf("c1 close failed: %d", res)
	}
	version, _ := e.rpc.StatVersion(ctx, "b.txt")
	if version != 1 {
		t.Fatalf("after first close version = %d, want 1", version)
	}

	if res := c2.Close(ctx, fd2); res != 0 {
		t.Fatalf("c2 close failed: %d", res)
	}
	version, _ = e.rpc.StatVersion(ctx, "b.txt")
	if version != 2 {
		t.Fatalf("after second close version = %d, want 2", version)
	}

	if got := e.serverContent("b.txt"); !bytes.Equal(got, []byte("Y")) {
		t.Fatalf("final content %q, want %q", got, "Y")
	}

	// Both superseded versions are swept once the last writer is gone.
	if _, ok := e.store.Lookup(e.paths.VersionedCachePath("b.txt", 0)); ok {
		t.Fatalf("v0 survived the final sweep")
	}
	if _, ok := e.store.Lookup(e.paths.VersionedCachePath("b.txt", 1)); ok {
		t.Fatalf("v1 survived the final sweep")
	}
	if _, ok := e.store.Lookup(e.paths.VersionedCachePath("b.txt", 2)); !ok {
		t.Fatalf("v2 missing from the store")
	}
}

func TestEvictionUnderPin(t *testing.T) {
	e := newTestEnv(t, 300*1024)
	e.serverFile("f1", patternData(200*1024))
	e.serverFile("f2", patternData(200*1024))
	e.serverFile("f3", patternData(200*1024))

	ctx := context.Background()
	m := e.newManager("c1")

	fd1 := m.Open(ctx, "f1", types.OpenRead)
	if fd1 < 0 {
		t.Fatalf("open f1 failed: %d", fd1)
	}

	// f1 is pinned, so caching f2 leaves the store over budget, not an error.
	m2 := e.newManager("c2")
	fd2 := m2.Open(ctx, "f2", types.OpenRead)
	if fd2 < 0 {
		t.Fatalf("open f2 failed: %d", fd2)
	}
	if _, ok := e.store.Lookup(e.paths.VersionedCachePath("f1", 0)); !ok {
		t.Fatalf("pinned f1 was evicted")
	}
	if e.store.CurrentSize() != 400*1024 {
		t.Fatalf("store size = %d, want over-budget 400KiB", e.store.CurrentSize())
	}

	// Once f1 is released it is the oldest unpinned entry and goes first.
	if res := m.Close(ctx, fd1); res != 0 {
		t.Fatalf("close f1 failed: %d", res)
	}
	fd3 := m.Open(ctx, "f3", types.OpenRead)
	if fd3 < 0 {
		t.Fatalf("open f3 failed: %d", fd3)
	}
	if _, ok := e.store.Lookup(e.paths.VersionedCachePath("f1", 0)); ok {
		t.Fatalf("released f1 survived eviction")
	}
	if _, ok := e.store.Lookup(e.paths.VersionedCachePath("f3", 0)); !ok {
		t.Fatalf("f3 missing from store")
	}

	m2.Close(ctx, fd2)
	m.Close(ctx, fd3)
}

func TestOpenDirectorySentinel(t *testing.T) {
	e := newTestEnv(t, 1024*1024)
	if err := os.MkdirAll(filepath.Join(e.rootDir, "sub"), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	ctx := context.Background()
	m := e.newManager("c1")

	fd := m.Open(ctx, "sub", types.OpenRead)
	if fd < 0 {
		t.Fatalf("directory open failed: %d", fd)
	}

	buf := make([]byte, 16)
	if res := m.Read(fd, buf); res != types.ErrIsDir {
		t.Fatalf("read on directory returned %d, want EISDIR", res)
	}
	if res := m.Write(fd, []byte("x")); res != types.ErrBadFd {
		t.Fatalf("write on directory returned %d, want EBADF", res)
	}
	if res := m.Close(ctx, fd); res != 0 {
		t.Fatalf("close returned %d", res)
	}
}

func TestUnlinkThenOpen(t *testing.T) {
	e := newTestEnv(t, 1024*1024)
	e.serverFile("g.txt", []byte("data"))
	if err := os.MkdirAll(filepath.Join(e.rootDir, "d"), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	ctx := context.Background()
	m := e.newManager("c1")

	if res := m.Unlink(ctx, "g.txt"); res != 0 {
		t.Fatalf("unlink returned %d", res)
	}
	if res := m.Open(ctx, "g.txt", types.OpenRead); res != types.ErrNoEnt {
		t.Fatalf("open after unlink returned %d, want ENOENT", res)
	}
	if res := m.Unlink(ctx, "g.txt"); res != types.ErrNoEnt {
		t.Fatalf("second unlink returned %d, want ENOENT", res)
	}
	if res := m.Unlink(ctx, "d"); res != types.ErrIsDir {
		t.Fatalf("unlink of directory returned %d, want EISDIR", res)
	}
}

func TestSeekValidation(t *testing.T) {
	e := newTestEnv(t, 1024*1024)
	content := []byte("0123456789")
	e.serverFile("s.txt", content)

	ctx := context.Background()
	m := e.newManager("c1")
	fd := m.Open(ctx, "s.txt", types.OpenRead)
	if fd < 0 {
		t.Fatalf("open failed: %d", fd)
	}
	defer m.Close(ctx, fd)

	if res := m.Seek(fd, -5, types.SeekStart); res != types.ErrInval {
		t.Fatalf("negative absolute seek returned %d, want EINVAL", res)
	}
	if res := m.Seek(fd, 1, types.SeekEnd); res != types.ErrInval {
		t.Fatalf("past-end seek returned %d, want EINVAL", res)
	}
	if res := m.Seek(fd, 0, types.SeekEnd); res != int64(len(content)) {
		t.Fatalf("seek to end returned %d, want %d", res, len(content))
	}
	if res := m.Seek(fd, -4, types.SeekEnd); res != 6 {
		t.Fatalf("seek from end returned %d, want 6", res)
	}

	buf := make([]byte, 4)
	if n := m.Read(fd, buf); n != 4 || !bytes.Equal(buf, []byte("6789")) {
		t.Fatalf("read after seek: n=%d buf=%q", n, buf)
	}

	if res := m.Seek(fd, 2, types.SeekStart); res != 2 {
		t.Fatalf("absolute seek returned %d, want 2", res)
	}
	if res := m.Seek(fd, 3, types.SeekCurrent); res != 5 {
		t.Fatalf("relative seek returned %d, want 5", res)
	}
	if res := m.Seek(fd, 0, "sideways"); res != types.ErrInval {
		t.Fatalf("bogus whence returned %d, want EINVAL", res)
	}
}

func TestCreateNewSemantics(t *testing.T) {
	e := newTestEnv(t, 1024*1024)
	e.serverFile("exists.txt", []byte("x"))

	ctx := context.Background()
	m := e.newManager("c1")

	if res := m.Open(ctx, "exists.txt", types.OpenCreateNew); res != types.ErrExist {
		t.Fatalf("create_new on existing file returned %d, want EEXIST", res)
	}

	fd := m.Open(ctx, "fresh.txt", types.OpenCreateNew)
	if fd < 0 {
		t.Fatalf("create_new failed: %d", fd)
	}
	if n := m.Write(fd, []byte("hello")); n != 5 {
		t.Fatalf("write returned %d", n)
	}
	if res := m.Close(ctx, fd); res != 0 {
		t.Fatalf("close returned %d", res)
	}

	if got := e.serverContent("fresh.txt"); !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("server content %q, want %q", got, "hello")
	}
	// A file the server never saw starts from stat version -1, so the first
	// committed version is 0.
	version, _ := e.rpc.StatVersion(ctx, "fresh.txt")
	if version != 0 {
		t.Fatalf("version = %d, want 0", version)
	}
}

func TestDescriptorValidation(t *testing.T) {
	e := newTestEnv(t, 1024*1024)
	e.serverFile("a.txt", []byte("abc"))

	ctx := context.Background()
	m := e.newManager("c1")

	buf := make([]byte, 4)
	if res := m.Read(99, buf); res != types.ErrBadFd {
		t.Fatalf("read on bogus fd returned %d, want EBADF", res)
	}
	if res := m.Close(ctx, 99); res != types.ErrBadFd {
		t.Fatalf("close on bogus fd returned %d, want EBADF", res)
	}

	fd := m.Open(ctx, "a.txt", types.OpenRead)
	if fd < 0 {
		t.Fatalf("open failed: %d", fd)
	}
	if res := m.Write(fd, []byte("x")); res != types.ErrBadFd {
		t.Fatalf("write on read-only fd returned %d, want EBADF", res)
	}
	m.Close(ctx, fd)

	if res := m.Open(ctx, "a.txt", "sideways"); res != types.ErrInval {
		t.Fatalf("open with bogus option returned %d, want EINVAL", res)
	}
}

func TestOpenOutsideRootRejected(t *testing.T) {
	e := newTestEnv(t, 1024*1024)

	ctx := context.Background()
	m := e.newManager("c1")

	if res := m.Open(ctx, "../../etc/passwd", types.OpenRead); res != types.ErrPerm {
		t.Fatalf("escape open returned %d, want EPERM", res)
	}
}

func TestClientDoneClosesHandles(t *testing.T) {
	e := newTestEnv(t, 1024*1024)
	e.serverFile("a.txt", []byte("abc"))

	ctx := context.Background()
	m := e.newManager("c1")

	fd := m.Open(ctx, "a.txt", types.OpenRead)
	if fd < 0 {
		t.Fatalf("open failed: %d", fd)
	}

	m.ClientDone()
	if m.OpenDescriptors() != 0 {
		t.Fatalf("descriptors survived teardown")
	}

	// Teardown without close leaves the pin in place.
	entry, ok := e.store.Lookup(e.paths.VersionedCachePath("a.txt", 0))
	if !ok || entry.RefCount() != 1 {
		t.Fatalf("teardown changed pin state")
	}
}

func TestDescriptorIDsNotRecycled(t *testing.T) {
	e := newTestEnv(t, 1024*1024)
	e.serverFile("a.txt", []byte("abc"))

	ctx := context.Background()
	m := e.newManager("c1")

	fd1 := m.Open(ctx, "a.txt", types.OpenRead)
	m.Close(ctx, fd1)
	fd2 := m.Open(ctx, "a.txt", types.OpenRead)
	m.Close(ctx, fd2)

	if fd2 <= fd1 {
		t.Fatalf("descriptor ids recycled: %d then %d", fd1, fd2)
	}
}
