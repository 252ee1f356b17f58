// Package server implements the remote file service: a rootdir-scoped store
// of versioned files exposed over the chunk RPC API.
package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"fsproxy/internal/api"
	"fsproxy/internal/core/logger"
	"fsproxy/internal/core/types"
	"fsproxy/internal/pathmap"
)

// Server owns the served directory tree and the per-file version map.
// Versions are authoritative here: a file that has never been uploaded has no
// map entry and reads as version 0; entries are written when an upload's last
// chunk lands.
type Server struct {
	log   *logger.Logger
	cfg   types.ServerConfig
	paths *pathmap.Mapper

	mu       sync.RWMutex
	versions map[string]int // server path -> version

	api *api.Server
}

type ServerOption func(*Server)

func WithLogger(log *logger.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

func NewServer(cfg types.ServerConfig, opts ...ServerOption) *Server {
	s := &Server{
		log:      logger.NewLogger(logger.WithName("server")),
		cfg:      cfg,
		paths:    pathmap.NewMapper(cfg.RootDir),
		versions: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.api = api.NewServer(
		api.WithListen(cfg.Listen),
		api.WithLogger(s.log),
	)

	return s
}

// Run registers the RPC handlers and serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.RootDir, 0o755); err != nil {
		return fmt.Errorf("create root dir %s: %w", s.cfg.RootDir, err)
	}

	if err := s.RegisterHandlers(s.api); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	s.log.Info("Serving files", "root", s.cfg.RootDir, "listen", s.cfg.Listen.String())
	return s.api.Run(ctx)
}

// version returns the recorded version for a server path; files that have
// never been uploaded are at version 0. Callers hold mu.
func (s *Server) version(serverPath string) int {
	return s.versions[serverPath]
}

// statVersion reports the version for an existing file, or -1 when absent.
func (s *Server) statVersion(serverPath string) int {
	if !fileExists(serverPath) {
		return -1
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.versions[serverPath]; ok {
		return v
	}
	return 0
}

// inRootDir rejects any resolved path that escapes the served tree.
func (s *Server) inRootDir(serverPath string) bool {
	root, err := filepath.Abs(s.cfg.RootDir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(serverPath)
	if err != nil {
		return false
	}
	return abs == root || strings.HasPrefix(abs, root+string(filepath.Separator))
}

// processOpen validates an open request against the local file state and
// returns the granted mode or a negative error code.
func (s *Server) processOpen(logical string, option types.OpenOption) int {
	serverPath := s.paths.ServerPath(logical)

	if !s.inRootDir(serverPath) {
		s.log.Warn("Blocked access outside root dir", "path", logical)
		return types.ErrPerm
	}

	info, err := os.Stat(serverPath)
	exists := err == nil

	switch option {
	case types.OpenRead:
		if !exists {
			return types.ErrNoEnt
		}
		if !canRead(serverPath, info.IsDir()) {
			return types.ErrAccess
		}
		return types.ModeRead

	case types.OpenWrite:
		if !exists {
			return types.ErrNoEnt
		}
		if info.IsDir() {
			return types.ErrIsDir
		}
		if !canWrite(serverPath) {
			return types.ErrAccess
		}
		return types.ModeReadWrite

	case types.OpenCreate:
		if exists && info.IsDir() {
			return types.ErrIsDir
		}
		if !exists {
			if err := createEmpty(serverPath); err != nil {
				s.log.Error("Failed to create file", "path", serverPath, "error", err)
				return types.ErrInval
			}
		}
		return types.ModeReadWrite

	case types.OpenCreateNew:
		if exists {
			return types.ErrExist
		}
		return types.ModeReadWrite

	default:
		return types.ErrInval
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func canRead(path string, isDir bool) bool {
	if isDir {
		f, err := os.Open(path)
		if err != nil {
			return false
		}
		f.Close()
		return true
	}
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

func canWrite(path string) bool {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

func createEmpty(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// readChunk reads size bytes at offset from the served file.
func readChunk(serverPath string, offset, size int64) ([]byte, error) {
	f, err := os.Open(serverPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data := make([]byte, size)
	if size == 0 {
		return data, nil
	}
	if _, err := f.ReadAt(data, offset); err != nil {
		return nil, err
	}
	return data, nil
}

// writeChunk writes data at offset, truncating first when this is the start
// of a new upload so a shorter version never keeps the old tail.
func writeChunk(serverPath string, data []byte, offset int64) error {
	if err := os.MkdirAll(filepath.Dir(serverPath), 0o755); err != nil {
		return err
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(serverPath, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if len(data) == 0 {
		return nil
	}
	_, err = f.WriteAt(data, offset)
	return err
}
