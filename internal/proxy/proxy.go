// Package proxy accepts client connections and routes their file operations
// to per-client session managers over a shared cache.
package proxy

import (
	"context"
	"fmt"
	"os"
	"sync"

	"fsproxy/internal/api"
	"fsproxy/internal/cache"
	"fsproxy/internal/core/logger"
	"fsproxy/internal/core/types"
	"fsproxy/internal/pathmap"
	"fsproxy/internal/rpc"
	"fsproxy/internal/session"
	"fsproxy/internal/transfer"
)

// Front is the proxy daemon: one session manager per connected client, all
// sharing the cache store and the RPC client. Session state is private to
// its client; cross-client coordination happens inside the store.
type Front struct {
	log   *logger.Logger
	cfg   types.ProxyConfig
	store *cache.Store
	rpc   *rpc.Client
	paths *pathmap.Mapper
	api   *api.Server

	mu       sync.RWMutex
	sessions map[string]*session.Manager
	nextID   int
}

type FrontOption func(*Front)

func WithLogger(log *logger.Logger) FrontOption {
	return func(f *Front) {
		f.log = log
	}
}

func WithRPCClient(client *rpc.Client) FrontOption {
	return func(f *Front) {
		f.rpc = client
	}
}

func NewFront(cfg types.ProxyConfig, opts ...FrontOption) *Front {
	f := &Front{
		log:      logger.NewLogger(logger.WithName("proxy")),
		cfg:      cfg,
		paths:    pathmap.NewMapper(cfg.CacheDir),
		sessions: make(map[string]*session.Manager),
	}
	for _, opt := range opts {
		opt(f)
	}

	f.store = cache.NewStore(cfg.CacheSize, cache.WithLogger(f.log))

	if f.rpc == nil {
		f.rpc = rpc.NewClient(cfg.ServerURL,
			rpc.WithClientLogger(f.log),
			rpc.WithLimiter(transfer.NewRateLimiter(cfg.Transfer.RateLimit, cfg.Transfer.RateBurst)),
		)
	}

	f.api = api.NewServer(
		api.WithListen(cfg.Listen),
		api.WithLogger(f.log),
	)

	return f
}

// Run starts the session API and blocks until the context is cancelled.
func (f *Front) Run(ctx context.Context) error {
	if err := os.MkdirAll(f.cfg.CacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir %s: %w", f.cfg.CacheDir, err)
	}

	if err := f.RegisterHandlers(f.api); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	f.log.Info("Proxy ready",
		"server", f.cfg.ServerURL.String(),
		"cache_dir", f.cfg.CacheDir,
		"cache_size", f.cfg.CacheSize,
		"listen", f.cfg.Listen.String())

	return f.api.Run(ctx)
}

// Store exposes the shared cache store, mainly for stats and tests.
func (f *Front) Store() *cache.Store {
	return f.store
}

// NewSession allocates a session manager for a newly connected client.
func (f *Front) NewSession() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := fmt.Sprintf("s-%d", f.nextID)
	f.sessions[id] = session.NewManager(id, f.store, f.rpc, f.paths, session.WithLogger(f.log))

	f.log.Debug("Session created", "session", id)
	return id
}

// Session resolves a session id to its manager.
func (f *Front) Session(id string) (*session.Manager, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	m, ok := f.sessions[id]
	return m, ok
}

// EndSession tears the session down and forgets it.
func (f *Front) EndSession(id string) bool {
	f.mu.Lock()
	m, ok := f.sessions[id]
	delete(f.sessions, id)
	f.mu.Unlock()

	if !ok {
		return false
	}

	if n := m.OpenDescriptors(); n > 0 {
		f.log.Warn("Session ended with open descriptors", "session", id, "open", n)
	}
	m.ClientDone()

	f.log.Debug("Session ended", "session", id)
	return true
}
