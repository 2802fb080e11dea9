// Package server implements the archive server: the HTTP protocol surface,
// bearer authentication, per-source write serialization and the retention
// loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"rammingen-go/internal/logging"
	"rammingen-go/internal/proto"
	"rammingen-go/internal/server/content"
	"rammingen-go/internal/server/meta"
)

// sourcesCacheInterval bounds how long a revoked token keeps working.
const sourcesCacheInterval = 10 * time.Second

// Server ties the metadata store and the content store to the HTTP surface.
type Server struct {
	cfg    *Config
	store  *meta.Store
	blobs  content.Store
	logger logging.Logger
	clock  func() time.Time

	sourcesMu        sync.Mutex
	sources          map[string]proto.SourceInfo
	sourcesUpdatedAt time.Time

	// writeLocks serializes AddVersion/Move/Remove/Reset per source.
	writeLocksMu sync.Mutex
	writeLocks   map[proto.SourceID]*sync.Mutex

	// gcMu ensures a single retention cycle at a time.
	gcMu sync.Mutex
}

// New creates a Server over an open metadata store and content store.
func New(cfg *Config, store *meta.Store, blobs content.Store, logger logging.Logger) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		blobs:      blobs,
		logger:     logger,
		clock:      time.Now,
		sources:    map[string]proto.SourceInfo{},
		writeLocks: map[proto.SourceID]*sync.Mutex{},
	}
}

// Run serves until ctx is cancelled, with the retention loop on its own
// goroutine.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.BindAddr, err)
	}
	s.logger.Info("listening", "addr", s.cfg.BindAddr)

	retentionCtx, cancelRetention := context.WithCancel(ctx)
	defer cancelRetention()
	go s.retentionLoop(retentionCtx)

	httpServer := &http.Server{Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the HTTP handler, exported for tests.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	source, err := s.authenticate(r)
	if err != nil {
		s.logger.Warn("auth error", "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if hex, ok := strings.CutPrefix(r.URL.Path, proto.ContentPrefix); ok {
		hash, err := proto.ContentHashFromHex(hex)
		if err != nil {
			http.Error(w, "invalid content hash", http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodPut:
			s.handleUpload(w, r, hash)
		case http.MethodGet:
			s.handleDownload(w, r, hash)
		default:
			http.NotFound(w, r)
		}
		return
	}

	op, ok := strings.CutPrefix(r.URL.Path, proto.APIPrefix)
	if !ok || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	s.handleAPI(w, r, source, op)
}

func (s *Server) authenticate(r *http.Request) (proto.SourceInfo, error) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return proto.SourceInfo{}, fmt.Errorf("missing bearer token")
	}

	s.sourcesMu.Lock()
	defer s.sourcesMu.Unlock()
	// Drop the cache periodically so token revocation takes effect.
	if s.clock().Sub(s.sourcesUpdatedAt) > sourcesCacheInterval {
		s.sources = map[string]proto.SourceInfo{}
		s.sourcesUpdatedAt = s.clock()
	}
	if info, ok := s.sources[token]; ok {
		return info, nil
	}
	info, err := s.store.SourceByToken(r.Context(), token)
	if err != nil {
		return proto.SourceInfo{}, err
	}
	s.sources[token] = info
	return info, nil
}

func (s *Server) writeLock(id proto.SourceID) *sync.Mutex {
	s.writeLocksMu.Lock()
	defer s.writeLocksMu.Unlock()
	mu, ok := s.writeLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.writeLocks[id] = mu
	}
	return mu
}
