// Package server implements the TCP front end: the accept loop, the
// per-connection session state machine, and command dispatch into the
// catalog and the document engines.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/axonops/axonops-docstore/internal/audit"
	"github.com/axonops/axonops-docstore/internal/catalog"
	"github.com/axonops/axonops-docstore/internal/dberr"
	"github.com/axonops/axonops-docstore/internal/engine"
	"github.com/axonops/axonops-docstore/internal/metrics"
)

// Server accepts connections and shares one catalog and one engine per
// database across all sessions.
type Server struct {
	catalog *catalog.Catalog
	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   *audit.Logger

	mu      sync.Mutex
	engines map[string]*engine.Engine
	conns   map[net.Conn]struct{}
	closed  bool

	listener net.Listener
	wg       sync.WaitGroup
}

// New builds a server. metrics and audit may be nil.
func New(cat *catalog.Catalog, logger *slog.Logger, m *metrics.Metrics, aud *audit.Logger) *Server {
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		catalog: cat,
		logger:  logger,
		metrics: m,
		audit:   aud,
		engines: make(map[string]*engine.Engine),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start binds the endpoint from the catalog and launches the accept
// loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.catalog.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.catalog.Addr(), err)
	}
	s.listener = ln
	s.metrics.SetReady(true)
	s.metrics.DatabasesKnown.Set(float64(len(s.catalog.Databases())))
	s.logger.Info("server listening",
		slog.String("address", ln.Addr().String()),
		slog.Int("databases", len(s.catalog.Databases())),
	)

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound address. Valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.metrics.SessionsTotal.Inc()
		s.metrics.SessionsActive.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.metrics.SessionsActive.Dec()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			newSession(s, conn).run()
		}()
	}
}

// Shutdown stops accepting, closes active connections, waits for the
// handlers, and flushes every engine to disk.
func (s *Server) Shutdown(ctx context.Context) error {
	s.metrics.SetReady(false)
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.SetDeadline(time.Now())
	}
	s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for name, eng := range s.engines {
		if err := eng.Commit(); err != nil {
			s.logger.Error("flush failed",
				slog.String("database", name),
				slog.String("error", err.Error()),
			)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// engineFor returns the shared engine of a registered database,
// opening it on first use.
func (s *Server) engineFor(dbname string) (*engine.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if eng, ok := s.engines[dbname]; ok {
		return eng, nil
	}
	var filename string
	for _, db := range s.catalog.Databases() {
		if db.Name == dbname {
			filename = db.Filename
			break
		}
	}
	if filename == "" {
		return nil, dberr.New(dberr.KindDatabaseNotFound, "database : %s not found.", dbname)
	}
	eng, err := engine.New(s.catalog.DatabasePath(filename), false)
	if err != nil {
		return nil, err
	}
	if err := eng.ForceLoad(); err != nil {
		return nil, err
	}
	s.engines[dbname] = eng
	return eng, nil
}

// createEngine registers a new database and opens its engine. With
// force set an existing file is discarded first.
func (s *Server) createEngine(dbname, user string, force bool) (*engine.Engine, error) {
	if err := catalog.ValidateName(dbname); err != nil {
		return nil, err
	}
	path := s.catalog.DatabasePath(dbname + ".json")
	if !force {
		if s.catalog.Exists(dbname) {
			return nil, dberr.New(dberr.KindDatabaseAlreadyExists, "database %s already exists", dbname)
		}
		if _, err := os.Stat(path); err == nil {
			return nil, dberr.New(dberr.KindDatabaseAlreadyExists, "database %s already exists", dbname)
		}
	} else if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove %s: %w", path, err)
		}
	}

	if !s.catalog.Exists(dbname) {
		if err := s.catalog.AddDatabase(dbname, user); err != nil {
			return nil, err
		}
	} else if err := s.catalog.GrantAccess(user, dbname); err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.engines, dbname)
	s.mu.Unlock()

	s.metrics.DatabasesKnown.Set(float64(len(s.catalog.Databases())))
	return s.engineFor(dbname)
}

// dropEngine deletes a database: catalog entry, backing file, access
// lists, and the cached engine.
func (s *Server) dropEngine(dbname string) error {
	s.mu.Lock()
	delete(s.engines, dbname)
	s.mu.Unlock()
	if err := s.catalog.DeleteDatabase(dbname); err != nil {
		return err
	}
	s.metrics.DatabasesKnown.Set(float64(len(s.catalog.Databases())))
	return nil
}
