// Package static is the HTTP server browsers load the project from. It
// serves files from the project root and, for paths in its filter set, asks
// a server.FilterServer for the live in-memory text first.
package static

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"

	liveerrors "github.com/conneroisu/livepreview/internal/errors"
	"github.com/conneroisu/livepreview/internal/livedoc"
	"github.com/conneroisu/livepreview/internal/logging"
	"github.com/conneroisu/livepreview/internal/server"
)

// Routes owned by the server itself. They are never filtered.
const (
	RemoteScriptPath = "/__livepreview/remote.js"
	StatusPath       = "/__livepreview/status"
	HealthPath       = "/health"
)

// Config configures the static server.
type Config struct {
	Root string
	Host string
	// Port 0 binds an ephemeral port.
	Port int
	// FilterTimeout bounds how long a filtered request waits for an answer
	// before it is served from disk.
	FilterTimeout time.Duration
	// RemoteScript is served at RemoteScriptPath.
	RemoteScript []byte
	// Status feeds the status page. It may be nil.
	Status func() Status
}

// Server implements server.Listener for a single project root.
type Server struct {
	cfg    Config
	logger logging.Logger
	files  http.Handler
	router chi.Router

	requests chan server.RequestFilter
	nextID   atomic.Uint64

	mutex      sync.Mutex
	filtered   map[string]struct{}
	pending    map[uint64]chan server.Response
	listener   net.Listener
	httpServer *http.Server
	addr       server.Address
}

// New creates a server for cfg.Root. Nothing is bound until GetServer.
func New(cfg Config, logger logging.Logger) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.FilterTimeout <= 0 {
		cfg.FilterTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger.WithComponent("static"),
		files:    http.FileServer(http.Dir(cfg.Root)),
		requests: make(chan server.RequestFilter, 64),
		filtered: make(map[string]struct{}),
		pending:  make(map[uint64]chan server.Response),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(noCache)
	r.Use(compress)

	r.Get(HealthPath, s.handleHealth)
	r.Get(RemoteScriptPath, s.handleRemoteScript)
	r.Get(StatusPath, s.handleStatus)
	r.Get("/*", s.handleProject)
	r.Head("/*", s.handleProject)

	return r
}

// ServeHTTP lets the server be mounted elsewhere or driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// GetServer binds the listening socket on first use and returns its address.
func (s *Server) GetServer(ctx context.Context, root string) (server.Address, error) {
	if !s.servesRoot(root) {
		return server.Address{}, liveerrors.NewValidationError(liveerrors.ErrCodeOutsideProject, "root is not served by this server").
			WithContext("root", root)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.listener != nil {
		return s.addr, nil
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return server.Address{}, liveerrors.WrapNetwork(err, liveerrors.ErrCodeListenerUnavailable, "failed to bind static server").
			WithContext("addr", addr)
	}

	tcp, _ := ln.Addr().(*net.TCPAddr)
	s.addr = server.Address{Host: s.cfg.Host, Port: tcp.Port}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := s.httpServer
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), err, "Static server stopped")
		}
	}()

	s.logger.Info(ctx, "Static server listening", "root", s.cfg.Root, "url", s.addr.BaseURL())

	return s.addr, nil
}

// SetRequestFilterPaths replaces the filter set.
func (s *Server) SetRequestFilterPaths(ctx context.Context, root string, paths []string) error {
	if !s.servesRoot(root) {
		return liveerrors.NewValidationError(liveerrors.ErrCodeOutsideProject, "root is not served by this server").
			WithContext("root", root)
	}

	filtered := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		filtered[p] = struct{}{}
	}

	s.mutex.Lock()
	s.filtered = filtered
	s.mutex.Unlock()

	s.logger.Debug(ctx, "Filter paths updated", "count", len(paths))
	return nil
}

// Requests is the stream of filtered requests awaiting Respond.
func (s *Server) Requests() <-chan server.RequestFilter {
	return s.requests
}

// Respond answers a pending filtered request. Answers for requests that
// already timed out are ignored.
func (s *Server) Respond(id uint64, resp server.Response) {
	s.mutex.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mutex.Unlock()

	if !ok {
		s.logger.Debug(context.Background(), "Late filter response ignored", "request_id", id)
		return
	}
	ch <- resp
}

// Shutdown stops the HTTP server. Pending filtered requests fall through.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mutex.Lock()
	srv := s.httpServer
	s.mutex.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return liveerrors.WrapNetwork(err, liveerrors.ErrCodeInternalError, "failed to stop static server")
	}
	return nil
}

func (s *Server) servesRoot(root string) bool {
	return path.Clean(root) == path.Clean(s.cfg.Root)
}

func (s *Server) isFiltered(pathname string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.filtered[pathname]
	return ok
}

// filter publishes req and waits for its answer, the timeout, or the client
// going away. Anything but an answer falls through.
func (s *Server) filter(ctx context.Context, req server.RequestFilter) server.Response {
	req.ID = s.nextID.Add(1)
	ch := make(chan server.Response, 1)

	s.mutex.Lock()
	s.pending[req.ID] = ch
	s.mutex.Unlock()

	defer func() {
		s.mutex.Lock()
		delete(s.pending, req.ID)
		s.mutex.Unlock()
	}()

	timer := time.NewTimer(s.cfg.FilterTimeout)
	defer timer.Stop()

	select {
	case s.requests <- req:
	case <-timer.C:
		s.logger.Warn(ctx, nil, "Filter queue full, serving from disk", "path", req.Pathname)
		return server.Fallthrough
	case <-ctx.Done():
		return server.Fallthrough
	}

	select {
	case resp := <-ch:
		return resp
	case <-timer.C:
		s.logger.Warn(ctx, nil, "Filter response timed out, serving from disk", "path", req.Pathname)
		return server.Fallthrough
	case <-ctx.Done():
		return server.Fallthrough
	}
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	// Browsers leave characters like "(" and "," raw; registry keys always
	// escape them, so compare against the canonical form of the path.
	pathname := livedoc.EncodePath(r.URL.Path)
	if strings.HasSuffix(pathname, "/") {
		pathname += "index.html"
	}

	if s.isFiltered(pathname) {
		host, port := splitHostPort(r.Host)
		resp := s.filter(r.Context(), server.RequestFilter{
			Hostname: host,
			Pathname: pathname,
			Port:     port,
			Root:     s.cfg.Root,
		})
		if !resp.Fallthrough {
			if resp.ContentType != "" {
				w.Header().Set("Content-Type", resp.ContentType)
			}
			w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
			w.WriteHeader(http.StatusOK)
			if r.Method != http.MethodHead {
				_, _ = w.Write(resp.Body)
			}
			return
		}
	}

	s.files.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleRemoteScript(w http.ResponseWriter, r *http.Request) {
	if len(s.cfg.RemoteScript) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	_, _ = w.Write(s.cfg.RemoteScript)
}

func splitHostPort(hostport string) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// compress gzips responses for clients that accept it.
func compress(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}

func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		next.ServeHTTP(w, r)
	})
}
