// Package server answers browser requests for live documents. A
// FilterServer sits in front of an underlying Listener: the listener
// forwards requests for registered paths, and the filter server replies with
// the document's in-memory text or tells the listener to fall through to
// disk.
package server

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	liveerrors "github.com/conneroisu/livepreview/internal/errors"
	"github.com/conneroisu/livepreview/internal/livedoc"
	"github.com/conneroisu/livepreview/internal/logging"
)

// Option configures a FilterServer.
type Option func(*FilterServer)

// WithCanServe replaces the predicate that decides which local paths the
// server claims. The default claims every path.
func WithCanServe(fn func(localPath string) bool) Option {
	return func(s *FilterServer) {
		s.canServe = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *FilterServer) {
		s.logger = logger
	}
}

// FilterServer serves the live documents of one project root.
type FilterServer struct {
	root     string
	registry *livedoc.Registry
	listener Listener
	logger   logging.Logger
	canServe func(string) bool

	mutex   sync.Mutex
	address *Address
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a filter server over registry. listener may be nil, in which
// case the server can never become ready.
func New(registry *livedoc.Registry, listener Listener, opts ...Option) *FilterServer {
	s := &FilterServer{
		root:     registry.Root(),
		registry: registry,
		listener: listener,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("filter-server")
	return s
}

// Root returns the project root, with a trailing slash.
func (s *FilterServer) Root() string {
	return s.root
}

// Registry returns the live document registry.
func (s *FilterServer) Registry() *livedoc.Registry {
	return s.registry
}

// CanServe reports whether localPath belongs to this server.
func (s *FilterServer) CanServe(localPath string) bool {
	if s.canServe != nil {
		return s.canServe(localPath)
	}
	return true
}

// UnderRoot is a CanServe predicate that claims only paths inside root.
func UnderRoot(root string) func(string) bool {
	root = filepath.ToSlash(root)
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return func(localPath string) bool {
		p := filepath.ToSlash(localPath)
		return p+"/" == root || strings.HasPrefix(p, root)
	}
}

// ReadyToServe asks the listener for the address serving the root. On
// success the address becomes the registry's base URL and is cached, so
// later calls return it without asking again. Failures are not cached.
func (s *FilterServer) ReadyToServe(ctx context.Context) (Address, error) {
	s.mutex.Lock()
	if s.address != nil {
		addr := *s.address
		s.mutex.Unlock()
		return addr, nil
	}
	s.mutex.Unlock()

	if s.listener == nil {
		err := liveerrors.ErrListenerUnavailable(nil)
		s.logger.Warn(ctx, err, "Cannot serve without a listener")
		return Address{}, err
	}

	addr, err := s.listener.GetServer(ctx, s.root)
	if err != nil {
		err = liveerrors.ErrListenerUnavailable(err)
		s.logger.Warn(ctx, err, "Listener did not provide a server", "root", s.root)
		return Address{}, err
	}

	s.mutex.Lock()
	if s.address == nil {
		s.address = &addr
		s.registry.SetBaseURL(addr.BaseURL())
		s.logger.Info(ctx, "Ready to serve", "root", s.root, "base_url", addr.BaseURL())
	}
	addr = *s.address
	s.mutex.Unlock()

	return addr, nil
}

// Start subscribes to the listener's filtered requests. Calling Start on a
// running server does nothing.
func (s *FilterServer) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cancel != nil {
		return nil
	}
	if s.listener == nil {
		return liveerrors.ErrListenerUnavailable(nil)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go s.serve(loopCtx, done)

	return nil
}

// Stop unsubscribes and waits for the request loop to exit. Calling Stop on
// a stopped server does nothing.
func (s *FilterServer) Stop() {
	s.mutex.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mutex.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Add registers doc and republishes the filter paths.
func (s *FilterServer) Add(ctx context.Context, doc livedoc.Document) error {
	key := s.registry.Add(doc)
	s.logger.Debug(ctx, "Live document added", "key", key)
	return s.publishPaths(ctx)
}

// Remove unregisters doc and republishes the filter paths.
func (s *FilterServer) Remove(ctx context.Context, doc livedoc.Document) error {
	s.registry.Remove(doc)
	return s.publishPaths(ctx)
}

// Clear unregisters every document and republishes the empty filter set.
func (s *FilterServer) Clear(ctx context.Context) error {
	s.registry.Clear()
	return s.publishPaths(ctx)
}

// HandleRequest answers one filtered request. Requests for documents that
// are not registered, have no responder, or fail to render fall through.
func (s *FilterServer) HandleRequest(ctx context.Context, req RequestFilter) Response {
	doc, ok := s.registry.Get(req.Pathname)
	if !ok {
		return Fallthrough
	}

	responder, ok := doc.(livedoc.Responder)
	if !ok {
		return Fallthrough
	}

	resp, err := responder.Response()
	if err != nil || resp == nil {
		s.logger.Warn(ctx, err, "Live document could not respond", "path", req.Pathname)
		return Fallthrough
	}

	return Response{Body: resp.Body, ContentType: resp.ContentType}
}

func (s *FilterServer) publishPaths(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	if err := s.listener.SetRequestFilterPaths(ctx, s.root, s.registry.Keys()); err != nil {
		s.logger.Warn(ctx, err, "Failed to publish filter paths")
		return liveerrors.ErrListenerUnavailable(err)
	}
	return nil
}

func (s *FilterServer) serve(ctx context.Context, done chan struct{}) {
	defer close(done)

	requests := s.listener.Requests()
	for {
		select {
		case req, ok := <-requests:
			if !ok {
				return
			}
			s.listener.Respond(req.ID, s.HandleRequest(ctx, req))
		case <-ctx.Done():
			return
		}
	}
}
