// Package session ties one live preview together: the document registry,
// the request-filtering server and the static listener behind it, the
// websocket transport pages connect back on, and the file watcher.
//
// A Session is explicit state with an explicit lifecycle. Run starts it,
// End (or cancelling Run's context) tears it down, and the editor-facing
// methods push document changes to every connected page.
package session

import (
	"context"
	"errors"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/livepreview/internal/config"
	liveerrors "github.com/conneroisu/livepreview/internal/errors"
	"github.com/conneroisu/livepreview/internal/livedoc"
	"github.com/conneroisu/livepreview/internal/logging"
	"github.com/conneroisu/livepreview/internal/protocol"
	"github.com/conneroisu/livepreview/internal/server"
	"github.com/conneroisu/livepreview/internal/static"
	"github.com/conneroisu/livepreview/internal/transport"
	"github.com/conneroisu/livepreview/internal/watcher"
)

// shutdownTimeout bounds End when Run's own context is already cancelled.
const shutdownTimeout = 5 * time.Second

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger every component logs through.
func WithLogger(logger logging.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithListener replaces the static HTTP listener, for embedding the filter
// server behind another HTTP stack.
func WithListener(listener server.Listener) Option {
	return func(s *Session) {
		s.listener = listener
	}
}

// Session is one preview of one project root.
type Session struct {
	id     string
	cfg    *config.Config
	logger logging.Logger

	registry *livedoc.Registry
	filter   *server.FilterServer
	manager  *server.Manager
	static   *static.Server
	listener server.Listener
	host     *transport.Host
	watcher  *watcher.FileWatcher

	mutex   sync.RWMutex
	clients map[int]string

	ready    chan struct{}
	ended    chan struct{}
	endOnce  sync.Once
	endErr   error
	runMutex sync.Mutex
	running  bool
}

// New assembles a session for cfg. Nothing listens until Run.
func New(cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, liveerrors.NewConfigError(liveerrors.ErrCodeConfigInvalid, "session needs a configuration", nil)
	}

	s := &Session{
		id:      ulid.Make().String(),
		cfg:     cfg,
		logger:  logging.NewNop(),
		manager: server.NewManager(),
		clients: make(map[int]string),
		ready:   make(chan struct{}),
		ended:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("session").With("session_id", s.id)

	root := cfg.Project.Root
	s.registry = livedoc.NewRegistry(livedoc.RegistryConfig{
		Root:   root,
		Logger: s.logger,
	})

	if s.listener == nil {
		s.static = static.New(static.Config{
			Root:          root,
			Host:          cfg.Server.Host,
			Port:          cfg.Server.Port,
			FilterTimeout: cfg.Server.FilterTimeout,
			RemoteScript:  transport.RemoteScript,
			Status:        s.Status,
		}, s.logger)
		s.listener = s.static
	}

	s.filter = server.New(s.registry, s.listener,
		server.WithLogger(s.logger),
		server.WithCanServe(server.UnderRoot(s.registry.Root())),
	)
	s.manager.Register(s.filter, 0)

	hostCfg := transport.DefaultHostConfig()
	hostCfg.Host = cfg.Transport.Host
	hostCfg.Port = cfg.Transport.Port
	hostCfg.Path = cfg.Transport.Path
	hostCfg.SendBuffer = cfg.Transport.SendBuffer
	hostCfg.ReadLimit = cfg.Transport.ReadLimit
	hostCfg.MessageLimit = cfg.Transport.MessageLimit
	if len(cfg.Transport.AllowedOrigins) > 0 {
		hostCfg.OriginPatterns = cfg.Transport.AllowedOrigins
	}
	s.host = transport.NewHost(hostCfg, s.logger)

	if cfg.Watch.Enabled {
		w, err := watcher.NewFileWatcher(root, cfg.Watch.Debounce, s.logger)
		if err != nil {
			return nil, err
		}
		w.AddFilter(watcher.IgnoreFilter(cfg.Watch.Ignore...))
		w.AddFilter(watcher.NoTempFileFilter)
		w.AddHandler(s.handleChanges)
		s.watcher = w
	}

	return s, nil
}

// ID identifies the session in logs and on the status page. IDs sort by
// creation time.
func (s *Session) ID() string {
	return s.id
}

// Registry exposes the session's live documents.
func (s *Session) Registry() *livedoc.Registry {
	return s.registry
}

// Host exposes the transport host.
func (s *Session) Host() *transport.Host {
	return s.host
}

// Ready is closed once Run has bound its sockets and the filter server is
// answering requests.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Run starts every component and blocks until ctx is cancelled or End is
// called. It returns the first error that stopped the session.
func (s *Session) Run(ctx context.Context) error {
	s.runMutex.Lock()
	if s.running {
		s.runMutex.Unlock()
		return liveerrors.NewValidationError(liveerrors.ErrCodeInternalError, "session is already running")
	}
	s.running = true
	s.runMutex.Unlock()

	if err := s.start(ctx); err != nil {
		_ = s.End(context.WithoutCancel(ctx))
		return err
	}
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.consumeEvents(gctx)
		return nil
	})

	if s.watcher != nil {
		if err := s.watcher.AddRecursive(s.cfg.Project.Root); err != nil {
			s.logger.Warn(ctx, err, "File watching disabled", "root", s.cfg.Project.Root)
		} else if err := s.watcher.Start(gctx); err != nil {
			s.logger.Warn(ctx, err, "File watcher did not start")
		}
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.ended:
		}
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.End(endCtx)
	})

	return g.Wait()
}

func (s *Session) start(ctx context.Context) error {
	if err := s.host.Start(ctx); err != nil {
		return err
	}

	addr, err := s.filter.ReadyToServe(ctx)
	if err != nil {
		return err
	}
	if s.cfg.Project.BaseURL != "" {
		s.registry.SetBaseURL(s.cfg.Project.BaseURL)
	}

	if err := s.filter.Start(ctx); err != nil {
		return err
	}

	s.logger.Info(ctx, "Live preview ready",
		"root", s.cfg.Project.Root,
		"url", s.registry.BaseURL(),
		"listener", addr.BaseURL(),
		"transport", s.host.URL())
	return nil
}

// End stops the session: live documents are dropped, the filter server
// unsubscribes and every socket is closed. It is safe to call more than
// once; later calls return the first result.
func (s *Session) End(ctx context.Context) error {
	s.endOnce.Do(func() {
		close(s.ended)

		var errs []error
		if err := s.filter.Clear(ctx); err != nil && !liveerrors.IsUnavailable(err) {
			errs = append(errs, err)
		}
		s.filter.Stop()
		if s.watcher != nil {
			if err := s.watcher.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.host.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if s.static != nil {
			if err := s.static.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}

		s.mutex.Lock()
		s.clients = make(map[int]string)
		s.mutex.Unlock()

		s.endErr = errors.Join(errs...)
		s.logger.Info(ctx, "Live preview ended", "root", s.cfg.Project.Root)
	})
	return s.endErr
}

// Injection is what HTML documents of this session inject so their pages
// connect back. It is empty until Run has started the transport.
func (s *Session) Injection() livedoc.Injection {
	transportURL := s.host.URL()
	if transportURL == "" {
		return livedoc.Injection{}
	}
	return livedoc.Injection{
		TransportURL: transportURL,
		ScriptURL:    static.RemoteScriptPath,
	}
}

// NewHTMLDocument creates an HTML document instrumented for this session.
func (s *Session) NewHTMLDocument(path, text string) *livedoc.HTMLDocument {
	return livedoc.NewHTMLDocument(path, text, s.Injection())
}

// Open starts serving doc from memory. Documents no registered server can
// serve are rejected.
func (s *Session) Open(ctx context.Context, doc livedoc.Document) error {
	provider, ok := s.manager.Provider(doc.Path())
	if !ok {
		return liveerrors.NewValidationError(liveerrors.ErrCodeOutsideProject, "no live server can serve this document").
			WithContext("path", doc.Path())
	}
	filter, ok := provider.(*server.FilterServer)
	if !ok {
		return liveerrors.NewInternalError(liveerrors.ErrCodeInternalError, "unexpected live server", nil)
	}
	return filter.Add(ctx, doc)
}

// Close stops serving doc from memory.
func (s *Session) Close(ctx context.Context, doc livedoc.Document) error {
	return s.filter.Remove(ctx, doc)
}

// UpdateHTML replaces the text of the live HTML document at path and tells
// the pages showing it. Pages get a patch when some leading payloads
// survive the change and a reload when the whole document was replaced.
func (s *Session) UpdateHTML(ctx context.Context, path, text string) error {
	doc, ok := s.registry.GetByPath(path)
	if !ok {
		return liveerrors.ErrNotLiveDocument(path, "HTML")
	}
	htmlDoc, ok := doc.(*livedoc.HTMLDocument)
	if !ok {
		return liveerrors.ErrNotLiveDocument(path, "HTML")
	}

	edit := htmlDoc.SetText(text)
	if edit.Unchanged() {
		return nil
	}

	docURL := htmlDoc.Binding().URL
	ids := s.pagesShowing(docURL)
	if len(ids) == 0 {
		return nil
	}

	req := protocol.Patch(docURL, edit)
	if edit.Start == 0 && edit.RemovedCount == edit.OldCount {
		req = protocol.Reload(false)
	}
	s.logger.Debug(ctx, "Pushing HTML change", "url", docURL, "clients", len(ids), "method", req.Method)
	return s.send(ids, req)
}

// UpdateCSS replaces the text of the live stylesheet at path and pushes it
// to every page, since any of them may link it.
func (s *Session) UpdateCSS(ctx context.Context, path, text string) error {
	doc, ok := s.registry.GetByPath(path)
	if !ok {
		return liveerrors.ErrNotLiveDocument(path, "CSS")
	}
	cssDoc, ok := doc.(*livedoc.CSSDocument)
	if !ok {
		return liveerrors.ErrNotLiveDocument(path, "CSS")
	}

	if cssDoc.Text() == text {
		return nil
	}
	cssDoc.SetText(text)

	ids := s.clientIDs()
	if len(ids) == 0 {
		return nil
	}
	docURL := cssDoc.Binding().URL
	s.logger.Debug(ctx, "Pushing stylesheet", "url", docURL, "clients", len(ids))
	return s.send(ids, protocol.SetStylesheet(docURL, text))
}

// ReloadAll asks every connected page to reload.
func (s *Session) ReloadAll(ctx context.Context) error {
	ids := s.clientIDs()
	if len(ids) == 0 {
		return nil
	}
	s.logger.Debug(ctx, "Reloading pages", "clients", len(ids))
	return s.send(ids, protocol.Reload(false))
}

// Clients lists the connected pages.
func (s *Session) Clients() []transport.ClientInfo {
	return s.host.Clients()
}

// PreviewURL is the URL path is previewed at. It reports false for paths
// outside the project or before the listener is bound.
func (s *Session) PreviewURL(path string) (string, bool) {
	return s.registry.PathToURL(path)
}

// Status snapshots the session for the status page.
func (s *Session) Status() static.Status {
	st := static.Status{
		Session:   s.id,
		Root:      s.cfg.Project.Root,
		BaseURL:   s.registry.BaseURL(),
		Transport: s.host.URL(),
		Documents: s.registry.Keys(),
	}

	s.mutex.RLock()
	for id, u := range s.clients {
		st.Clients = append(st.Clients, static.StatusClient{ID: id, URL: u})
	}
	s.mutex.RUnlock()
	sort.Slice(st.Clients, func(i, j int) bool { return st.Clients[i].ID < st.Clients[j].ID })

	return st
}

func (s *Session) send(ids []int, req protocol.Request) error {
	msg, err := req.Encode()
	if err != nil {
		return err
	}
	s.host.Send(ids, msg)
	return nil
}

func (s *Session) clientIDs() []int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	ids := make([]int, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// pagesShowing returns the clients whose page is the document at docURL.
func (s *Session) pagesShowing(docURL string) []int {
	target := pageKey(docURL)

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var ids []int
	for id, u := range s.clients {
		if pageKey(u) == target {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// pageKey drops the query and fragment, names directory URLs by their
// index page and re-escapes the path the way document URLs are escaped.
func pageKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	u.RawPath = ""
	if u.Path == "" || strings.HasSuffix(u.Path, "/") {
		u.Path += "index.html"
	}
	return u.String()
}

// consumeEvents tracks which page each client shows and answers code
// requests. It returns when the host shuts down or ctx ends.
func (s *Session) consumeEvents(ctx context.Context) {
	events := s.host.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev transport.Event) {
	switch e := ev.(type) {
	case transport.ConnectEvent:
		s.mutex.Lock()
		s.clients[e.ID] = e.URL
		s.mutex.Unlock()
		s.logger.Info(ctx, "Page connected", "client_id", e.ID, "url", e.URL)

	case transport.CloseEvent:
		s.mutex.Lock()
		delete(s.clients, e.ID)
		s.mutex.Unlock()
		s.logger.Info(ctx, "Page disconnected", "client_id", e.ID)

	case transport.MessageEvent:
		msg, err := protocol.Decode(e.Message)
		if err != nil {
			s.logger.Warn(ctx, err, "Ignoring page message", "client_id", e.ID,
				"message", logging.TruncateForLog(e.Message, 200))
			return
		}
		if msg.Error != "" {
			s.logger.Warn(ctx, nil, "Page reported an error", "client_id", e.ID, "request_id", msg.ID, "error", msg.Error)
			return
		}
		s.logger.Debug(ctx, "Page message", "client_id", e.ID, "request_id", msg.ID, "method", msg.Method)

	case transport.FetchCodeTextEvent:
		s.answerCodeRequest(ctx, e)
	}
}

// answerCodeRequest replies with the live text of the requested document.
func (s *Session) answerCodeRequest(ctx context.Context, e transport.FetchCodeTextEvent) {
	req, err := protocol.DecodeCodeRequest(e.Message)
	if err != nil {
		s.logger.Warn(ctx, err, "Ignoring code request", "client_id", e.ID)
		return
	}

	reply := protocol.Failure(req.ID, "no live document at "+req.URL)
	if path, ok := s.registry.URLToPath(req.URL); ok {
		if doc, ok := s.registry.GetByPath(path); ok {
			if t, ok := doc.(interface{ Text() string }); ok {
				reply = protocol.CodeText(req.ID, req.URL, t.Text())
			}
		}
	}

	msg, err := reply.Encode()
	if err != nil {
		s.logger.Error(ctx, err, "Failed to encode code reply", "client_id", e.ID)
		return
	}
	s.host.SendTo(e.ID, msg)
}

// handleChanges reacts to files changed on disk. Live documents are
// refreshed from disk and pushed like an editor change; anything else makes
// every page reload.
func (s *Session) handleChanges(events []watcher.ChangeEvent) error {
	ctx := context.Background()
	reload := false

	for _, ev := range events {
		doc, ok := s.registry.GetByPath(ev.Path)
		if !ok {
			reload = true
			continue
		}

		if ev.Type == watcher.EventTypeDeleted || ev.Type == watcher.EventTypeRenamed {
			if err := s.Close(ctx, doc); err != nil {
				s.logger.Warn(ctx, err, "Failed to close removed document", "path", ev.Path)
			}
			reload = true
			continue
		}

		data, err := os.ReadFile(ev.Path)
		if err != nil {
			s.logger.Warn(ctx, err, "Failed to read changed document", "path", ev.Path)
			continue
		}

		switch doc.(type) {
		case *livedoc.HTMLDocument:
			err = s.UpdateHTML(ctx, ev.Path, string(data))
		case *livedoc.CSSDocument:
			err = s.UpdateCSS(ctx, ev.Path, string(data))
		default:
			reload = true
		}
		if err != nil {
			s.logger.Warn(ctx, err, "Failed to push changed document", "path", ev.Path)
		}
	}

	if reload {
		return s.ReloadAll(ctx)
	}
	return nil
}
