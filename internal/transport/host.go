package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	liveerrors "github.com/conneroisu/livepreview/internal/errors"
	"github.com/conneroisu/livepreview/internal/logging"
)

// HostConfig configures the websocket host.
type HostConfig struct {
	Host string
	Port int
	// Path is where the websocket endpoint is mounted.
	Path string
	// SendBuffer is the per-connection outbound queue length. Messages sent
	// to a client whose queue is full are dropped.
	SendBuffer int
	// ReadLimit caps the size of a single inbound frame.
	ReadLimit int64
	// OriginPatterns are host patterns browsers may connect from.
	OriginPatterns []string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	// MessageLimit caps the frames one connection may send per
	// MessageWindow. Zero disables the limit.
	MessageLimit  int
	MessageWindow time.Duration
}

// DefaultHostConfig returns the configuration used when nothing is set.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		Host:           "127.0.0.1",
		Port:           8123,
		Path:           "/",
		SendBuffer:     64,
		ReadLimit:      1 << 20,
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
		PingInterval:   54 * time.Second,
		WriteTimeout:   10 * time.Second,
		MessageLimit:   200,
		MessageWindow:  time.Second,
	}
}

// Host accepts page connections and multiplexes them onto one event stream.
//
// All client bookkeeping is owned by a single hub goroutine. Readers,
// Send, Close and Clients hand work to the hub over channels, so the client
// table needs no lock and events leave the hub in the order frames arrived.
type Host struct {
	cfg    HostConfig
	logger logging.Logger

	frames chan frame
	ops    chan func(*hubState)
	events chan Event

	ctx      context.Context
	cancel   context.CancelFunc
	hubDone  chan struct{}
	shutOnce sync.Once

	startMutex sync.Mutex
	listener   net.Listener
	httpServer *http.Server
}

type frameKind int

const (
	frameEnvelope frameKind = iota
	frameError
	frameClosed
)

type frame struct {
	kind frameKind
	conn *connection
	env  Envelope
	err  error
}

type connection struct {
	sock      socket
	remote    string
	limiter   *rateLimiter
	reported  int
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *connection) shutdown(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		// The close handshake can wait on the peer; keep it off the hub.
		go func() { _ = c.sock.Close(reason) }()
	})
}

type clientRecord struct {
	id          int
	url         string
	conn        *connection
	connectedAt time.Time
}

type hubState struct {
	nextID  int
	byID    map[int]*clientRecord
	byConn  map[*connection]*clientRecord
	pending []Event
}

// NewHost creates a host and starts its hub. The listening socket is not
// opened until Start.
func NewHost(cfg HostConfig, logger logging.Logger) *Host {
	def := DefaultHostConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MessageWindow <= 0 {
		cfg.MessageWindow = def.MessageWindow
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		cfg:     cfg,
		logger:  logger.WithComponent("transport"),
		frames:  make(chan frame, 32),
		ops:     make(chan func(*hubState), 32),
		events:  make(chan Event),
		ctx:     ctx,
		cancel:  cancel,
		hubDone: make(chan struct{}),
	}

	go h.runHub()

	return h
}

// Start opens the listening socket. Calling Start on a host that is already
// listening is a no-op, so at most one socket is ever bound.
func (h *Host) Start(ctx context.Context) error {
	h.startMutex.Lock()
	defer h.startMutex.Unlock()

	if h.listener != nil {
		return nil
	}
	if h.ctx.Err() != nil {
		return liveerrors.NewUnavailableError(liveerrors.ErrCodeListenerUnavailable, "transport host is shut down", nil)
	}

	addr := net.JoinHostPort(h.cfg.Host, strconv.Itoa(h.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return liveerrors.WrapNetwork(err, liveerrors.ErrCodeListenerUnavailable, "failed to listen for transport connections").
			WithContext("addr", addr)
	}

	mux := http.NewServeMux()
	mux.Handle(h.cfg.Path, h)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.listener = ln
	h.httpServer = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error(context.Background(), err, "Transport server stopped")
		}
	}()

	h.logger.Info(ctx, "Transport listening", "url", h.urlLocked())

	return nil
}

// Addr returns the bound address, or "" before Start.
func (h *Host) Addr() string {
	h.startMutex.Lock()
	defer h.startMutex.Unlock()

	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// URL returns the websocket URL pages connect to, or "" before Start.
func (h *Host) URL() string {
	h.startMutex.Lock()
	defer h.startMutex.Unlock()

	return h.urlLocked()
}

func (h *Host) urlLocked() string {
	if h.listener == nil {
		return ""
	}
	return fmt.Sprintf("ws://%s%s", h.listener.Addr().String(), h.cfg.Path)
}

// ServeHTTP upgrades the request and attaches the connection. It lets the
// host be mounted on a router other than its own listener.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "transport is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.cfg.OriginPatterns,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "Rejected transport connection", "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(h.cfg.ReadLimit)

	h.attach(&wsSocket{conn: conn}, r.RemoteAddr)
}

// Events returns the stream of client events. It is closed after Shutdown.
// Events are buffered without bound, so a slow consumer never stalls
// readers.
func (h *Host) Events() <-chan Event {
	return h.events
}

// Send queues msg for each listed client. Unknown ids are logged and
// skipped.
func (h *Host) Send(ids []int, msg string) {
	data := []byte(msg)
	ids = append([]int(nil), ids...)
	h.do(func(st *hubState) {
		for _, id := range ids {
			rec, ok := st.byID[id]
			if !ok {
				h.logger.Warn(h.ctx, liveerrors.ErrUnknownClient(id), "Dropping message for unknown client")
				continue
			}
			h.enqueue(rec, data)
		}
	})
}

// SendTo is Send for a single client.
func (h *Host) SendTo(id int, msg string) {
	h.Send([]int{id}, msg)
}

// Close drops a client and closes its connection. No close event is
// emitted for a client closed this way.
func (h *Host) Close(id int) {
	h.do(func(st *hubState) {
		rec, ok := st.byID[id]
		if !ok {
			h.logger.Debug(h.ctx, "Close requested for unknown client", "client_id", id)
			return
		}
		delete(st.byID, id)
		delete(st.byConn, rec.conn)
		rec.conn.shutdown("closed by host")
		h.logger.Info(h.ctx, "Client closed", "client_id", id, "clients", len(st.byID))
	})
}

// Clients returns the connected clients ordered by id.
func (h *Host) Clients() []ClientInfo {
	reply := make(chan []ClientInfo, 1)
	h.do(func(st *hubState) {
		out := make([]ClientInfo, 0, len(st.byID))
		for _, rec := range st.byID {
			out = append(out, ClientInfo{
				ID:          rec.id,
				URL:         rec.url,
				RemoteAddr:  rec.conn.remote,
				ConnectedAt: rec.connectedAt,
			})
		}
		reply <- out
	})

	select {
	case out := <-reply:
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out
	case <-h.hubDone:
		return nil
	}
}

// Shutdown stops accepting connections, closes every client and stops the
// hub. It is safe to call more than once.
func (h *Host) Shutdown(ctx context.Context) error {
	var err error
	h.shutOnce.Do(func() {
		h.startMutex.Lock()
		srv := h.httpServer
		h.startMutex.Unlock()

		if srv != nil {
			if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
				err = liveerrors.WrapNetwork(shutdownErr, liveerrors.ErrCodeInternalError, "failed to stop transport server")
			}
		}

		h.cancel()
	})

	select {
	case <-h.hubDone:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// attach starts the read and write pumps for a new connection. The
// connection stays anonymous until its first connect envelope.
func (h *Host) attach(sock socket, remote string) *connection {
	c := &connection{
		sock:   sock,
		remote: remote,
		send:   make(chan []byte, h.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	if h.cfg.MessageLimit > 0 {
		c.limiter = newRateLimiter(h.cfg.MessageLimit, h.cfg.MessageWindow)
	}

	go h.writePump(c)
	go h.readPump(c)

	h.logger.Debug(h.ctx, "Transport connection opened", "remote", remote)

	return c
}

func (h *Host) do(op func(*hubState)) {
	select {
	case h.ops <- op:
	case <-h.hubDone:
	}
}

func (h *Host) post(f frame) bool {
	select {
	case h.frames <- f:
		return true
	case <-h.hubDone:
		return false
	}
}

func (h *Host) enqueue(rec *clientRecord, data []byte) {
	select {
	case rec.conn.send <- data:
	case <-rec.conn.done:
	default:
		h.logger.Warn(h.ctx, nil, "Client send queue full, dropping message",
			"client_id", rec.id, "bytes", len(data))
	}
}

func (h *Host) runHub() {
	defer close(h.hubDone)
	defer close(h.events)

	st := &hubState{
		byID:   make(map[int]*clientRecord),
		byConn: make(map[*connection]*clientRecord),
	}

	for {
		// A nil channel blocks forever, so the send case is only live while
		// events are pending.
		var out chan<- Event
		var next Event
		if len(st.pending) > 0 {
			out = h.events
			next = st.pending[0]
		}

		select {
		case f := <-h.frames:
			h.handleFrame(st, f)

		case op := <-h.ops:
			op(st)

		case out <- next:
			st.pending[0] = nil
			st.pending = st.pending[1:]

		case <-h.ctx.Done():
			for conn := range st.byConn {
				conn.shutdown("host shutting down")
			}
			h.logger.Info(context.Background(), "Transport host stopped", "clients", len(st.byID))
			return
		}
	}
}

func (h *Host) handleFrame(st *hubState, f frame) {
	rec := st.byConn[f.conn]

	switch f.kind {
	case frameError:
		if rec != nil {
			h.logger.Error(h.ctx, f.err, "Transport connection error", "client_id", rec.id)
		} else {
			h.logger.Error(h.ctx, f.err, "Transport connection error", "remote", f.conn.remote)
		}

	case frameClosed:
		f.conn.shutdown("")
		if rec == nil {
			h.logger.Debug(h.ctx, "Close from unregistered connection", "remote", f.conn.remote)
			return
		}
		delete(st.byConn, f.conn)
		delete(st.byID, rec.id)
		st.pending = append(st.pending, CloseEvent{ID: rec.id})
		h.logger.Info(h.ctx, "Client disconnected", "client_id", rec.id, "clients", len(st.byID))

	case frameEnvelope:
		h.handleEnvelope(st, rec, f)
	}
}

func (h *Host) handleEnvelope(st *hubState, rec *clientRecord, f frame) {
	switch f.env.Type {
	case TypeConnect:
		if rec != nil {
			h.logger.Warn(h.ctx, nil, "Duplicate connect ignored", "client_id", rec.id)
			return
		}
		st.nextID++
		rec = &clientRecord{
			id:          st.nextID,
			url:         f.env.URL,
			conn:        f.conn,
			connectedAt: time.Now(),
		}
		st.byID[rec.id] = rec
		st.byConn[f.conn] = rec
		st.pending = append(st.pending, ConnectEvent{ID: rec.id, URL: rec.url})
		h.logger.Info(h.ctx, "Client connected", "client_id", rec.id, "url", rec.url, "clients", len(st.byID))

	case TypeMessage, TypeFetchCodeText:
		if rec == nil {
			h.logger.Warn(h.ctx, liveerrors.ErrUnregisteredConnection(), "Dropping frame",
				"type", f.env.Type, "remote", f.conn.remote)
			return
		}
		if f.env.Type == TypeMessage {
			st.pending = append(st.pending, MessageEvent{ID: rec.id, Message: f.env.Message})
		} else {
			st.pending = append(st.pending, FetchCodeTextEvent{ID: rec.id, Message: f.env.Message})
		}

	default:
		h.logger.Warn(h.ctx, liveerrors.ErrUnknownFrameType(f.env.Type), "Dropping frame", "remote", f.conn.remote)
	}
}

func (h *Host) readPump(c *connection) {
	for {
		data, err := c.sock.Read(h.ctx)
		if err != nil {
			if !isOrderlyClose(err) {
				h.post(frame{kind: frameError, conn: c, err: err})
			}
			h.post(frame{kind: frameClosed, conn: c})
			return
		}

		env, err := DecodeEnvelope(data)

		// connect is exempt so a limited page can still register.
		if env.Type != TypeConnect && !h.allow(c) {
			continue
		}
		if err != nil {
			h.logger.Warn(h.ctx, err, "Dropping frame", "remote", c.remote,
				"frame", logging.TruncateForLog(string(data), 200))
			continue
		}

		if !h.post(frame{kind: frameEnvelope, conn: c, env: env}) {
			return
		}
	}
}

// allow applies the connection's message limit. Only the frame that goes
// over the limit is logged, not the ones dropped while the peer backs off.
// Called from the connection's read pump only.
func (h *Host) allow(c *connection) bool {
	if c.limiter == nil {
		return true
	}
	if c.limiter.Allow() {
		c.reported = 0
		return true
	}
	if n := c.limiter.Violations(); n != c.reported {
		c.reported = n
		h.logger.Warn(h.ctx, liveerrors.ErrRateLimited(c.remote, n), "Dropping frame")
	}
	return false
}

func (h *Host) writePump(c *connection) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(h.ctx, h.cfg.WriteTimeout)
			err := c.sock.Write(ctx, msg)
			cancel()
			if err != nil {
				h.logger.Warn(h.ctx, err, "Transport write failed", "remote", c.remote)
				c.shutdown("write failed")
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(h.ctx, h.cfg.WriteTimeout)
			err := c.sock.Ping(ctx)
			cancel()
			if err != nil {
				h.logger.Debug(h.ctx, "Transport ping failed", "remote", c.remote, "error", err)
				c.shutdown("ping failed")
				return
			}

		case <-c.done:
			return
		case <-h.ctx.Done():
			return
		}
	}
}
