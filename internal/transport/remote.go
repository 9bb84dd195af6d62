package transport

import (
	"context"
	_ "embed"
	"sync"
	"time"

	"github.com/coder/websocket"

	liveerrors "github.com/conneroisu/livepreview/internal/errors"
	"github.com/conneroisu/livepreview/internal/logging"
)

// RemoteScript is the browser side of the transport. Pages load it after a
// bootstrap script has set window.LivePreviewTransportURL.
//
//go:embed remote.js
var RemoteScript []byte

// RemoteConfig configures a Remote.
type RemoteConfig struct {
	// TransportURL is the host's websocket URL. Enable fails without it.
	TransportURL string
	// PageURL is announced to the host in the connect envelope.
	PageURL      string
	WriteTimeout time.Duration
}

// Callbacks receive remote-side transport events. Any of them may be nil.
type Callbacks struct {
	Connect func()
	Message func(msg string)
	Close   func()
}

// Remote is the page end of the transport. The browser uses remote.js; this
// type speaks the same protocol for tools and tests that act as a page.
type Remote struct {
	cfg    RemoteConfig
	logger logging.Logger

	mutex     sync.Mutex
	callbacks Callbacks
	// conn is owned by whoever clears it: Close or the read loop that saw
	// it end. The owner delivers the Close callback.
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// NewRemote creates a disconnected remote.
func NewRemote(cfg RemoteConfig, logger logging.Logger) *Remote {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Remote{
		cfg:    cfg,
		logger: logger.WithComponent("transport-remote"),
	}
}

// SetCallbacks installs the event callbacks. Without a transport URL there is
// nothing to connect to, so the callbacks are rejected and the error logged.
func (r *Remote) SetCallbacks(cb Callbacks) error {
	if r.cfg.TransportURL == "" {
		err := liveerrors.ErrNoTransportURL()
		r.logger.Error(context.Background(), err, "Cannot install transport callbacks")
		return err
	}

	r.mutex.Lock()
	r.callbacks = cb
	r.mutex.Unlock()
	return nil
}

// Enable connects to the configured transport URL.
func (r *Remote) Enable(ctx context.Context) error {
	if r.cfg.TransportURL == "" {
		return liveerrors.ErrNoTransportURL()
	}
	return r.Connect(ctx, r.cfg.TransportURL)
}

// Connect dials url, announces the page and starts delivering messages to the
// Message callback. An existing connection is closed first.
func (r *Remote) Connect(ctx context.Context, url string) error {
	if err := r.Close(); err != nil {
		r.logger.Debug(ctx, "Closing previous transport connection failed", "error", err)
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return liveerrors.WrapNetwork(err, liveerrors.ErrCodeNotConnected, "failed to dial transport").
			WithContext("url", url)
	}

	data, err := Envelope{Type: TypeConnect, URL: r.cfg.PageURL}.Encode()
	if err != nil {
		_ = conn.CloseNow()
		return liveerrors.NewInternalError(liveerrors.ErrCodeInternalError, "failed to encode connect envelope", err)
	}
	writeCtx, cancelWrite := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, data)
	cancelWrite()
	if err != nil {
		_ = conn.CloseNow()
		return liveerrors.WrapNetwork(err, liveerrors.ErrCodeNotConnected, "failed to announce page")
	}

	readCtx, cancel := context.WithCancel(context.Background())

	r.mutex.Lock()
	r.conn = conn
	r.cancel = cancel
	cb := r.callbacks
	r.mutex.Unlock()

	if cb.Connect != nil {
		cb.Connect()
	}

	go r.readLoop(readCtx, conn)

	return nil
}

// Send forwards a protocol payload to the host.
func (r *Remote) Send(msg string) {
	r.sendEnvelope(Envelope{Type: TypeMessage, Message: msg})
}

// RequestCode sends a payload of the code-fetch sub-protocol.
func (r *Remote) RequestCode(msg string) {
	r.sendEnvelope(Envelope{Type: TypeFetchCodeText, Message: msg})
}

// Connected reports whether the remote holds an open connection.
func (r *Remote) Connected() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.conn != nil
}

// Close closes the connection if one is open and delivers the Close
// callback before returning. Callbacks may call Close or Connect.
func (r *Remote) Close() error {
	r.mutex.Lock()
	conn, cancel := r.conn, r.cancel
	r.conn, r.cancel = nil, nil
	onClose := r.callbacks.Close
	r.mutex.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close(websocket.StatusNormalClosure, "")
	cancel()

	if onClose != nil {
		onClose()
	}

	if err != nil && websocket.CloseStatus(err) == -1 && !isOrderlyClose(err) {
		return liveerrors.WrapNetwork(err, liveerrors.ErrCodeInternalError, "failed to close transport")
	}
	return nil
}

func (r *Remote) sendEnvelope(env Envelope) {
	r.mutex.Lock()
	conn := r.conn
	r.mutex.Unlock()

	if conn == nil {
		r.logger.Warn(context.Background(), liveerrors.ErrNotConnected(), "Dropping outbound message", "type", env.Type)
		return
	}

	data, err := env.Encode()
	if err != nil {
		r.logger.Error(context.Background(), err, "Failed to encode envelope")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		r.logger.Warn(ctx, err, "Transport write failed", "type", env.Type)
	}
}

func (r *Remote) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if !isOrderlyClose(err) {
				r.logger.Debug(ctx, "Transport read ended", "error", err)
			}
			break
		}

		r.mutex.Lock()
		current := r.conn == conn
		onMessage := r.callbacks.Message
		r.mutex.Unlock()
		if current && onMessage != nil {
			onMessage(string(data))
		}
	}

	r.mutex.Lock()
	owned := r.conn == conn
	if owned {
		r.conn = nil
		r.cancel()
		r.cancel = nil
	}
	onClose := r.callbacks.Close
	r.mutex.Unlock()

	if owned && onClose != nil {
		onClose()
	}
}
