package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	liveerrors "github.com/conneroisu/livepreview/internal/errors"
)

func newHostServer(t *testing.T) (*Host, string) {
	t.Helper()
	h := newTestHost(t)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHost_OverWebsocket(t *testing.T) {
	h, url := newHostServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"connect","url":"http://page"}`)))
	assert.Equal(t, ConnectEvent{ID: 1, URL: "http://page"}, nextEvent(t, h))

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"message","message":"{\"cmd\":\"ping\"}"}`)))
	assert.Equal(t, MessageEvent{ID: 1, Message: `{"cmd":"ping"}`}, nextEvent(t, h))

	h.SendTo(1, "pong")
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(data))

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	assert.Equal(t, CloseEvent{ID: 1}, nextEvent(t, h))
}

func TestRemote_RoundTrip(t *testing.T) {
	h, url := newHostServer(t)

	connected := make(chan struct{}, 1)
	messages := make(chan string, 4)
	closed := make(chan struct{}, 1)

	r := NewRemote(RemoteConfig{TransportURL: url, PageURL: "http://page/index.html"}, nil)
	require.NoError(t, r.SetCallbacks(Callbacks{
		Connect: func() { connected <- struct{}{} },
		Message: func(msg string) { messages <- msg },
		Close:   func() { closed <- struct{}{} },
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Enable(ctx))

	<-connected
	assert.True(t, r.Connected())
	assert.Equal(t, ConnectEvent{ID: 1, URL: "http://page/index.html"}, nextEvent(t, h))

	r.Send(`{"id":1,"result":{}}`)
	assert.Equal(t, MessageEvent{ID: 1, Message: `{"id":1,"result":{}}`}, nextEvent(t, h))

	r.RequestCode("code?")
	assert.Equal(t, FetchCodeTextEvent{ID: 1, Message: "code?"}, nextEvent(t, h))

	h.SendTo(1, "reload")
	select {
	case msg := <-messages:
		assert.Equal(t, "reload", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("remote received nothing")
	}

	require.NoError(t, r.Close())
	<-closed
	assert.False(t, r.Connected())
	assert.Equal(t, CloseEvent{ID: 1}, nextEvent(t, h))
}

func TestRemote_HostClosesConnection(t *testing.T) {
	h, url := newHostServer(t)

	closed := make(chan struct{}, 1)
	r := NewRemote(RemoteConfig{TransportURL: url}, nil)
	require.NoError(t, r.SetCallbacks(Callbacks{Close: func() { closed <- struct{}{} }}))
	require.NoError(t, r.Enable(context.Background()))
	nextEvent(t, h)

	h.Close(1)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close callback not invoked")
	}
	assert.False(t, r.Connected())
}

func TestRemote_CloseFromMessageCallback(t *testing.T) {
	h, url := newHostServer(t)

	r := NewRemote(RemoteConfig{TransportURL: url, PageURL: "http://page"}, nil)
	closeErr := make(chan error, 1)
	closes := make(chan struct{}, 4)
	require.NoError(t, r.SetCallbacks(Callbacks{
		Message: func(string) { closeErr <- r.Close() },
		Close:   func() { closes <- struct{}{} },
	}))
	require.NoError(t, r.Enable(context.Background()))
	assert.IsType(t, ConnectEvent{}, nextEvent(t, h))

	h.SendTo(1, "bye")

	select {
	case err := <-closeErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close called from a callback did not return")
	}
	assert.False(t, r.Connected())
	assert.Equal(t, CloseEvent{ID: 1}, nextEvent(t, h))

	<-closes
	select {
	case <-closes:
		t.Fatal("close callback delivered twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemote_ReconnectFromMessageCallback(t *testing.T) {
	h, url := newHostServer(t)

	r := NewRemote(RemoteConfig{TransportURL: url, PageURL: "http://page"}, nil)
	t.Cleanup(func() { _ = r.Close() })
	reconnected := make(chan error, 1)
	require.NoError(t, r.SetCallbacks(Callbacks{
		Message: func(msg string) {
			if msg == "reconnect" {
				reconnected <- r.Connect(context.Background(), url)
			}
		},
	}))
	require.NoError(t, r.Enable(context.Background()))
	assert.Equal(t, ConnectEvent{ID: 1, URL: "http://page"}, nextEvent(t, h))

	h.SendTo(1, "reconnect")

	select {
	case err := <-reconnected:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Connect called from a callback did not return")
	}
	// The two connections are read independently, so either event may come first.
	events := []Event{nextEvent(t, h), nextEvent(t, h)}
	assert.ElementsMatch(t, []Event{CloseEvent{ID: 1}, ConnectEvent{ID: 2, URL: "http://page"}}, events)
	assert.True(t, r.Connected())
}

func TestRemote_NoTransportURL(t *testing.T) {
	r := NewRemote(RemoteConfig{}, nil)

	err := r.SetCallbacks(Callbacks{})
	require.Error(t, err)
	assert.ErrorIs(t, err, liveerrors.ErrNoTransportURL())

	assert.ErrorIs(t, r.Enable(context.Background()), liveerrors.ErrNoTransportURL())
}

func TestRemote_SendWhileDisconnected(t *testing.T) {
	r := NewRemote(RemoteConfig{TransportURL: "ws://127.0.0.1:1/"}, nil)
	assert.NotPanics(t, func() {
		r.Send("x")
		r.RequestCode("y")
	})
	assert.NoError(t, r.Close())
}

func TestRemoteScriptIsEmbedded(t *testing.T) {
	script := string(RemoteScript)
	assert.Contains(t, script, "window.LivePreviewTransportURL")
	assert.Contains(t, script, `"fetch-code-text-message"`)
}
