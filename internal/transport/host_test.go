package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSocket is an in-memory page connection. Frames written to in are read
// by the host; frames the host writes land in out.
type fakeSocket struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) Write(ctx context.Context, data []byte) error {
	select {
	case s.out <- data:
		return nil
	case <-s.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSocket) Ping(context.Context) error { return nil }

func (s *fakeSocket) Close(string) error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) send(frame string) {
	s.in <- []byte(frame)
}

func newTestHost(t *testing.T) *Host {
	t.Helper()
	h := NewHost(HostConfig{Host: "127.0.0.1", Port: 0}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h
}

func nextEvent(t *testing.T, h *Host) Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, h *Host) {
	t.Helper()
	select {
	case ev := <-h.Events():
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHost_ConnectMessageClose(t *testing.T) {
	h := newTestHost(t)
	sock := newFakeSocket()
	h.attach(sock, "test")

	sock.send(`{"type":"connect","url":"http://page"}`)
	assert.Equal(t, ConnectEvent{ID: 1, URL: "http://page"}, nextEvent(t, h))

	sock.send(`{"type":"message","message":"{\"cmd\":\"ping\"}"}`)
	assert.Equal(t, MessageEvent{ID: 1, Message: `{"cmd":"ping"}`}, nextEvent(t, h))

	sock.send(`{"type":"fetch-code-text-message","message":"q"}`)
	assert.Equal(t, FetchCodeTextEvent{ID: 1, Message: "q"}, nextEvent(t, h))

	_ = sock.Close("")
	assert.Equal(t, CloseEvent{ID: 1}, nextEvent(t, h))
	assert.Empty(t, h.Clients())
}

func TestHost_IDsAreMonotonicAndNeverReused(t *testing.T) {
	h := newTestHost(t)

	a, b := newFakeSocket(), newFakeSocket()
	h.attach(a, "a")
	h.attach(b, "b")

	a.send(`{"type":"connect","url":"http://a"}`)
	assert.Equal(t, 1, nextEvent(t, h).ClientID())
	b.send(`{"type":"connect","url":"http://b"}`)
	assert.Equal(t, 2, nextEvent(t, h).ClientID())

	_ = a.Close("")
	assert.Equal(t, CloseEvent{ID: 1}, nextEvent(t, h))

	c := newFakeSocket()
	h.attach(c, "c")
	c.send(`{"type":"connect","url":"http://c"}`)
	assert.Equal(t, ConnectEvent{ID: 3, URL: "http://c"}, nextEvent(t, h))
}

func TestHost_FramesBeforeConnectAreDropped(t *testing.T) {
	h := newTestHost(t)
	sock := newFakeSocket()
	h.attach(sock, "test")

	sock.send(`{"type":"message","message":"early"}`)
	sock.send(`not json`)
	sock.send(`{"type":"bogus"}`)
	sock.send(`{"type":"connect","url":"http://page"}`)

	assert.Equal(t, ConnectEvent{ID: 1, URL: "http://page"}, nextEvent(t, h))
	assert.False(t, sock.isClosed(), "protocol violations must not close the connection")
}

func TestHost_DuplicateConnectIgnored(t *testing.T) {
	h := newTestHost(t)
	sock := newFakeSocket()
	h.attach(sock, "test")

	sock.send(`{"type":"connect","url":"http://page"}`)
	sock.send(`{"type":"connect","url":"http://other"}`)
	sock.send(`{"type":"message","message":"m"}`)

	assert.Equal(t, ConnectEvent{ID: 1, URL: "http://page"}, nextEvent(t, h))
	assert.Equal(t, MessageEvent{ID: 1, Message: "m"}, nextEvent(t, h))
}

func TestHost_CloseFromUnregisteredConnection(t *testing.T) {
	h := newTestHost(t)
	sock := newFakeSocket()
	h.attach(sock, "test")

	_ = sock.Close("")
	assertNoEvent(t, h)
}

func TestHost_SendRoutesByID(t *testing.T) {
	h := newTestHost(t)
	a, b := newFakeSocket(), newFakeSocket()
	h.attach(a, "a")
	h.attach(b, "b")
	a.send(`{"type":"connect","url":"http://a"}`)
	nextEvent(t, h)
	b.send(`{"type":"connect","url":"http://b"}`)
	nextEvent(t, h)

	h.Send([]int{2, 99}, "to-b")
	h.SendTo(1, "to-a")

	select {
	case got := <-b.out:
		assert.Equal(t, "to-b", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("b received nothing")
	}
	select {
	case got := <-a.out:
		assert.Equal(t, "to-a", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("a received nothing")
	}
}

func TestHost_CloseByIDEmitsNoEvent(t *testing.T) {
	h := newTestHost(t)
	sock := newFakeSocket()
	h.attach(sock, "test")
	sock.send(`{"type":"connect","url":"http://page"}`)
	nextEvent(t, h)

	h.Close(1)

	assert.Eventually(t, sock.isClosed, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.Clients())
	assertNoEvent(t, h)
}

func TestHost_ClientsSnapshot(t *testing.T) {
	h := newTestHost(t)
	for _, u := range []string{"http://a", "http://b"} {
		sock := newFakeSocket()
		h.attach(sock, "remote-"+u)
		sock.send(`{"type":"connect","url":"` + u + `"}`)
		nextEvent(t, h)
	}

	clients := h.Clients()
	require.Len(t, clients, 2)
	assert.Equal(t, 1, clients[0].ID)
	assert.Equal(t, "http://a", clients[0].URL)
	assert.Equal(t, "remote-http://a", clients[0].RemoteAddr)
	assert.Equal(t, 2, clients[1].ID)
	assert.False(t, clients[1].ConnectedAt.IsZero())
}

func TestHost_SlowConsumerDoesNotStallReaders(t *testing.T) {
	h := newTestHost(t)
	sock := newFakeSocket()
	h.attach(sock, "test")
	sock.send(`{"type":"connect","url":"http://page"}`)

	const n = 200
	go func() {
		for i := 0; i < n; i++ {
			sock.send(`{"type":"message","message":"m"}`)
		}
	}()

	// Nothing consumes until the reader has pushed every frame into the hub.
	assert.Eventually(t, func() bool { return len(sock.in) == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.IsType(t, ConnectEvent{}, nextEvent(t, h))
	for i := 0; i < n; i++ {
		assert.Equal(t, MessageEvent{ID: 1, Message: "m"}, nextEvent(t, h))
	}
}

func TestHost_ShutdownClosesEverything(t *testing.T) {
	h := NewHost(HostConfig{}, nil)
	sock := newFakeSocket()
	h.attach(sock, "test")
	sock.send(`{"type":"connect","url":"http://page"}`)
	nextEvent(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))
	require.NoError(t, h.Shutdown(ctx), "second shutdown is a no-op")

	assert.Eventually(t, sock.isClosed, time.Second, 5*time.Millisecond)
	_, ok := <-h.Events()
	assert.False(t, ok)
	assert.Nil(t, h.Clients())

	assert.Error(t, h.Start(ctx))
}

func TestHost_StartIsSingleton(t *testing.T) {
	h := newTestHost(t)
	assert.Empty(t, h.URL())

	require.NoError(t, h.Start(context.Background()))
	addr := h.Addr()
	require.NotEmpty(t, addr)

	require.NoError(t, h.Start(context.Background()))
	assert.Equal(t, addr, h.Addr())
	assert.Equal(t, "ws://"+addr+"/", h.URL())
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"message","message":{"a":1}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, env.Message)

	env, err = DecodeEnvelope([]byte(`{"type":"connect","url":"http://p"}`))
	require.NoError(t, err)
	assert.Equal(t, Envelope{Type: TypeConnect, URL: "http://p"}, env)

	_, err = DecodeEnvelope([]byte(`[`))
	assert.Error(t, err)
}
