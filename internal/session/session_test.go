package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/livepreview/internal/config"
	liveerrors "github.com/conneroisu/livepreview/internal/errors"
	"github.com/conneroisu/livepreview/internal/livedoc"
	"github.com/conneroisu/livepreview/internal/protocol"
	"github.com/conneroisu/livepreview/internal/server"
	"github.com/conneroisu/livepreview/internal/transport"
	"github.com/conneroisu/livepreview/internal/watcher"
)

const pageHTML = `<!DOCTYPE html><html><head><link rel="stylesheet" href="style.css"></head><body><p>saved</p></body></html>`

func testConfig(root string) *config.Config {
	return &config.Config{
		Project: config.ProjectConfig{Root: root},
		Server: config.ServerConfig{
			Host:          "127.0.0.1",
			FilterTimeout: 2 * time.Second,
		},
		Transport: config.TransportConfig{
			Host:           "127.0.0.1",
			Path:           "/",
			SendBuffer:     16,
			ReadLimit:      1 << 20,
			AllowedOrigins: []string{"127.0.0.1:*"},
		},
		Log: config.LogConfig{Level: "debug", Format: "text"},
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// startSession runs a session over root until the test ends.
func startSession(t *testing.T, cfg *config.Config) *Session {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	select {
	case <-s.Ready():
	case err := <-runErr:
		cancel()
		t.Fatalf("session did not start: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("session did not become ready")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-runErr:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("session did not stop")
		}
	})
	return s
}

type page struct {
	remote   *transport.Remote
	messages chan string
}

// connectPage opens a transport connection announcing pageURL.
func connectPage(t *testing.T, s *Session, pageURL string) *page {
	t.Helper()
	p := &page{messages: make(chan string, 16)}
	p.remote = transport.NewRemote(transport.RemoteConfig{
		TransportURL: s.Host().URL(),
		PageURL:      pageURL,
	}, nil)
	require.NoError(t, p.remote.SetCallbacks(transport.Callbacks{
		Message: func(msg string) { p.messages <- msg },
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.remote.Enable(ctx))
	t.Cleanup(func() { _ = p.remote.Close() })

	require.Eventually(t, func() bool {
		for _, c := range s.Status().Clients {
			if c.URL == pageURL {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return p
}

func (p *page) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-p.messages:
		var out map[string]any
		require.NoError(t, json.Unmarshal([]byte(msg), &out))
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("no message reached the page")
		return nil
	}
}

// waitFor skips messages until one with method arrives.
func (p *page) waitFor(t *testing.T, method string) map[string]any {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-p.messages:
			var out map[string]any
			require.NoError(t, json.Unmarshal([]byte(msg), &out))
			if out["method"] == method {
				return out
			}
		case <-deadline:
			t.Fatalf("no %s message reached the page", method)
			return nil
		}
	}
}

func (p *page) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case msg := <-p.messages:
		t.Fatalf("unexpected message %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func fetch(t *testing.T, u string) string {
	t.Helper()
	resp, err := http.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return string(body)
}

func TestSession_EndToEnd(t *testing.T) {
	root := t.TempDir()
	indexPath := writeFile(t, root, "index.html", pageHTML)
	cssPath := writeFile(t, root, "style.css", "p { color: black }")

	s := startSession(t, testConfig(root))
	ctx := context.Background()

	indexURL, ok := s.PreviewURL(indexPath)
	require.True(t, ok)
	cssURL, ok := s.PreviewURL(cssPath)
	require.True(t, ok)

	// Before the document is live, the saved file is served as is.
	assert.Equal(t, pageHTML, fetch(t, indexURL))

	live := `<!DOCTYPE html><html><head><link rel="stylesheet" href="style.css"></head><body><p>unsaved</p></body></html>`
	require.NoError(t, s.Open(ctx, s.NewHTMLDocument(indexPath, live)))
	require.NoError(t, s.Open(ctx, livedoc.NewCSSDocument(cssPath, "p { color: black }")))

	body := fetch(t, indexURL)
	assert.Contains(t, body, "<p>unsaved</p>")
	assert.Contains(t, body, "window.LivePreviewTransportURL")
	assert.Contains(t, body, "/__livepreview/remote.js")

	p := connectPage(t, s, indexURL)

	// An edit inside the body is pushed as a patch to the page showing it.
	edited := `<!DOCTYPE html><html><head><link rel="stylesheet" href="style.css"></head><body><p>edited</p></body></html>`
	require.NoError(t, s.UpdateHTML(ctx, indexPath, edited))
	msg := p.next(t)
	assert.Equal(t, protocol.MethodPatch, msg["method"])
	params := msg["params"].(map[string]any)
	assert.Equal(t, indexURL, params["url"])
	assert.Contains(t, fetch(t, indexURL), "<p>edited</p>")

	// The same text again changes nothing and sends nothing.
	require.NoError(t, s.UpdateHTML(ctx, indexPath, edited))
	p.assertQuiet(t)

	require.NoError(t, s.UpdateCSS(ctx, cssPath, "p { color: red }"))
	msg = p.next(t)
	assert.Equal(t, protocol.MethodSetStylesheet, msg["method"])
	assert.Equal(t, map[string]any{"url": cssURL, "text": "p { color: red }"}, msg["params"])
	assert.Equal(t, "p { color: red }", fetch(t, cssURL))

	require.NoError(t, s.ReloadAll(ctx))
	assert.Equal(t, protocol.MethodReload, p.next(t)["method"])

	// Code requests are answered with the live text.
	p.remote.RequestCode(`{"id":42,"url":"` + indexURL + `"}`)
	reply := p.next(t)
	assert.Equal(t, float64(42), reply["id"])
	assert.Equal(t, map[string]any{"url": indexURL, "text": edited}, reply["result"])

	p.remote.RequestCode(`{"id":43,"url":"` + indexURL + `missing"}`)
	reply = p.next(t)
	assert.Equal(t, float64(43), reply["id"])
	assert.NotEmpty(t, reply["error"])

	assert.Len(t, s.Clients(), 1)

	// Closing the document hands the path back to the disk.
	doc, ok := s.Registry().GetByPath(indexPath)
	require.True(t, ok)
	require.NoError(t, s.Close(ctx, doc))
	assert.Equal(t, pageHTML, fetch(t, indexURL))
}

func TestSession_PatchOnlyReachesMatchingPages(t *testing.T) {
	root := t.TempDir()
	indexPath := writeFile(t, root, "index.html", pageHTML)
	writeFile(t, root, "about.html", "<p>about</p>")

	s := startSession(t, testConfig(root))
	ctx := context.Background()

	require.NoError(t, s.Open(ctx, s.NewHTMLDocument(indexPath, pageHTML)))
	indexURL, _ := s.PreviewURL(indexPath)
	aboutURL, _ := s.PreviewURL(filepath.Join(root, "about.html"))

	// The directory URL shows index.html.
	dirPage := connectPage(t, s, s.Registry().BaseURL()+"?tab=1#top")
	other := connectPage(t, s, aboutURL)

	require.NoError(t, s.UpdateHTML(ctx, indexPath, pageHTML+"<!-- more -->"))
	msg := dirPage.next(t)
	assert.Equal(t, protocol.MethodPatch, msg["method"])
	assert.Equal(t, indexURL, msg["params"].(map[string]any)["url"])
	other.assertQuiet(t)
}

func TestSession_WholeDocumentChangeReloads(t *testing.T) {
	root := t.TempDir()
	indexPath := writeFile(t, root, "index.html", "<p>one</p>")

	s := startSession(t, testConfig(root))
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, s.NewHTMLDocument(indexPath, "<p>one</p>")))
	indexURL, _ := s.PreviewURL(indexPath)
	p := connectPage(t, s, indexURL)

	require.NoError(t, s.UpdateHTML(ctx, indexPath, "<div>two</div>"))
	assert.Equal(t, protocol.MethodReload, p.next(t)["method"])
}

func TestSession_UpdateRequiresLiveDocument(t *testing.T) {
	root := t.TempDir()
	indexPath := writeFile(t, root, "index.html", "<p>x</p>")
	cssPath := writeFile(t, root, "style.css", "p{}")

	s := startSession(t, testConfig(root))
	ctx := context.Background()

	err := s.UpdateHTML(ctx, indexPath, "<p>y</p>")
	var le *liveerrors.LiveError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, liveerrors.ErrCodeNotLiveDocument, le.Code)

	require.NoError(t, s.Open(ctx, livedoc.NewCSSDocument(cssPath, "p{}")))
	assert.Error(t, s.UpdateHTML(ctx, cssPath, "<p>y</p>"), "a stylesheet is not an HTML document")
	assert.Error(t, s.UpdateCSS(ctx, indexPath, "p{}"))
}

func TestSession_OpenOutsideProjectIsRejected(t *testing.T) {
	root := t.TempDir()
	outside := writeFile(t, t.TempDir(), "elsewhere.html", "<p>x</p>")

	s, err := New(testConfig(root))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.End(context.Background()) })

	err = s.Open(context.Background(), livedoc.NewHTMLDocument(outside, "<p>x</p>", livedoc.Injection{}))
	var le *liveerrors.LiveError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, liveerrors.ErrCodeOutsideProject, le.Code)
	assert.Zero(t, s.Registry().Len())
}

func TestSession_StatusPage(t *testing.T) {
	root := t.TempDir()
	indexPath := writeFile(t, root, "index.html", "<p>x</p>")

	s := startSession(t, testConfig(root))
	require.NoError(t, s.Open(context.Background(), s.NewHTMLDocument(indexPath, "<p>x</p>")))

	st := s.Status()
	assert.Equal(t, root, st.Root)
	assert.Equal(t, []string{"/index.html"}, st.Documents)
	assert.Equal(t, s.Host().URL(), st.Transport)
	assert.Equal(t, s.ID(), st.Session)
	assert.Len(t, s.ID(), 26)

	body := fetch(t, s.Registry().BaseURL()+"__livepreview/status")
	assert.Contains(t, body, "/index.html")
	assert.Contains(t, body, s.ID())
}

func TestSession_BaseURLOverride(t *testing.T) {
	root := t.TempDir()
	indexPath := writeFile(t, root, "index.html", "<p>x</p>")

	cfg := testConfig(root)
	cfg.Project.BaseURL = "http://preview.test/site"
	s := startSession(t, cfg)

	u, ok := s.PreviewURL(indexPath)
	require.True(t, ok)
	assert.Equal(t, "http://preview.test/site/index.html", u)
}

func TestSession_EndIsIdempotentAndStopsRun(t *testing.T) {
	s, err := New(testConfig(t.TempDir()))
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()
	<-s.Ready()

	transportURL := s.Host().URL()
	require.NotEmpty(t, transportURL)

	require.NoError(t, s.End(context.Background()))
	require.NoError(t, s.End(context.Background()))

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after End")
	}

	assert.Error(t, s.Run(context.Background()), "a session runs once")
}

type failingListener struct{}

func (failingListener) GetServer(context.Context, string) (server.Address, error) {
	return server.Address{}, assert.AnError
}

func (failingListener) SetRequestFilterPaths(context.Context, string, []string) error {
	return assert.AnError
}

func (failingListener) Requests() <-chan server.RequestFilter { return nil }

func (failingListener) Respond(uint64, server.Response) {}

func TestSession_RunFailsWithoutListener(t *testing.T) {
	s, err := New(testConfig(t.TempDir()), WithListener(failingListener{}))
	require.NoError(t, err)

	err = s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, liveerrors.IsUnavailable(err))
}

func TestSession_DiskChanges(t *testing.T) {
	root := t.TempDir()
	indexPath := writeFile(t, root, "index.html", "<p>a</p><p>b</p>")
	writeFile(t, root, "notes.txt", "x")

	cfg := testConfig(root)
	cfg.Watch = config.WatchConfig{Enabled: true, Debounce: 20 * time.Millisecond}
	s := startSession(t, cfg)
	ctx := context.Background()

	require.NoError(t, s.Open(ctx, s.NewHTMLDocument(indexPath, "<p>a</p><p>b</p>")))
	indexURL, _ := s.PreviewURL(indexPath)
	p := connectPage(t, s, indexURL)

	// A saved live document is pushed like an editor change. The save is
	// atomic so the watcher never sees a truncated file.
	tmp := writeFile(t, root, "index.html~", "<p>a</p><p>c</p>")
	require.NoError(t, os.Rename(tmp, indexPath))
	msg := p.waitFor(t, protocol.MethodPatch)
	assert.Equal(t, indexURL, msg["params"].(map[string]any)["url"])

	doc, ok := s.Registry().GetByPath(indexPath)
	require.True(t, ok)
	assert.Equal(t, "<p>a</p><p>c</p>", doc.(*livedoc.HTMLDocument).Text())

	// Any other file makes pages reload.
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("y"), 0o644))
	p.waitFor(t, protocol.MethodReload)
}

func TestHandleChanges_RemovedDocumentIsClosed(t *testing.T) {
	root := t.TempDir()
	indexPath := writeFile(t, root, "index.html", "<p>x</p>")

	s, err := New(testConfig(root))
	require.NoError(t, err)
	ctx := context.Background()
	t.Cleanup(func() { _ = s.End(ctx) })

	require.NoError(t, s.Open(ctx, s.NewHTMLDocument(indexPath, "<p>x</p>")))
	require.Equal(t, 1, s.Registry().Len())

	require.NoError(t, s.handleChanges([]watcher.ChangeEvent{{Type: watcher.EventTypeDeleted, Path: indexPath}}))
	assert.Zero(t, s.Registry().Len())
}

func TestPageKey(t *testing.T) {
	tests := map[string]string{
		"http://h:1/":                 "http://h:1/index.html",
		"http://h:1":                  "http://h:1/index.html",
		"http://h:1/a/?x=1#y":         "http://h:1/a/index.html",
		"http://h:1/a.html#frag":      "http://h:1/a.html",
		"http://h:1/My%20Page.html?q": "http://h:1/My%20Page.html",
		"http://h:1/copy%20(1).html":  "http://h:1/copy%20%281%29.html",
		"http://h:1/a%2Cb.html":       "http://h:1/a,b.html",
	}
	for in, want := range tests {
		assert.Equal(t, want, pageKey(in), in)
	}
}

func TestPageKey_MatchesDocumentURLs(t *testing.T) {
	reg := livedoc.NewRegistry(livedoc.RegistryConfig{Root: "/proj", BaseURL: "http://h:1/"})
	for _, name := range []string{"copy (1).html", "a,b.html", "it's.html", "semi;colon.html"} {
		docURL, ok := reg.PathToURL("/proj/" + name)
		require.True(t, ok, name)

		browserURL := "http://h:1/" + strings.NewReplacer(" ", "%20").Replace(name) + "?reload=1"
		assert.Equal(t, pageKey(docURL), pageKey(browserURL), name)
	}
}
