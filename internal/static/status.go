package static

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/a-h/templ"
)

// Status is the session snapshot shown on the status page.
type Status struct {
	Session   string
	Root      string
	BaseURL   string
	Transport string
	Documents []string
	Clients   []StatusClient
}

// StatusClient is one connected page.
type StatusClient struct {
	ID  int
	URL string
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var st Status
	if s.cfg.Status != nil {
		st = s.cfg.Status()
	} else {
		st.Root = s.cfg.Root
	}
	templ.Handler(statusPage(st)).ServeHTTP(w, r)
}

func statusPage(st Status) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &pageWriter{w: w}

		p.raw(`<!DOCTYPE html><html><head><meta charset="utf-8"><title>Live preview</title></head><body>`)
		p.raw(`<h1>Live preview</h1><dl>`)
		p.field("Session", st.Session)
		p.field("Root", st.Root)
		p.field("Serving at", st.BaseURL)
		p.field("Transport", st.Transport)
		p.raw(`</dl>`)

		p.raw(`<h2>Live documents (` + strconv.Itoa(len(st.Documents)) + `)</h2><ul>`)
		for _, d := range st.Documents {
			p.raw(`<li>`)
			p.text(d)
			p.raw(`</li>`)
		}
		p.raw(`</ul>`)

		p.raw(`<h2>Connected pages (` + strconv.Itoa(len(st.Clients)) + `)</h2><ul>`)
		for _, c := range st.Clients {
			p.raw(`<li>#` + strconv.Itoa(c.ID) + ` `)
			p.text(c.URL)
			p.raw(`</li>`)
		}
		p.raw(`</ul></body></html>`)

		return p.err
	})
}

// pageWriter keeps the first write error so the component body reads
// straight through.
type pageWriter struct {
	w   io.Writer
	err error
}

func (p *pageWriter) raw(s string) {
	if p.err == nil {
		_, p.err = io.WriteString(p.w, s)
	}
}

func (p *pageWriter) text(s string) {
	p.raw(templ.EscapeString(s))
}

func (p *pageWriter) field(name, value string) {
	if value == "" {
		return
	}
	p.raw(`<dt>` + name + `</dt><dd>`)
	p.text(value)
	p.raw(`</dd>`)
}
