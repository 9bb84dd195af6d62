package livedoc

import (
	"encoding/json"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/conneroisu/livepreview/internal/tokenizer"
)

// RootInfo describes where the project root lives on disk and on the wire.
// Link rewriting downstream uses it to resolve relative URLs.
type RootInfo struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

// Binding is the path-to-URL bookkeeping the registry assigns to documents
// inside the project.
type Binding struct {
	URL       string   `json:"url"`
	Extension string   `json:"extension"`
	Root      RootInfo `json:"root"`
}

// Document is a file associated with the live session.
type Document interface {
	Path() string
	Bind(Binding)
	Binding() Binding
}

// Response is the in-memory content served in place of the file on disk.
type Response struct {
	Body        []byte
	ContentType string
}

// Responder is the optional capability of documents that can produce an
// up-to-date response. Documents without it always fall through to disk.
type Responder interface {
	Response() (*Response, error)
}

type base struct {
	mutex   sync.RWMutex
	path    string
	binding Binding
}

func (b *base) Path() string {
	return b.path
}

func (b *base) Bind(binding Binding) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.binding = binding
}

func (b *base) Binding() Binding {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.binding
}

// FileDocument tracks a file without serving it from memory.
type FileDocument struct {
	base
}

// NewFileDocument creates a tracked document for path.
func NewFileDocument(path string) *FileDocument {
	return &FileDocument{base: base{path: path}}
}

// Injection names what gets injected into served HTML so the page can open
// its transport connection.
type Injection struct {
	// TransportURL is the websocket URL exposed to the page as the
	// LivePreviewTransportURL global.
	TransportURL string
	// ScriptURL is where the page loads the remote transport script from.
	ScriptURL string
}

// Enabled reports whether there is anything to inject.
func (i Injection) Enabled() bool {
	return i.TransportURL != "" && i.ScriptURL != ""
}

// HTMLDocument is an HTML file whose unsaved text is served instrumented
// with the remote transport.
type HTMLDocument struct {
	base
	text      string
	injection Injection
}

// NewHTMLDocument creates an HTML live document.
func NewHTMLDocument(path, text string, injection Injection) *HTMLDocument {
	return &HTMLDocument{
		base:      base{path: path},
		text:      text,
		injection: injection,
	}
}

// Text returns the current in-memory text.
func (d *HTMLDocument) Text() string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.text
}

// SetText replaces the text and reports how its node payloads changed.
func (d *HTMLDocument) SetText(text string) tokenizer.Edit {
	d.mutex.Lock()
	old := d.text
	d.text = text
	d.mutex.Unlock()

	return tokenizer.Diff(old, text)
}

// Response implements Responder.
func (d *HTMLDocument) Response() (*Response, error) {
	body := Instrument(d.Text(), d.injection)
	return &Response{
		Body:        []byte(body),
		ContentType: "text/html; charset=utf-8",
	}, nil
}

// CSSDocument is a stylesheet whose unsaved text is served verbatim.
type CSSDocument struct {
	base
	text string
}

// NewCSSDocument creates a stylesheet live document.
func NewCSSDocument(path, text string) *CSSDocument {
	return &CSSDocument{base: base{path: path}, text: text}
}

// Text returns the current in-memory text.
func (d *CSSDocument) Text() string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.text
}

// SetText replaces the text.
func (d *CSSDocument) SetText(text string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.text = text
}

// Response implements Responder.
func (d *CSSDocument) Response() (*Response, error) {
	return &Response{
		Body:        []byte(d.Text()),
		ContentType: "text/css; charset=utf-8",
	}, nil
}

// Instrument injects the transport bootstrap into an HTML document, right
// after the <head> start tag. Without a head it goes after <html>, then
// after a leading doctype, then at the very start.
func Instrument(text string, injection Injection) string {
	if !injection.Enabled() {
		return text
	}

	at := -1
	htmlEnd := -1
	doctypeEnd := -1
	for p := range tokenizer.Tokenize(text) {
		if p.NodeType == tokenizer.Doctype && doctypeEnd < 0 && htmlEnd < 0 {
			doctypeEnd = p.End()
		}
		if p.NodeType != tokenizer.Element || p.Closing {
			continue
		}
		if p.NodeName == "HTML" && htmlEnd < 0 {
			htmlEnd = p.End()
		}
		if p.NodeName == "HEAD" {
			at = p.End()
			break
		}
		if p.NodeName == "BODY" {
			break
		}
	}

	switch {
	case at >= 0:
	case htmlEnd >= 0:
		at = htmlEnd
	case doctypeEnd >= 0:
		at = doctypeEnd
	default:
		at = 0
	}

	return text[:at] + bootstrapTags(injection) + text[at:]
}

func bootstrapTags(injection Injection) string {
	// json.Marshal escapes <, > and & so the URL cannot close the script.
	transportURL, _ := json.Marshal(injection.TransportURL)

	var b strings.Builder
	b.WriteString("<script>window.LivePreviewTransportURL = ")
	b.Write(transportURL)
	b.WriteString(";</script>")
	b.WriteString(`<script src="`)
	b.WriteString(html.EscapeString(injection.ScriptURL))
	b.WriteString(`"></script>`)
	return b.String()
}
