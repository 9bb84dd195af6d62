// Package livedoc holds the live documents of a preview session: in-memory
// versions of project files that may differ from what is saved on disk.
// The Registry maps project-relative URL keys to documents and converts
// between filesystem paths and preview URLs.
package livedoc

import (
	"context"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/conneroisu/livepreview/internal/logging"
)

// PathResolver places absolute paths inside the project. It returns the
// input unchanged when the path is outside the project.
type PathResolver interface {
	MakeProjectRelative(absPath string) string
}

// ProjectResolver resolves paths against a single project root.
type ProjectResolver struct {
	root string
}

// NewProjectResolver creates a resolver for root.
func NewProjectResolver(root string) *ProjectResolver {
	return &ProjectResolver{root: normalizeRoot(root)}
}

// MakeProjectRelative implements PathResolver.
func (r *ProjectResolver) MakeProjectRelative(absPath string) string {
	p := filepath.ToSlash(absPath)
	if r.root != "" && strings.HasPrefix(p, r.root) {
		return p[len(r.root):]
	}
	return absPath
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Root is the absolute project root.
	Root string
	// BaseURL is the already-encoded URL the root is served under. It may be
	// empty until the static listener is bound.
	BaseURL  string
	Resolver PathResolver
	Logger   logging.Logger
}

// Registry is the set of live documents of one session. It is safe for
// concurrent use: the editor API writes while request dispatch reads.
type Registry struct {
	mutex    sync.RWMutex
	root     string
	baseURL  string
	resolver PathResolver
	docs     map[string]Document
	logger   logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	root := normalizeRoot(cfg.Root)
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = NewProjectResolver(root)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Registry{
		root:     root,
		baseURL:  normalizeBaseURL(cfg.BaseURL),
		resolver: resolver,
		docs:     make(map[string]Document),
		logger:   logger.WithComponent("registry"),
	}
}

// Root returns the normalized project root, always ending in "/".
func (r *Registry) Root() string {
	return r.root
}

// BaseURL returns the URL the project root is served under.
func (r *Registry) BaseURL() string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.baseURL
}

// SetBaseURL records the URL the project root is served under.
func (r *Registry) SetBaseURL(baseURL string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.baseURL = normalizeBaseURL(baseURL)
}

// Key returns the registry key for an absolute path: the URL-encoded,
// project-relative path prefixed with "/".
func (r *Registry) Key(absPath string) string {
	rel := filepath.ToSlash(r.resolver.MakeProjectRelative(absPath))
	return "/" + strings.TrimPrefix(EncodePath(rel), "/")
}

// Add inserts or replaces doc. Documents inside the project are bound to
// their preview URL; documents outside it are stored without a binding.
func (r *Registry) Add(doc Document) string {
	key := r.Key(doc.Path())

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if u, ok := r.pathToURL(doc.Path()); ok {
		doc.Bind(Binding{
			URL:       u,
			Extension: strings.TrimPrefix(path.Ext(filepath.ToSlash(doc.Path())), "."),
			Root: RootInfo{
				Path: r.root,
				URL:  r.baseURL,
			},
		})
	} else {
		r.logger.Debug(context.Background(), "document is outside the project, not bound",
			"path", doc.Path())
	}

	r.docs[key] = doc
	return key
}

// Remove deletes doc. It is a no-op when doc is not registered.
func (r *Registry) Remove(doc Document) {
	key := r.Key(doc.Path())

	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.docs, key)
}

// Get looks up a document by exact key.
func (r *Registry) Get(key string) (Document, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	doc, ok := r.docs[key]
	return doc, ok
}

// GetByPath looks up a document by absolute path.
func (r *Registry) GetByPath(absPath string) (Document, bool) {
	return r.Get(r.Key(absPath))
}

// Clear drops every document.
func (r *Registry) Clear() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.docs = make(map[string]Document)
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	keys := make([]string, 0, len(r.docs))
	for k := range r.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Documents returns a snapshot of the registered documents.
func (r *Registry) Documents() []Document {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	docs := make([]Document, 0, len(r.docs))
	for _, d := range r.docs {
		docs = append(docs, d)
	}
	return docs
}

// Len returns the number of documents.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.docs)
}

// PathToURL maps an absolute path under the project root to its preview
// URL. It reports false for paths outside the root or when no base URL is
// known yet.
func (r *Registry) PathToURL(absPath string) (string, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.pathToURL(absPath)
}

func (r *Registry) pathToURL(absPath string) (string, bool) {
	p := filepath.ToSlash(absPath)
	if r.baseURL == "" || r.root == "" || !strings.HasPrefix(p, r.root) {
		return "", false
	}
	encoded := EncodePath(p)
	encodedRoot := EncodePath(r.root)
	return r.baseURL + strings.TrimPrefix(encoded, encodedRoot), true
}

// URLToPath is the inverse of PathToURL. It reports false when u does not
// start with the base URL or cannot be decoded.
func (r *Registry) URLToPath(u string) (string, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if r.baseURL == "" || r.root == "" || !strings.HasPrefix(u, r.baseURL) {
		return "", false
	}
	decoded, err := url.PathUnescape(EncodePath(r.root) + u[len(r.baseURL):])
	if err != nil {
		return "", false
	}
	return decoded, true
}

// EncodePath percent-encodes a slash-separated path the way net/url does
// for a URL path, leaving the separators intact. Listeners map request
// paths through the same function, so every spelling a browser may send
// for one file lands on one key.
func EncodePath(p string) string {
	return (&url.URL{Path: p}).EscapedPath()
}

func normalizeRoot(root string) string {
	if root == "" {
		return ""
	}
	root = filepath.ToSlash(filepath.Clean(root))
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return root
}

func normalizeBaseURL(baseURL string) string {
	if baseURL == "" {
		return ""
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL
}
