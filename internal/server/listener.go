package server

import (
	"context"
	"net"
	"strconv"
)

// Address is where an underlying listener serves a project root.
type Address struct {
	Host string `json:"address"`
	Port int    `json:"port"`
}

// BaseURL returns the http URL of the address, with a trailing slash.
func (a Address) BaseURL() string {
	return "http://" + net.JoinHostPort(a.Host, strconv.Itoa(a.Port)) + "/"
}

// RequestFilter is a request the listener holds while asking whether a live
// document should answer it.
type RequestFilter struct {
	ID       uint64
	Hostname string
	// Pathname is the escaped request path, the same form as registry keys.
	Pathname string
	Port     int
	Root     string
}

// Response answers a RequestFilter. A Fallthrough response tells the
// listener to serve the request from disk.
type Response struct {
	Body        []byte
	ContentType string
	Fallthrough bool
}

// Fallthrough is the response for requests no live document answers.
var Fallthrough = Response{Fallthrough: true}

// Listener is the HTTP server that actually accepts browser requests. For
// every request whose path is in the filter set it publishes a
// RequestFilter on Requests and waits for Respond.
type Listener interface {
	// GetServer returns the address serving root, binding it if needed.
	GetServer(ctx context.Context, root string) (Address, error)
	// SetRequestFilterPaths replaces the set of paths that are filtered.
	SetRequestFilterPaths(ctx context.Context, root string, paths []string) error
	Requests() <-chan RequestFilter
	Respond(id uint64, resp Response)
}
