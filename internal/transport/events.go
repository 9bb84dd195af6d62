package transport

import "time"

// Event is one of ConnectEvent, MessageEvent, FetchCodeTextEvent or
// CloseEvent.
type Event interface {
	ClientID() int
	event()
}

// ConnectEvent is emitted when a page announces itself.
type ConnectEvent struct {
	ID  int
	URL string
}

// MessageEvent carries an opaque protocol payload from a page.
type MessageEvent struct {
	ID      int
	Message string
}

// FetchCodeTextEvent carries a payload of the code-fetch sub-protocol.
type FetchCodeTextEvent struct {
	ID      int
	Message string
}

// CloseEvent is emitted when a registered page's connection closes.
type CloseEvent struct {
	ID int
}

func (e ConnectEvent) ClientID() int       { return e.ID }
func (e MessageEvent) ClientID() int       { return e.ID }
func (e FetchCodeTextEvent) ClientID() int { return e.ID }
func (e CloseEvent) ClientID() int         { return e.ID }

func (ConnectEvent) event()       {}
func (MessageEvent) event()       {}
func (FetchCodeTextEvent) event() {}
func (CloseEvent) event()         {}

// ClientInfo is a snapshot of a connected client.
type ClientInfo struct {
	ID          int       `json:"id"`
	URL         string    `json:"url"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}
