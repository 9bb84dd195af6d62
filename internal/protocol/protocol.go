// Package protocol builds and parses the inner live-development messages
// carried inside transport envelopes. The transport never looks inside them.
package protocol

import (
	"encoding/json"
	"sync/atomic"

	liveerrors "github.com/conneroisu/livepreview/internal/errors"
	"github.com/conneroisu/livepreview/internal/tokenizer"
)

// Methods understood by remote.js.
const (
	MethodReload        = "Page.reload"
	MethodNavigate      = "Page.navigate"
	MethodSetStylesheet = "CSS.setStyleSheetText"
	MethodPatch         = "DOM.patch"
)

// Request is a message sent to a page.
type Request struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// Message is a message received from a page. Replies carry an ID and either
// Result or Error; notifications carry a Method.
type Message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// IsReply reports whether the message answers an earlier request.
func (m Message) IsReply() bool {
	return m.Method == "" && m.ID != 0
}

var lastID atomic.Int64

func newRequest(method string, params map[string]any) Request {
	return Request{ID: lastID.Add(1), Method: method, Params: params}
}

// Encode serializes the request to the string form the transport sends.
func (r Request) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", liveerrors.NewInternalError(liveerrors.ErrCodeInternalError, "failed to encode "+r.Method, err)
	}
	return string(data), nil
}

// Reload asks the page to reload itself.
func Reload(ignoreCache bool) Request {
	return newRequest(MethodReload, map[string]any{"ignoreCache": ignoreCache})
}

// Navigate sends the page to url.
func Navigate(url string) Request {
	return newRequest(MethodNavigate, map[string]any{"url": url})
}

// SetStylesheet replaces the text of the stylesheet loaded from url.
func SetStylesheet(url, text string) Request {
	return newRequest(MethodSetStylesheet, map[string]any{"url": url, "text": text})
}

// Patch describes an edit to the document served at url.
func Patch(url string, edit tokenizer.Edit) Request {
	inserted := edit.Inserted
	if inserted == nil {
		inserted = []tokenizer.Payload{}
	}
	return newRequest(MethodPatch, map[string]any{
		"url":      url,
		"start":    edit.Start,
		"removed":  edit.RemovedCount,
		"inserted": inserted,
	})
}

// Decode parses a message received from a page.
func Decode(raw string) (Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return Message{}, liveerrors.NewProtocolError(liveerrors.ErrCodeMalformedFrame, "malformed protocol message", err).
			WithContext("message", raw)
	}
	return msg, nil
}

// CodeRequest is what a page sends over the code-fetch channel to ask for
// the live text of a document.
type CodeRequest struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

// DecodeCodeRequest parses a code-fetch payload. A payload that is not a
// JSON object is taken to be the bare URL.
func DecodeCodeRequest(raw string) (CodeRequest, error) {
	var req CodeRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		req = CodeRequest{URL: raw}
	}
	if req.URL == "" {
		return CodeRequest{}, liveerrors.NewProtocolError(liveerrors.ErrCodeMalformedFrame, "code request names no document", nil).
			WithContext("message", raw)
	}
	return req, nil
}

// Reply answers a page request. Exactly one of Result and Error is set.
type Reply struct {
	ID     int64  `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CodeText builds the reply carrying the live text of the document at url.
func CodeText(id int64, url, text string) Reply {
	return Reply{ID: id, Result: map[string]string{"url": url, "text": text}}
}

// Failure builds an error reply.
func Failure(id int64, message string) Reply {
	return Reply{ID: id, Error: message}
}

// Encode serializes the reply.
func (r Reply) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", liveerrors.NewInternalError(liveerrors.ErrCodeInternalError, "failed to encode reply", err)
	}
	return string(data), nil
}
