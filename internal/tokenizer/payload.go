package tokenizer

import (
	"bytes"
	"encoding/json"
)

// NodeType mirrors the DOM nodeType numbering so payloads can be handed to
// a browser-side patcher without translation.
type NodeType int

const (
	Element NodeType = 1
	Text    NodeType = 3
	Comment NodeType = 8
	Doctype NodeType = 10
)

// String returns the string representation of the node type
func (t NodeType) String() string {
	switch t {
	case Element:
		return "element"
	case Text:
		return "text"
	case Comment:
		return "comment"
	case Doctype:
		return "doctype"
	default:
		return "unknown"
	}
}

// Payload describes one markup construct and the span of source it was
// derived from.
type Payload struct {
	NodeType NodeType `json:"nodeType"`
	// NodeName is the upper-cased tag name; Element only.
	NodeName string `json:"nodeName,omitempty"`
	// Attributes is set for Element payloads only.
	Attributes Attributes `json:"attributes,omitempty"`
	// NodeValue holds raw text for Text and the comment body for Comment.
	NodeValue string `json:"nodeValue,omitempty"`
	Closing   bool   `json:"closing,omitempty"`
	// Closed is true for self-closing tags and for SCRIPT/STYLE payloads
	// that already include their body.
	Closed       bool `json:"closed,omitempty"`
	SourceOffset int  `json:"sourceOffset"`
	SourceLength int  `json:"sourceLength"`
}

// End returns the offset one past the last source byte of the payload.
func (p Payload) End() int {
	return p.SourceOffset + p.SourceLength
}

// Slice returns the part of source the payload was derived from.
func Slice(source string, p Payload) string {
	return source[p.SourceOffset:p.End()]
}

// Attribute is a single name/value pair as written in the source.
type Attribute struct {
	Name  string
	Value string
}

// Attributes keeps attributes in source order. A repeated name replaces the
// earlier value in place.
type Attributes []Attribute

// Get returns the value for name.
func (a Attributes) Get(name string) (string, bool) {
	for _, attr := range a {
		if attr.Name == name {
			return attr.Value, true
		}
	}
	return "", false
}

// Len returns the number of distinct attributes.
func (a Attributes) Len() int {
	return len(a)
}

// Map returns the attributes as an unordered map.
func (a Attributes) Map() map[string]string {
	m := make(map[string]string, len(a))
	for _, attr := range a {
		m[attr.Name] = attr.Value
	}
	return m
}

func (a Attributes) set(name, value string) Attributes {
	for i := range a {
		if a[i].Name == name {
			a[i].Value = value
			return a
		}
	}
	return append(a, Attribute{Name: name, Value: value})
}

// MarshalJSON encodes the attributes as a JSON object in source order.
func (a Attributes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, attr := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(attr.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(attr.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
