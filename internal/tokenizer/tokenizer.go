// Package tokenizer turns raw HTML text into a flat sequence of node
// payloads with exact source offsets. It is not an HTML parser: it only
// finds node boundaries precisely enough for a DOM patcher to compute
// minimal updates between two versions of a document.
//
// Tokenizing never fails. Unterminated tags, comments, scripts and styles
// extend to the end of the input.
package tokenizer

import (
	"iter"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type scanState int

const (
	stateScanning scanState = iota
	stateInTag
	stateInComment
	stateInScriptBody
	stateInStyleBody
	stateDone
)

// Tokenize returns a lazy sequence of payloads for source. Each call is an
// independent traversal from offset 0.
func Tokenize(source string) iter.Seq[Payload] {
	return func(yield func(Payload) bool) {
		s := newScanner(source)
		for {
			p, ok := s.next()
			if !ok || !yield(p) {
				return
			}
		}
	}
}

// All tokenizes source eagerly.
func All(source string) []Payload {
	var payloads []Payload
	for p := range Tokenize(source) {
		payloads = append(payloads, p)
	}
	return payloads
}

type scanner struct {
	src      string
	offset   int
	tagStart int
	state    scanState
	upper    cases.Caser
}

func newScanner(src string) *scanner {
	return &scanner{
		src:   src,
		state: stateScanning,
		upper: cases.Upper(language.Und),
	}
}

// next advances the state machine until it has a payload to emit. offset
// strictly increases across emitted tag payloads, so the loop terminates.
func (s *scanner) next() (Payload, bool) {
	for {
		switch s.state {
		case stateScanning:
			if s.offset >= len(s.src) {
				s.state = stateDone
				continue
			}

			start := findTagStart(s.src, s.offset)
			if start < 0 {
				off := s.offset
				s.offset = len(s.src)
				s.state = stateDone
				if p, ok := textPayload(s.src[off:], off); ok {
					return p, true
				}
				continue
			}

			s.tagStart = start
			s.state = classifyTagStart(s.src, start)

			if start > s.offset {
				off := s.offset
				s.offset = start
				if p, ok := textPayload(s.src[off:start], off); ok {
					return p, true
				}
			}

		case stateInComment:
			body := s.tagStart + len("<!--")
			length := len(s.src) - s.tagStart
			value := s.src[body:]
			if end := strings.Index(s.src[body:], "-->"); end >= 0 {
				length = body + end + len("-->") - s.tagStart
				value = s.src[body : body+end]
			}
			return s.emit(Payload{
				NodeType:  Comment,
				NodeValue: value,
			}, length), true

		case stateInScriptBody, stateInStyleBody:
			closeTag := "</script"
			if s.state == stateInStyleBody {
				closeTag = "</style"
			}

			length := len(s.src) - s.tagStart
			if idx := indexFold(s.src, closeTag, s.tagStart+1); idx >= 0 {
				length = idx - s.tagStart
			}

			span := s.src[s.tagStart : s.tagStart+length]
			openTag := span
			if end := findTagEnd(span, 1); end >= 0 {
				openTag = span[:end+1]
			}

			p := s.elementPayload(openTag)
			p.Closed = true
			return s.emit(p, length), true

		case stateInTag:
			length := len(s.src) - s.tagStart
			if end := findTagEnd(s.src, s.tagStart+1); end >= 0 {
				length = end + 1 - s.tagStart
			}

			tag := s.src[s.tagStart : s.tagStart+length]
			if tag[1] == '!' {
				return s.emit(Payload{NodeType: Doctype}, length), true
			}
			return s.emit(s.elementPayload(tag), length), true

		case stateDone:
			return Payload{}, false
		}
	}
}

func (s *scanner) emit(p Payload, length int) Payload {
	p.SourceOffset = s.tagStart
	p.SourceLength = length
	s.offset = s.tagStart + length
	s.state = stateScanning
	return p
}

// elementPayload builds an Element payload from the text of a single tag,
// with or without its terminating '>'.
func (s *scanner) elementPayload(tag string) Payload {
	body := tag[1:]
	closing := strings.HasPrefix(body, "/")
	closed := false

	if strings.HasSuffix(body, ">") {
		body = body[:len(body)-1]
		if !closing && strings.HasSuffix(body, "/") {
			body = body[:len(body)-1]
			closed = true
		}
	}

	nameEnd := strings.IndexFunc(body, isSpace)
	if nameEnd < 0 {
		nameEnd = len(body)
	}
	name := body[:nameEnd]
	if closing {
		name = name[1:]
	}

	return Payload{
		NodeType:   Element,
		NodeName:   s.upper.String(name),
		Attributes: parseAttributes(body[nameEnd:]),
		Closing:    closing,
		Closed:     closed,
	}
}

func textPayload(text string, offset int) (Payload, bool) {
	if strings.TrimSpace(text) == "" {
		return Payload{}, false
	}
	return Payload{
		NodeType:     Text,
		NodeValue:    text,
		SourceOffset: offset,
		SourceLength: len(text),
	}, true
}

// findTagStart returns the index of the next '<' that is followed by a
// letter, '!' or '/', or -1.
func findTagStart(src string, from int) int {
	for i := from; i < len(src)-1; i++ {
		idx := strings.IndexByte(src[i:len(src)-1], '<')
		if idx < 0 {
			return -1
		}
		i += idx
		c := src[i+1]
		if isLetter(c) || c == '!' || c == '/' {
			return i
		}
	}
	return -1
}

func classifyTagStart(src string, start int) scanState {
	rest := src[start:]
	switch {
	case strings.HasPrefix(rest, "<!--"):
		return stateInComment
	case hasPrefixFold(rest, "<script") && isTagNameBoundary(rest, len("<script")):
		return stateInScriptBody
	case hasPrefixFold(rest, "<style") && isTagNameBoundary(rest, len("<style")):
		return stateInStyleBody
	default:
		return stateInTag
	}
}

// findTagEnd returns the index of the first '>' at or after from that is not
// inside a quoted string, or -1. A quote preceded by a backslash does not
// open or close a string.
func findTagEnd(src string, from int) int {
	var quote byte
	for i := from; i < len(src); i++ {
		c := src[i]
		switch {
		case quote != 0:
			if c == quote && !escaped(src, i) {
				quote = 0
			}
		case c == '"' || c == '\'':
			if !escaped(src, i) {
				quote = c
			}
		case c == '>':
			return i
		}
	}
	return -1
}

func escaped(src string, i int) bool {
	return i > 0 && src[i-1] == '\\'
}

func isTagNameBoundary(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	c := s[i]
	return c == '>' || c == '/' || isSpaceByte(c)
}

// hasPrefixFold reports whether s starts with prefix, ignoring ASCII case.
// prefix must be lower case.
func hasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		if toLowerASCII(s[i]) != prefix[i] {
			return false
		}
	}
	return true
}

// indexFold finds a lower-case needle in s starting at from, ignoring ASCII
// case. Only ASCII bytes are folded so offsets stay byte-exact.
func indexFold(s, needle string, from int) int {
	for i := from; i+len(needle) <= len(s); i++ {
		if hasPrefixFold(s[i:], needle) {
			return i
		}
	}
	return -1
}

func toLowerASCII(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

func isLetter(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

func isSpace(r rune) bool {
	return r < 0x80 && isSpaceByte(byte(r))
}
