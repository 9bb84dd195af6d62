package tokenizer

import "strings"

// parseAttributes extracts attributes from the part of a tag that follows
// the tag name. Tokens are separated by whitespace outside quotes and split
// on their first unquoted '='.
//
// A token without '=' is a flag attribute and is recorded with an empty
// value, as long as it is a plausible attribute name. Tokens with an empty
// key are discarded.
func parseAttributes(rest string) Attributes {
	var attrs Attributes
	for _, token := range splitAttributeTokens(rest) {
		eq := indexUnquoted(token, '=')
		if eq < 0 {
			if isAttributeName(token) {
				attrs = attrs.set(token, "")
			}
			continue
		}

		key := strings.TrimSpace(token[:eq])
		if key == "" {
			continue
		}
		attrs = attrs.set(key, unquote(strings.TrimSpace(token[eq+1:])))
	}
	return attrs
}

func splitAttributeTokens(s string) []string {
	var tokens []string
	var quote byte
	start := -1

	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote && !escaped(s, i) {
				quote = 0
			}
			continue
		}
		if isSpaceByte(c) {
			if start >= 0 {
				tokens = append(tokens, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
		if (c == '"' || c == '\'') && !escaped(s, i) {
			quote = c
		}
	}
	if start >= 0 {
		tokens = append(tokens, s[start:])
	}
	return tokens
}

func indexUnquoted(s string, target byte) int {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote && !escaped(s, i) {
				quote = 0
			}
		case c == '"' || c == '\'':
			if !escaped(s, i) {
				quote = c
			}
		case c == target:
			return i
		}
	}
	return -1
}

// unquote strips matching surrounding quotes and un-escapes escaped copies
// of that quote character.
func unquote(v string) string {
	if len(v) < 2 {
		return v
	}
	q := v[0]
	if (q != '"' && q != '\'') || v[len(v)-1] != q {
		return v
	}
	quote := string(q)
	return strings.ReplaceAll(v[1:len(v)-1], `\`+quote, quote)
}

func isAttributeName(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, "\"'<>/=")
}
