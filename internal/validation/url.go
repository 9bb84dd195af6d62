// Package validation holds the input checks shared by configuration loading
// and the CLI. Each check is exposed both as a plain function and as an
// ozzo-validation rule.
package validation

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	ozzo "github.com/go-ozzo/ozzo-validation/v4"
)

// ValidateURL accepts absolute http and https URLs that are safe to hand to
// a browser launcher. Shell metacharacters and whitespace are rejected.
func ValidateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	// Only allow http/https schemes to prevent protocol handlers
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme: %s (only http/https allowed)", parsed.Scheme)
	}

	dangerous := []string{";", "&", "|", "`", "$", "(", ")", "<", ">", "\"", "'", "\\", "\n", "\r"}
	for _, char := range dangerous {
		if strings.Contains(rawURL, char) {
			return fmt.Errorf("URL contains dangerous character: %s", char)
		}
	}

	if strings.Contains(rawURL, " ") {
		return fmt.Errorf("URL contains spaces")
	}

	if parsed.Host == "" {
		return fmt.Errorf("URL must have a valid hostname")
	}

	return nil
}

// ValidateMountPath accepts absolute URL paths such as "/" or "/ws".
func ValidateMountPath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("path %q must start with /", p)
	}
	if strings.ContainsAny(p, "?# \t\r\n") {
		return fmt.Errorf("path %q must not contain a query, fragment or whitespace", p)
	}
	return nil
}

// ValidateOriginPattern accepts host patterns in path.Match syntax, as used
// for websocket origin checks ("localhost:*").
func ValidateOriginPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("origin pattern is empty")
	}
	if strings.Contains(pattern, "://") {
		return fmt.Errorf("origin pattern %q must be a host pattern without a scheme", pattern)
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("origin pattern %q is malformed: %w", pattern, err)
	}
	return nil
}

// Rules for use inside ozzo.ValidateStruct. Empty values pass; combine with
// ozzo.Required where a value is mandatory.
var (
	IsURL           = stringRule(ValidateURL)
	IsMountPath     = stringRule(ValidateMountPath)
	IsOriginPattern = stringRule(ValidateOriginPattern)
)

func stringRule(check func(string) error) ozzo.Rule {
	return ozzo.By(func(value interface{}) error {
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("must be a string")
		}
		if s == "" {
			return nil
		}
		return check(s)
	})
}
