package validation

import (
	"net/url"
	"strings"
	"testing"
)

// FuzzValidateURL checks that anything ValidateURL accepts parses as an
// http(s) URL with a host and carries no shell metacharacters.
func FuzzValidateURL(f *testing.F) {
	f.Add("http://127.0.0.1:8080/")
	f.Add("https://example.com/a%20b.html")
	f.Add("javascript:alert('xss')")
	f.Add("file:///etc/passwd")
	f.Add("http://localhost:8080; rm -rf /")
	f.Add("http://localhost:8080\r\nHost: evil")
	f.Add("http://")
	f.Add("")

	f.Fuzz(func(t *testing.T, raw string) {
		if len(raw) > 4096 {
			t.Skip("too long")
		}
		if ValidateURL(raw) != nil {
			return
		}

		parsed, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("accepted unparseable URL %q", raw)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			t.Fatalf("accepted scheme %q", parsed.Scheme)
		}
		if parsed.Host == "" {
			t.Fatalf("accepted URL without host %q", raw)
		}
		if strings.ContainsAny(raw, ";&|`$()<>\"'\\\n\r ") {
			t.Fatalf("accepted metacharacters in %q", raw)
		}
	})
}
