package browser

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/shpitdev/reviewer-profile-enricher/pkg/pipeline/redact"
)

// HTTPError is a sanitized summary of a non-2xx page load by the static backend.
//
// Raw bodies are never kept: search engines echo the query (and so the
// reviewer's name) back into error pages.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string

	// Snippet is a redacted, truncated hint of the body.
	Snippet string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "http error"
	}
	parts := []string{fmt.Sprintf("%s %s: status %s", e.Method, e.URL, strings.TrimSpace(e.Status))}
	if e.Snippet != "" {
		parts = append(parts, "body="+e.Snippet)
	}
	return strings.Join(parts, " ")
}

// Throttled reports whether the engine is pushing back on request volume.
func (e *HTTPError) Throttled() bool {
	return e != nil && (e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusServiceUnavailable)
}

func newHTTPError(req *http.Request, resp *http.Response, body []byte) error {
	h := &HTTPError{Method: req.Method, URL: req.URL.Redacted()}
	if resp != nil {
		h.StatusCode = resp.StatusCode
		h.Status = resp.Status
	}
	h.Snippet = redactAndTruncate(body)
	return h
}

func redactAndTruncate(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	const max = 128
	b := body
	if len(b) > max {
		b = b[:max]
	}
	s := redact.Secrets(string(b))
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	if len(body) > max {
		return s + "..."
	}
	return s
}
