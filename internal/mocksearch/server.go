// Package mocksearch serves a minimal DuckDuckGo-like search engine for tests and
// offline dry runs.
package mocksearch

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Call records a request made to the mock service.
type Call struct {
	Method    string
	Path      string
	Query     string
	UserAgent string
}

// Rule maps queries containing Match (case-insensitive) to result URLs.
type Rule struct {
	Match   string   `yaml:"match"`
	Results []string `yaml:"results"`
}

// Server implements the home page and the HTML results endpoint.
type Server struct {
	mu    sync.Mutex
	calls []Call
	rules []Rule

	// FormMethod is the method of the search form on the home page ("get" by default).
	FormMethod string
}

// New constructs an empty server; every query returns no profile results.
func New() *Server {
	return &Server{}
}

// AddRule appends a rule. Rules are checked in insertion order; the first match wins.
func (s *Server) AddRule(match string, results ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, Rule{Match: match, Results: results})
}

// LoadRules reads a YAML list of rules.
func (s *Server) LoadRules(r io.Reader) error {
	var rules []Rule
	if err := yaml.NewDecoder(r).Decode(&rules); err != nil && err != io.EOF {
		return fmt.Errorf("decode rules: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rules...)
	return nil
}

// LoadRulesFile reads rules from a YAML file.
func (s *Server) LoadRulesFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	return s.LoadRules(f)
}

// Handler returns an http.Handler that serves the mock engine.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome)
	mux.HandleFunc("/html/", s.handleResults)
	mux.HandleFunc("/l/", s.handleRedirect)
	return mux
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Queries returns the search queries received, in order.
func (s *Server) Queries() []string {
	var out []string
	for _, c := range s.Calls() {
		if c.Path == "/html/" {
			out = append(out, c.Query)
		}
	}
	return out
}

func (s *Server) recordCall(r *http.Request, query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     query,
		UserAgent: r.Header.Get("User-Agent"),
	})
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.recordCall(r, "")
	method := strings.ToLower(strings.TrimSpace(s.FormMethod))
	if method == "" {
		method = "get"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, `<!doctype html>
<html><body>
<form id="search_form" action="/html/" method="%s">
  <input type="text" name="q" value="">
  <input type="hidden" name="kl" value="us-en">
  <input type="submit" value="Search">
</form>
</body></html>`, method)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	query := strings.TrimSpace(r.Form.Get("q"))
	s.recordCall(r, query)

	var b strings.Builder
	b.WriteString("<!doctype html>\n<html><body>\n<div id=\"links\">\n")
	// An unrelated result first so callers must filter on the profile path.
	b.WriteString(`<div class="result"><a class="result__a" href="/l/?uddg=https%3A%2F%2Fexample.com%2Fabout">About</a></div>` + "\n")
	for _, target := range s.resultsFor(query) {
		wrapped := "/l/?uddg=" + url.QueryEscape(target)
		_, _ = fmt.Fprintf(&b, `<div class="result"><a class="result__a" href="%s">%s</a></div>`+"\n",
			html.EscapeString(wrapped), html.EscapeString(target))
	}
	b.WriteString("</div>\n</body></html>")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, b.String())
}

func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	s.recordCall(r, "")
	target := r.URL.Query().Get("uddg")
	if target == "" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) resultsFor(query string) []string {
	q := strings.ToLower(query)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rule := range s.rules {
		if strings.Contains(q, strings.ToLower(rule.Match)) {
			return append([]string(nil), rule.Results...)
		}
	}
	return nil
}
