package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const maxPageBytes = 4 << 20

// redirectParams are query keys search engines use to wrap outbound result links.
var redirectParams = []string{"uddg", "url", "q"}

// StaticLauncher drives search pages over plain HTTP without a JavaScript
// engine. Each session has its own cookie jar and connection pool.
type StaticLauncher struct {
	cfg       Config
	transport http.RoundTripper
}

// NewStaticLauncher returns a Launcher that fetches and parses HTML directly.
// A nil transport uses a fresh http.Transport per session.
func NewStaticLauncher(cfg Config, transport http.RoundTripper) *StaticLauncher {
	return &StaticLauncher{cfg: cfg, transport: transport}
}

func (l *StaticLauncher) Launch(_ context.Context, id Identity) (Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	rt := l.transport
	if rt == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if p := strings.TrimSpace(l.cfg.ProxyURL); p != "" {
			pu, err := url.Parse(p)
			if err != nil {
				return nil, fmt.Errorf("parse proxy url: %w", err)
			}
			tr.Proxy = http.ProxyURL(pu)
		}
		rt = tr
	}
	return &staticSession{
		client: &http.Client{
			Jar:       jar,
			Timeout:   l.cfg.NavigationTimeout(),
			Transport: rt,
		},
		userAgent: id.UserAgent,
	}, nil
}

type staticSession struct {
	client    *http.Client
	userAgent string

	mu     sync.Mutex
	closed bool
	doc    *goquery.Document
	base   *url.URL
}

type staticElement struct {
	sel *goquery.Selection
}

func (s *staticSession) Navigate(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	return s.load(req)
}

func (s *staticSession) load(req *http.Request) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return newHTTPError(req, resp, body)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return fmt.Errorf("parse %s: %w", req.URL.Redacted(), err)
	}
	base := resp.Request.URL
	unwrapRedirectLinks(doc, base)

	s.mu.Lock()
	s.doc, s.base = doc, base
	s.mu.Unlock()
	return nil
}

func (s *staticSession) current() (*goquery.Document, *url.URL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrSessionClosed
	}
	return s.doc, s.base, nil
}

// WaitForElement looks the selector up in the loaded page. A static page never
// changes, so a missing element is reported as a timeout without waiting.
func (s *staticSession) WaitForElement(ctx context.Context, selector string, _ time.Duration) (Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, _, err := s.current()
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrTimeout
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil, ErrTimeout
	}
	return staticElement{sel: sel}, nil
}

func (s *staticSession) FindAll(ctx context.Context, selector string) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, _, err := s.current()
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	var out []Element
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		out = append(out, staticElement{sel: sel})
	})
	return out, nil
}

func (s *staticSession) Href(_ context.Context, el Element) (string, error) {
	se, ok := el.(staticElement)
	if !ok || se.sel == nil {
		return "", fmt.Errorf("href: foreign element %T", el)
	}
	_, base, err := s.current()
	if err != nil {
		return "", err
	}
	href, ok := se.sel.Attr("href")
	if !ok {
		return "", nil
	}
	return resolveRef(base, href), nil
}

// SendInput sets the input's value and, on submit, submits its enclosing form
// the way a browser would.
func (s *staticSession) SendInput(ctx context.Context, el Element, text string, submit bool) error {
	se, ok := el.(staticElement)
	if !ok || se.sel == nil {
		return fmt.Errorf("send input: foreign element %T", el)
	}
	_, base, err := s.current()
	if err != nil {
		return err
	}
	se.sel.SetAttr("value", text)
	if !submit {
		return nil
	}

	form := se.sel.Closest("form")
	if form.Length() == 0 {
		return fmt.Errorf("send input: element is not inside a form")
	}
	req, err := formRequest(ctx, form, base)
	if err != nil {
		return err
	}
	return s.load(req)
}

func (s *staticSession) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.doc = nil
	s.client.CloseIdleConnections()
	return nil
}

func formRequest(ctx context.Context, form *goquery.Selection, base *url.URL) (*http.Request, error) {
	values := url.Values{}
	form.Find("input[name], textarea[name], select[name]").Each(func(_ int, f *goquery.Selection) {
		name, _ := f.Attr("name")
		switch strings.ToLower(f.AttrOr("type", "text")) {
		case "submit", "button", "image", "reset", "file":
			return
		case "checkbox", "radio":
			if _, checked := f.Attr("checked"); !checked {
				return
			}
		}
		values.Add(name, f.AttrOr("value", ""))
	})

	action := resolveRef(base, form.AttrOr("action", ""))
	if action == "" && base != nil {
		action = base.String()
	}
	target, err := url.Parse(action)
	if err != nil {
		return nil, fmt.Errorf("form action: %w", err)
	}

	if strings.EqualFold(form.AttrOr("method", "get"), http.MethodPost) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(values.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}
	target.RawQuery = values.Encode()
	return http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
}

func resolveRef(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}

// unwrapRedirectLinks rewrites result anchors that point at a search engine's
// click-tracking redirect so their href is the real destination.
func unwrapRedirectLinks(doc *goquery.Document, base *url.URL) {
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if target, ok := redirectTarget(resolveRef(base, href)); ok {
			a.SetAttr("href", target)
		}
	})
}

func redirectTarget(href string) (string, bool) {
	u, err := url.Parse(href)
	if err != nil || u.RawQuery == "" {
		return "", false
	}
	q := u.Query()
	for _, key := range redirectParams {
		v := strings.TrimSpace(q.Get(key))
		if v == "" {
			continue
		}
		t, err := url.Parse(v)
		if err != nil || t.Host == "" || (t.Scheme != "http" && t.Scheme != "https") {
			continue
		}
		return t.String(), true
	}
	return "", false
}
