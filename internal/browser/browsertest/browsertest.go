// Package browsertest provides scripted in-memory browser sessions for tests.
package browsertest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shpitdev/reviewer-profile-enricher/internal/browser"
)

// DefaultInputSelector is the selector the fake treats as the search box.
const DefaultInputSelector = `input[name="q"]`

// Engine scripts what every fake session sees.
type Engine struct {
	// InputSelector names the search box; empty means DefaultInputSelector.
	InputSelector string
	// HideInput makes the search box never appear.
	HideInput bool
	// Results returns the anchor hrefs shown for a submitted query, in document
	// order. A non-nil error is returned from FindAll/WaitForElement.
	Results func(query string) ([]string, error)
	// NavigateErr, when set, is returned by Navigate for the given URL.
	NavigateErr func(url string) error
	// PanicOnQuery panics inside SendInput when the query contains the string.
	PanicOnQuery string
	// DieAfterNavigations closes a session after that many navigations (0 = never).
	DieAfterNavigations int
	// ReleaseErr is returned by Release.
	ReleaseErr error
}

// Launcher hands out fake sessions and records them.
type Launcher struct {
	Engine *Engine
	// LaunchErr is consulted before each launch with the 1-based attempt number.
	LaunchErr func(attempt int) error

	mu       sync.Mutex
	attempts int
	sessions []*Session
}

// NewLauncher returns a launcher over e.
func NewLauncher(e *Engine) *Launcher {
	if e == nil {
		e = &Engine{}
	}
	return &Launcher{Engine: e}
}

func (l *Launcher) Launch(ctx context.Context, id browser.Identity) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	if l.LaunchErr != nil {
		if err := l.LaunchErr(l.attempts); err != nil {
			return nil, err
		}
	}
	s := &Session{engine: l.Engine, Identity: id}
	l.sessions = append(l.sessions, s)
	return s, nil
}

// Sessions returns a snapshot of every session launched so far.
func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Session, len(l.sessions))
	copy(out, l.sessions)
	return out
}

// Attempts returns the number of Launch calls.
func (l *Launcher) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// Stats sums counters across sessions.
func (l *Launcher) Stats() Stats {
	var total Stats
	for _, s := range l.Sessions() {
		st := s.Stats()
		total.Navigations += st.Navigations
		total.Submissions += st.Submissions
		total.Releases += st.Releases
	}
	return total
}

// Stats counts operations performed on a session.
type Stats struct {
	Navigations int
	Submissions int
	Releases    int
	Queries     []string
}

type pageState int

const (
	pageBlank pageState = iota
	pageHome
	pageResults
)

// Session is a scripted browser.Session.
type Session struct {
	engine   *Engine
	Identity browser.Identity

	mu     sync.Mutex
	state  pageState
	query  string
	dead   bool
	closed bool
	stats  Stats
}

type element struct {
	input bool
	href  string
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Queries = append([]string(nil), s.stats.Queries...)
	return st
}

func (s *Session) usable() error {
	if s.closed || s.dead {
		return browser.ErrSessionClosed
	}
	return nil
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	s.stats.Navigations++
	if n := s.engine.DieAfterNavigations; n > 0 && s.stats.Navigations > n {
		s.dead = true
		return browser.ErrSessionClosed
	}
	if s.engine.NavigateErr != nil {
		if err := s.engine.NavigateErr(url); err != nil {
			return err
		}
	}
	s.state = pageHome
	s.query = ""
	return nil
}

func (s *Session) inputSelector() string {
	if s.engine.InputSelector != "" {
		return s.engine.InputSelector
	}
	return DefaultInputSelector
}

func (s *Session) match(selector string) ([]browser.Element, error) {
	switch s.state {
	case pageHome:
		if selector == s.inputSelector() && !s.engine.HideInput {
			return []browser.Element{element{input: true}}, nil
		}
		return nil, nil
	case pageResults:
		needle, ok := hrefContains(selector)
		if !ok || s.engine.Results == nil {
			return nil, nil
		}
		hrefs, err := s.engine.Results(s.query)
		if err != nil {
			return nil, err
		}
		var out []browser.Element
		for _, h := range hrefs {
			if strings.Contains(h, needle) {
				out = append(out, element{href: h})
			}
		}
		return out, nil
	default:
		return nil, nil
	}
}

// WaitForElement resolves immediately: scripted pages are fully rendered, so an
// absent element is a timeout.
func (s *Session) WaitForElement(ctx context.Context, selector string, _ time.Duration) (browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	els, err := s.match(selector)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, browser.ErrTimeout
	}
	return els[0], nil
}

func (s *Session) SendInput(ctx context.Context, el browser.Element, text string, submit bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	e, ok := el.(element)
	if !ok || !e.input {
		return errors.New("browsertest: not an input element")
	}
	if p := s.engine.PanicOnQuery; p != "" && strings.Contains(text, p) {
		panic("browsertest: scripted panic for " + text)
	}
	if !submit {
		return nil
	}
	s.stats.Submissions++
	s.stats.Queries = append(s.stats.Queries, text)
	s.query = text
	s.state = pageResults
	return nil
}

func (s *Session) FindAll(ctx context.Context, selector string) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	return s.match(selector)
}

func (s *Session) Href(_ context.Context, el browser.Element) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return "", err
	}
	e, ok := el.(element)
	if !ok {
		return "", errors.New("browsertest: foreign element")
	}
	return e.href, nil
}

func (s *Session) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Releases++
	s.closed = true
	return s.engine.ReleaseErr
}

// hrefContains extracts the substring from an `a[href*="..."]` selector.
func hrefContains(selector string) (string, bool) {
	const prefix = `a[href*="`
	if !strings.HasPrefix(selector, prefix) || !strings.HasSuffix(selector, `"]`) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(selector, prefix), `"]`), true
}
