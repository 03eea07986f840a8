// Package browser is the capability boundary between profile resolution and a
// concrete browser-automation backend.
//
// A Session is one isolated browsing context. It is owned by exactly one batch
// and is never shared or reused; WithSession scopes its lifetime.
package browser

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

var (
	// ErrTimeout is returned by WaitForElement when the bound elapses before a
	// matching element appears. FindAll never returns it: an empty result is not a
	// timeout.
	ErrTimeout = errors.New("browser: wait timed out")

	// ErrSessionClosed is returned by operations on a released or crashed session.
	ErrSessionClosed = errors.New("browser: session closed")
)

// Element is an opaque handle to a node of the page a Session currently shows.
// It is only meaningful to the Session that returned it.
type Element any

// Session is the set of browser operations the resolver needs.
type Session interface {
	Navigate(ctx context.Context, url string) error
	WaitForElement(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	// SendInput replaces the element's value with text and, when submit is set,
	// submits it as if Enter had been pressed.
	SendInput(ctx context.Context, el Element, text string, submit bool) error
	FindAll(ctx context.Context, selector string) ([]Element, error)
	// Href returns the absolute target URL of an anchor element.
	Href(ctx context.Context, el Element) (string, error)
	// Release terminates the session. It is safe to call more than once.
	Release() error
}

// Launcher creates sessions.
type Launcher interface {
	Launch(ctx context.Context, id Identity) (Session, error)
}

// Identity is the client identity a session presents to the search engine.
type Identity struct {
	UserAgent string
}

// UserAgents is the fixed pool identities are drawn from.
var UserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15",
}

// PickIdentity draws a user agent uniformly from UserAgents using r.
// A nil r falls back to the process-wide source.
func PickIdentity(r *rand.Rand) Identity {
	var i int
	if r == nil {
		i = rand.IntN(len(UserAgents))
	} else {
		i = r.IntN(len(UserAgents))
	}
	return Identity{UserAgent: UserAgents[i]}
}

// Config holds backend settings shared by the launchers.
type Config struct {
	Headless        bool
	PageLoadTimeout time.Duration
	WindowWidth     int
	WindowHeight    int

	// ChromeBin overrides the Chrome binary used by the rod backend.
	ChromeBin string
	// ProxyURL routes session traffic through a proxy. It may carry credentials.
	ProxyURL string
}

// DefaultConfig returns the defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		Headless:        true,
		PageLoadTimeout: 20 * time.Second,
		WindowWidth:     1200,
		WindowHeight:    800,
	}
}

// NavigationTimeout returns the page-load bound.
func (c Config) NavigationTimeout() time.Duration {
	if c.PageLoadTimeout <= 0 {
		return 20 * time.Second
	}
	return c.PageLoadTimeout
}

func (c Config) windowSize() (int, int) {
	w, h := c.WindowWidth, c.WindowHeight
	if w <= 0 {
		w = 1200
	}
	if h <= 0 {
		h = 800
	}
	return w, h
}
