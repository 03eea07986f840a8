package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/shpitdev/reviewer-profile-enricher/pkg/pipeline/redact"
)

const (
	// controlTimeout bounds CDP calls made outside a caller's wait: liveness
	// probes and closing pages and browsers.
	controlTimeout = 5 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// unwrapRedirectsJS rewrites anchors pointing at a search engine's click
// redirect so their href is the destination. It follows the same rule as
// redirectTarget: the first listed query parameter holding an absolute
// http(s) URL wins.
const unwrapRedirectsJS = `(params) => {
	for (const a of document.querySelectorAll('a[href]')) {
		let u;
		try { u = new URL(a.getAttribute('href'), document.baseURI); } catch (e) { continue; }
		if (!u.search) continue;
		for (const k of params) {
			const v = (u.searchParams.get(k) || '').trim();
			if (!v) continue;
			let t;
			try { t = new URL(v); } catch (e) { continue; }
			if (t.protocol !== 'http:' && t.protocol !== 'https:') continue;
			a.setAttribute('href', t.href);
			break;
		}
	}
	return true;
}`

// RodLauncher starts one headless Chrome process per session.
type RodLauncher struct {
	cfg    Config
	logger *zap.Logger
}

// NewRodLauncher returns a Launcher backed by go-rod.
func NewRodLauncher(cfg Config, logger *zap.Logger) *RodLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RodLauncher{cfg: cfg, logger: logger}
}

func (l *RodLauncher) newLauncher(id Identity) *launcher.Launcher {
	w, h := l.cfg.windowSize()
	ln := launcher.New().
		Headless(l.cfg.Headless).
		NoSandbox(true).
		Set(flags.Flag("disable-blink-features"), "AutomationControlled").
		Set(flags.Flag("window-size"), fmt.Sprintf("%d,%d", w, h)).
		Set(flags.Flag("disable-extensions")).
		Set(flags.Flag("disable-gpu")).
		Set(flags.Flag("disable-dev-shm-usage"))
	if ua := strings.TrimSpace(id.UserAgent); ua != "" {
		ln = ln.Set(flags.Flag("user-agent"), ua)
	}
	if bin := strings.TrimSpace(l.cfg.ChromeBin); bin != "" {
		ln = ln.Bin(bin)
	}
	if proxy := strings.TrimSpace(l.cfg.ProxyURL); proxy != "" {
		ln = ln.Proxy(proxy)
	}
	return ln
}

// Launch starts Chrome, opens an incognito page and applies the identity.
func (l *RodLauncher) Launch(ctx context.Context, id Identity) (Session, error) {
	ln := l.newLauncher(id).Context(ctx)
	controlURL, err := ln.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	s := &rodSession{ln: ln, cfg: l.cfg, logger: l.logger}
	fail := func(err error) (Session, error) {
		_ = s.Release()
		return nil, err
	}

	s.browser = rod.New().ControlURL(controlURL)
	if err := s.browser.Connect(); err != nil {
		return fail(fmt.Errorf("connect to chrome: %w", err))
	}
	incognito, err := s.browser.Incognito()
	if err != nil {
		return fail(fmt.Errorf("incognito context: %w", err))
	}
	s.page, err = incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		return fail(fmt.Errorf("create page: %w", err))
	}
	if ua := strings.TrimSpace(id.UserAgent); ua != "" {
		if err := s.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
			return fail(fmt.Errorf("set user agent: %w", err))
		}
	}

	l.logger.Debug("chrome session launched",
		zap.String("userAgent", id.UserAgent),
		zap.Bool("headless", l.cfg.Headless),
	)
	return s, nil
}

type rodSession struct {
	ln      *launcher.Launcher
	browser *rod.Browser
	page    *rod.Page
	cfg     Config
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
}

type rodElement struct {
	el *rod.Element
}

func (s *rodSession) live() (*rod.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.page == nil {
		return nil, ErrSessionClosed
	}
	return s.page, nil
}

// classify marks errors from a dead browser so callers can stop using the session.
func (s *rodSession) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, verr := s.browser.Timeout(controlTimeout).Version(); verr != nil {
		return fmt.Errorf("%s: %w (%v)", op, ErrSessionClosed, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *rodSession) Navigate(ctx context.Context, url string) error {
	page, err := s.live()
	if err != nil {
		return err
	}
	p := page.Context(ctx).Timeout(s.cfg.NavigationTimeout())
	defer p.CancelTimeout()
	if err := p.Navigate(url); err != nil {
		return s.classify("navigate", err)
	}
	return s.classify("wait load", p.WaitLoad())
}

// WaitForElement polls the page until selector matches, unwrapping redirect
// anchors on every pass so profile selectors see real destinations. Query
// errors while the page is still loading are retried until the bound.
func (s *rodSession) WaitForElement(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	page, err := s.live()
	if err != nil {
		return nil, err
	}
	p := page.Context(ctx).Timeout(timeout)
	defer p.CancelTimeout()
	wait := p.GetContext()

	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		els, qerr := s.query(p, selector)
		if qerr == nil && len(els) > 0 {
			return els[0], nil
		}
		select {
		case <-wait.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if qerr != nil && !errors.Is(qerr, context.DeadlineExceeded) {
				if cerr := s.classify("wait for "+selector, qerr); errors.Is(cerr, ErrSessionClosed) {
					return nil, cerr
				}
			}
			return nil, ErrTimeout
		case <-tick.C:
		}
	}
}

// query unwraps redirect anchors and returns the current matches without waiting.
func (s *rodSession) query(p *rod.Page, selector string) ([]Element, error) {
	if _, err := p.Eval(unwrapRedirectsJS, redirectParams); err != nil {
		return nil, err
	}
	els, err := p.Elements(selector)
	if err != nil {
		return nil, err
	}
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, rodElement{el: el})
	}
	return out, nil
}

func (s *rodSession) SendInput(ctx context.Context, el Element, text string, submit bool) error {
	if _, err := s.live(); err != nil {
		return err
	}
	re, ok := el.(rodElement)
	if !ok || re.el == nil {
		return fmt.Errorf("send input: foreign element %T", el)
	}
	e := re.el.Context(ctx).Timeout(s.cfg.NavigationTimeout())
	defer e.CancelTimeout()
	if err := e.Input(text); err != nil {
		return s.classify("input", err)
	}
	if submit {
		if err := e.Type(input.Enter); err != nil {
			return s.classify("submit", err)
		}
	}
	return nil
}

func (s *rodSession) FindAll(ctx context.Context, selector string) ([]Element, error) {
	page, err := s.live()
	if err != nil {
		return nil, err
	}
	p := page.Context(ctx).Timeout(controlTimeout)
	defer p.CancelTimeout()
	els, err := s.query(p, selector)
	if err != nil {
		return nil, s.classify("find "+selector, err)
	}
	return els, nil
}

func (s *rodSession) Href(ctx context.Context, el Element) (string, error) {
	if _, err := s.live(); err != nil {
		return "", err
	}
	re, ok := el.(rodElement)
	if !ok || re.el == nil {
		return "", fmt.Errorf("href: foreign element %T", el)
	}
	e := re.el.Context(ctx).Timeout(controlTimeout)
	defer e.CancelTimeout()
	// The href property is resolved against the document base, unlike the attribute.
	prop, err := e.Property("href")
	if err == nil && !prop.Nil() && prop.Str() != "" {
		return prop.Str(), nil
	}
	attr, err := e.Attribute("href")
	if err != nil {
		return "", s.classify("href", err)
	}
	if attr == nil {
		return "", nil
	}
	return *attr, nil
}

func (s *rodSession) Release() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if s.page != nil {
		if err := s.page.Timeout(controlTimeout).Close(); err != nil {
			errs = append(errs, fmt.Errorf("close page: %w", err))
		}
	}
	if s.browser != nil {
		if err := s.browser.Timeout(controlTimeout).Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	if s.ln != nil {
		s.ln.Kill()
		s.ln.Cleanup()
	}
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Debug("chrome session release failed", zap.String("error", redact.Secrets(err.Error())))
	}
	return err
}
