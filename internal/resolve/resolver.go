// Package resolve implements the per-record search-and-extract algorithm that
// maps a reviewer to a professional-network profile link.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shpitdev/reviewer-profile-enricher/internal/browser"
	"github.com/shpitdev/reviewer-profile-enricher/internal/enrich"
)

// Resolution stages, used to label errors.
const (
	StageNavigate    = "navigate"
	StageWaitInput   = "wait_input"
	StageSubmit      = "submit"
	StageWaitResults = "wait_results"
	StageExtract     = "extract"
)

// Config controls where and how the resolver searches.
type Config struct {
	// SearchURL is the search engine entry page.
	SearchURL string
	// ProfileDomain is the professional network whose /in/ profile paths are wanted.
	ProfileDomain string
	// InputSelector locates the query box on the entry page.
	InputSelector string
	InputTimeout  time.Duration
	ResultTimeout time.Duration
}

// DefaultConfig returns the DuckDuckGo/LinkedIn defaults.
func DefaultConfig() Config {
	return Config{
		SearchURL:     "https://duckduckgo.com/",
		ProfileDomain: "linkedin.com",
		InputSelector: `input[name="q"]`,
		InputTimeout:  5 * time.Second,
		ResultTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.SearchURL) == "" {
		c.SearchURL = d.SearchURL
	}
	if strings.TrimSpace(c.ProfileDomain) == "" {
		c.ProfileDomain = d.ProfileDomain
	}
	if strings.TrimSpace(c.InputSelector) == "" {
		c.InputSelector = d.InputSelector
	}
	if c.InputTimeout <= 0 {
		c.InputTimeout = d.InputTimeout
	}
	if c.ResultTimeout <= 0 {
		c.ResultTimeout = d.ResultTimeout
	}
	c.ProfileDomain = strings.Trim(strings.TrimSpace(c.ProfileDomain), "/")
	return c
}

// Resolver runs the search-and-extract state machine against a session.
// It keeps no per-record state between calls.
type Resolver struct {
	cfg Config
}

// New returns a Resolver; zero Config fields take their defaults.
func New(cfg Config) *Resolver {
	return &Resolver{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (r *Resolver) Config() Config {
	return r.cfg
}

// NormalizeName trims surrounding whitespace from a reviewer name.
func NormalizeName(name string) string {
	return strings.TrimSpace(name)
}

// IsAnonymous reports whether a (normalized) name marks an anonymous reviewer.
func IsAnonymous(name string) bool {
	return strings.EqualFold(NormalizeName(name), "anonymous")
}

// CompanyToken keeps the last comma-separated segment of a company field.
func CompanyToken(company string) string {
	if i := strings.LastIndex(company, ","); i >= 0 {
		return strings.TrimSpace(company[i+1:])
	}
	return strings.TrimSpace(company)
}

// Query builds "<name> <company> site:<domain>/in", skipping empty parts.
func Query(name, companyToken, domain string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{NormalizeName(name), strings.TrimSpace(companyToken)} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	parts = append(parts, "site:"+domain+"/in")
	return strings.Join(parts, " ")
}

// ProfileSelector matches anchors pointing at a profile path on domain.
func ProfileSelector(domain string) string {
	return `a[href*="` + domain + `/in/"]`
}

// Resolve classifies one record. It never panics and never returns a fatal
// error: any failure yields enrich.Failed() together with a *enrich.ResolutionError
// describing it. An anonymous reviewer resolves without touching the session.
func (r *Resolver) Resolve(ctx context.Context, s browser.Session, rec enrich.Record) (out enrich.Outcome, err error) {
	name := NormalizeName(rec.Name)
	if IsAnonymous(name) {
		return enrich.Anonymous(), nil
	}

	stage := StageNavigate
	fail := func(e error) (enrich.Outcome, error) {
		return enrich.Failed(), &enrich.ResolutionError{Stage: stage, Err: e}
	}
	defer func() {
		if p := recover(); p != nil {
			out, err = fail(fmt.Errorf("panic: %v", p))
		}
	}()

	if s == nil {
		return fail(browser.ErrSessionClosed)
	}
	query := Query(name, CompanyToken(rec.Company), r.cfg.ProfileDomain)

	if err := s.Navigate(ctx, r.cfg.SearchURL); err != nil {
		return fail(err)
	}

	stage = StageWaitInput
	box, err := s.WaitForElement(ctx, r.cfg.InputSelector, r.cfg.InputTimeout)
	if err != nil {
		return fail(err)
	}

	stage = StageSubmit
	if err := s.SendInput(ctx, box, query, true); err != nil {
		return fail(err)
	}

	stage = StageWaitResults
	selector := ProfileSelector(r.cfg.ProfileDomain)
	if _, err := s.WaitForElement(ctx, selector, r.cfg.ResultTimeout); err != nil {
		if errors.Is(err, browser.ErrTimeout) {
			return enrich.NotFound(), nil
		}
		return fail(err)
	}

	stage = StageExtract
	anchors, err := s.FindAll(ctx, selector)
	if err != nil {
		return fail(err)
	}
	if len(anchors) == 0 {
		return enrich.NotFound(), nil
	}
	href, err := s.Href(ctx, anchors[0])
	if err != nil {
		return fail(err)
	}
	if strings.TrimSpace(href) == "" {
		return enrich.NotFound(), nil
	}
	return enrich.Found(href), nil
}
