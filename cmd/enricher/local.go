package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shpitdev/reviewer-profile-enricher/internal/app"
	"github.com/shpitdev/reviewer-profile-enricher/internal/browser"
	"github.com/shpitdev/reviewer-profile-enricher/internal/config"
	"github.com/shpitdev/reviewer-profile-enricher/internal/logging"
	"github.com/shpitdev/reviewer-profile-enricher/internal/pipeline"
	"github.com/shpitdev/reviewer-profile-enricher/internal/resolve"
)

type localFlags struct {
	outputDir       string
	maxFiles        int
	workers         int
	minBatch        int
	concurrency     int
	delayMin        time.Duration
	delayMax        time.Duration
	rateLimitRPS    float64
	sessionRetries  int
	seed            uint64
	backend         string
	headless        bool
	chromeBin       string
	proxyURL        string
	pageLoadTimeout time.Duration
	searchURL       string
	profileDomain   string
	quiet           bool
}

func (lf *localFlags) apply(set func(string, func()), cfg *config.Config) {
	set("output-dir", func() { cfg.OutputDir = lf.outputDir })
	set("max-files", func() { cfg.MaxFiles = lf.maxFiles })
	set("workers", func() { cfg.Workers = lf.workers })
	set("min-batch", func() { cfg.MinBatch = lf.minBatch })
	set("concurrency", func() { cfg.Concurrency = lf.concurrency })
	set("delay-min", func() { cfg.DelayMin = lf.delayMin })
	set("delay-max", func() { cfg.DelayMax = lf.delayMax })
	set("rate-limit-rps", func() { cfg.RateLimitRPS = lf.rateLimitRPS })
	set("session-retries", func() { cfg.SessionRetries = lf.sessionRetries })
	set("seed", func() { cfg.Seed = lf.seed })
	set("backend", func() { cfg.Backend = lf.backend })
	set("headless", func() { cfg.Headless = lf.headless })
	set("chrome-bin", func() { cfg.ChromeBin = lf.chromeBin })
	set("proxy-url", func() { cfg.ProxyURL = lf.proxyURL })
	set("page-load-timeout", func() { cfg.PageLoadTimeout = lf.pageLoadTimeout })
	set("search-url", func() { cfg.SearchURL = lf.searchURL })
	set("profile-domain", func() { cfg.ProfileDomain = lf.profileDomain })
}

func newLocalCmd(rf *rootFlags) *cobra.Command {
	lf := &localFlags{}
	d := config.Default()
	cmd := &cobra.Command{
		Use:   "local FILE.csv [FILE.csv...]",
		Short: "Enrich local CSV files",
		Example: `  enricher local reviews.csv
  enricher local --backend static --search-url http://127.0.0.1:8089/ a.csv b.csv`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), rf, lf)
			if err != nil {
				return err
			}
			return runLocal(cmd, cfg, args, lf.quiet)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&lf.outputDir, "output-dir", "o", d.OutputDir, "Directory for processed files (env: ENRICHER_OUTPUT_DIR)")
	fs.IntVar(&lf.maxFiles, "max-files", d.MaxFiles, "Maximum input files per run (env: ENRICHER_MAX_FILES)")
	fs.IntVar(&lf.workers, "workers", d.Workers, "Worker count used to size batches (env: ENRICHER_WORKERS)")
	fs.IntVar(&lf.minBatch, "min-batch", d.MinBatch, "Minimum batch size (env: ENRICHER_MIN_BATCH)")
	fs.IntVar(&lf.concurrency, "concurrency", d.Concurrency, "Batches processed at once, each with its own browser (env: ENRICHER_CONCURRENCY)")
	fs.DurationVar(&lf.delayMin, "delay-min", d.DelayMin, "Minimum pause between searches (env: ENRICHER_DELAY_MIN)")
	fs.DurationVar(&lf.delayMax, "delay-max", d.DelayMax, "Maximum pause between searches (env: ENRICHER_DELAY_MAX)")
	fs.Float64Var(&lf.rateLimitRPS, "rate-limit-rps", d.RateLimitRPS, "Global search rate limit, 0 disables (env: ENRICHER_RATE_LIMIT_RPS)")
	fs.IntVar(&lf.sessionRetries, "session-retries", d.SessionRetries, "Extra attempts to launch a batch's browser (env: ENRICHER_SESSION_RETRIES)")
	fs.Uint64Var(&lf.seed, "seed", d.Seed, "Random seed for identities and delays, 0 is time-based (env: ENRICHER_SEED)")
	fs.StringVar(&lf.backend, "backend", d.Backend, "Browser backend: rod or static (env: ENRICHER_BACKEND)")
	fs.BoolVar(&lf.headless, "headless", d.Headless, "Run Chrome headless (env: ENRICHER_HEADLESS)")
	fs.StringVar(&lf.chromeBin, "chrome-bin", d.ChromeBin, "Chrome binary; downloaded when empty (env: ENRICHER_CHROME_BIN)")
	fs.StringVar(&lf.proxyURL, "proxy-url", d.ProxyURL, "Proxy for browser traffic (env: ENRICHER_PROXY_URL)")
	fs.DurationVar(&lf.pageLoadTimeout, "page-load-timeout", d.PageLoadTimeout, "Page load bound (env: ENRICHER_PAGE_LOAD_TIMEOUT)")
	fs.StringVar(&lf.searchURL, "search-url", d.SearchURL, "Search engine entry page (env: ENRICHER_SEARCH_URL)")
	fs.StringVar(&lf.profileDomain, "profile-domain", d.ProfileDomain, "Profile network domain (env: ENRICHER_PROFILE_DOMAIN)")
	fs.BoolVarP(&lf.quiet, "quiet", "q", false, "Do not print per-file progress")
	return cmd
}

func runLocal(cmd *cobra.Command, cfg config.Config, paths []string, quiet bool) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return configError(err)
	}
	defer func() { _ = logger.Sync() }()

	var launcher browser.Launcher
	switch cfg.Backend {
	case config.BackendStatic:
		launcher = browser.NewStaticLauncher(cfg.BrowserConfig(), nil)
	default:
		launcher = browser.NewRodLauncher(cfg.BrowserConfig(), logger)
	}

	runner := app.NewRunner(launcher, resolve.New(cfg.ResolveConfig()), cfg.PipelineOptions(logger), app.Options{
		MaxFiles:  cfg.MaxFiles,
		OutputDir: cfg.OutputDir,
	})

	var obs app.FileObserver = app.Observer{}
	if !quiet {
		obs = newConsoleObserver(cmd.ErrOrStderr())
	}
	report, err := runner.RunFiles(cmd.Context(), paths, obs)

	out := cmd.OutOrStdout()
	if report != nil {
		for _, path := range report.Written() {
			_, _ = fmt.Fprintln(out, path)
		}
		if report.Bundle != "" {
			_, _ = fmt.Fprintln(out, report.Bundle)
		}
		for _, f := range report.Failed() {
			logger.Warn("file not processed", zap.String("file", f.Input), zap.String("error", redactErr(f.Err)))
		}
	}
	return err
}

// consoleObserver renders per-file progress on a terminal line.
type consoleObserver struct {
	mu sync.Mutex
	w  io.Writer
}

func newConsoleObserver(w io.Writer) *consoleObserver {
	if w == nil {
		w = os.Stderr
	}
	return &consoleObserver{w: w}
}

func (c *consoleObserver) OnFileStart(file string, rows int) {
	c.printf("%s: %d rows\n", file, rows)
}

func (c *consoleObserver) OnProgress(file string, processed, total int) {
	pct := 100.0
	if total > 0 {
		pct = float64(processed) / float64(total) * 100
	}
	c.printf("\r%s: %d/%d rows (%.1f%%)", file, processed, total, pct)
	if processed == total {
		c.printf("\n")
	}
}

func (c *consoleObserver) OnFileError(file string, err error) {
	c.printf("\n%s: %s\n", file, redactErr(err))
}

func (c *consoleObserver) OnFileDone(file, output string, s pipeline.Summary) {
	c.printf("%s: wrote %s (found %d, not found %d, anonymous %d, errors %d)\n",
		file, output, s.Found, s.NotFound, s.Anonymous, s.Errors)
}

func (c *consoleObserver) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.w, format, args...)
}
