// Package app runs the enrichment pipeline over a set of local CSV files.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shpitdev/reviewer-profile-enricher/internal/browser"
	"github.com/shpitdev/reviewer-profile-enricher/internal/enrich"
	"github.com/shpitdev/reviewer-profile-enricher/internal/logging"
	"github.com/shpitdev/reviewer-profile-enricher/internal/pipeline"
	"github.com/shpitdev/reviewer-profile-enricher/internal/resolve"
	localio "github.com/shpitdev/reviewer-profile-enricher/pkg/pipeline/io/local"
	"github.com/shpitdev/reviewer-profile-enricher/pkg/pipeline/redact"
	"github.com/shpitdev/reviewer-profile-enricher/pkg/pipeline/schema"
)

// DefaultMaxFiles is the per-run file limit when Options.MaxFiles is unset.
const DefaultMaxFiles = 10

// ErrTooManyFiles is returned before any work when a run names too many files.
var ErrTooManyFiles = errors.New("too many input files")

type Options struct {
	MaxFiles  int
	OutputDir string
	// RunID labels logs; a random UUID is used when empty.
	RunID string
	// Now stamps colliding output names. Defaults to time.Now.
	Now func() time.Time
}

// FileObserver is told about per-file progress and outcomes. Calls for one file
// arrive in order: OnFileStart, OnProgress..., then OnFileDone or OnFileError.
type FileObserver interface {
	OnFileStart(file string, rows int)
	OnProgress(file string, processed, total int)
	OnFileError(file string, err error)
	OnFileDone(file string, output string, summary pipeline.Summary)
}

// Observer implements FileObserver from optional callbacks.
type Observer struct {
	Start    func(file string, rows int)
	Progress func(file string, processed, total int)
	Error    func(file string, err error)
	Done     func(file string, output string, summary pipeline.Summary)
}

func (o Observer) OnFileStart(file string, rows int) {
	if o.Start != nil {
		o.Start(file, rows)
	}
}

func (o Observer) OnProgress(file string, processed, total int) {
	if o.Progress != nil {
		o.Progress(file, processed, total)
	}
}

func (o Observer) OnFileError(file string, err error) {
	if o.Error != nil {
		o.Error(file, err)
	}
}

func (o Observer) OnFileDone(file string, output string, summary pipeline.Summary) {
	if o.Done != nil {
		o.Done(file, output, summary)
	}
}

// FileReport describes what happened to one input file.
type FileReport struct {
	Input   string
	Output  string
	Rows    int
	Summary pipeline.Summary
	Err     error
}

// Report summarizes a run.
type Report struct {
	RunID string
	Files []FileReport
	// Bundle is the ZIP of all outputs, set when more than one file was written.
	Bundle   string
	Duration time.Duration
}

// Written returns the output paths produced, in input order.
func (r *Report) Written() []string {
	var out []string
	for _, f := range r.Files {
		if f.Err == nil && f.Output != "" {
			out = append(out, f.Output)
		}
	}
	return out
}

// Failed returns the reports of files that were skipped.
func (r *Report) Failed() []FileReport {
	var out []FileReport
	for _, f := range r.Files {
		if f.Err != nil {
			out = append(out, f)
		}
	}
	return out
}

// Runner processes files one after another through the same batch pipeline.
type Runner struct {
	launcher browser.Launcher
	resolver *resolve.Resolver
	pipeOpts pipeline.Options
	opts     Options
	logger   *zap.Logger
}

// NewRunner wires a Runner. pipeOpts.Logger is used as the base logger.
func NewRunner(launcher browser.Launcher, resolver *resolve.Resolver, pipeOpts pipeline.Options, opts Options) *Runner {
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultMaxFiles
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := pipeOpts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{launcher: launcher, resolver: resolver, pipeOpts: pipeOpts, opts: opts, logger: logger}
}

// RunFiles enriches each path in order and writes processed copies to the
// output directory.
//
// A file that cannot be read or lacks the required columns is reported to obs
// and skipped. Any other error (cancellation, an unwritable output) ends the
// run; files already written stay in place and are listed in the report.
func (r *Runner) RunFiles(ctx context.Context, paths []string, obs FileObserver) (*Report, error) {
	if obs == nil {
		obs = Observer{}
	}
	runID := r.opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	log := logging.ForRun(r.logger, runID)
	report := &Report{RunID: runID}
	started := time.Now()
	defer func() { report.Duration = time.Since(started) }()

	if len(paths) > r.opts.MaxFiles {
		return report, fmt.Errorf("%w: %d given, at most %d allowed", ErrTooManyFiles, len(paths), r.opts.MaxFiles)
	}
	if err := os.MkdirAll(r.opts.OutputDir, 0o755); err != nil {
		return report, fmt.Errorf("create output dir: %w", err)
	}
	log.Info("run start", zap.Int("files", len(paths)), zap.String("output_dir", r.opts.OutputDir))

	var runErr error
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		fr, err := r.runFile(ctx, log, path, obs)
		report.Files = append(report.Files, fr)
		if err != nil {
			runErr = err
			break
		}
	}

	if written := report.Written(); len(written) > 1 {
		bundle := filepath.Join(r.opts.OutputDir, localio.BundleName)
		if err := localio.WriteBundleFile(bundle, written); err != nil {
			log.Warn("bundle failed", zap.String("error", redact.Secrets(err.Error())))
			runErr = errors.Join(runErr, fmt.Errorf("write bundle: %w", err))
		} else {
			report.Bundle = bundle
		}
	}

	if runErr != nil {
		log.Error("run stopped",
			zap.Int("written", len(report.Written())),
			zap.String("error", redact.Secrets(runErr.Error())),
		)
		return report, runErr
	}
	log.Info("run finished",
		zap.Int("written", len(report.Written())),
		zap.Int("skipped", len(report.Failed())),
		zap.Duration("elapsed", time.Since(started)),
	)
	return report, nil
}

// runFile returns a non-nil error only when the run must stop; per-file
// problems are recorded in the FileReport.
func (r *Runner) runFile(ctx context.Context, log *zap.Logger, path string, obs FileObserver) (FileReport, error) {
	name := filepath.Base(path)
	log = log.With(zap.String("file", name))
	fr := FileReport{Input: path}

	skip := func(err error) (FileReport, error) {
		fr.Err = err
		log.Warn("file skipped", zap.String("error", redact.Secrets(err.Error())))
		obs.OnFileError(path, err)
		return fr, nil
	}

	table, err := localio.ReadDatasetFile(path)
	if err != nil {
		return skip(err)
	}
	if missing := table.Missing(enrich.RequiredColumns...); len(missing) > 0 {
		return skip(&enrich.ValidationError{File: name, Missing: missing})
	}
	records, err := Records(table)
	if err != nil {
		return skip(err)
	}
	fr.Rows = len(records)
	obs.OnFileStart(path, len(records))

	opts := r.pipeOpts
	opts.Logger = log
	orch := pipeline.New(r.launcher, r.resolver, opts)
	res, err := orch.Run(ctx, records, pipeline.ProgressFunc(func(processed, total int) {
		obs.OnProgress(path, processed, total)
	}))
	if err != nil {
		fr.Err = err
		obs.OnFileError(path, err)
		return fr, err
	}

	if err := table.SetColumn(enrich.ColumnProfile, pipeline.Column(res.Outcomes)); err != nil {
		fr.Err = err
		return fr, err
	}
	out, err := localio.OutputPath(r.opts.OutputDir, path, r.opts.Now())
	if err != nil {
		fr.Err = err
		return fr, err
	}
	if err := localio.WriteDatasetFile(out, table); err != nil {
		fr.Err = fmt.Errorf("write %s: %w", out, err)
		return fr, fr.Err
	}

	fr.Output = out
	fr.Summary = res.Summary
	log.Info("file done", zap.String("output", out), zap.Int("rows", fr.Rows), zap.Int("found", res.Summary.Found))
	obs.OnFileDone(path, out, res.Summary)
	return fr, nil
}

// Records extracts reviewer records from a validated table.
func Records(t *schema.Table) ([]enrich.Record, error) {
	nameIdx, companyIdx := t.Index(enrich.ColumnName), t.Index(enrich.ColumnCompany)
	if nameIdx < 0 || companyIdx < 0 {
		return nil, &enrich.ValidationError{Missing: t.Missing(enrich.RequiredColumns...)}
	}
	out := make([]enrich.Record, t.Len())
	for i, row := range t.Rows {
		out[i] = enrich.Record{Row: i, Name: row[nameIdx], Company: row[companyIdx]}
	}
	return out, nil
}
