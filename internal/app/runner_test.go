package app_test

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shpitdev/reviewer-profile-enricher/internal/app"
	"github.com/shpitdev/reviewer-profile-enricher/internal/browser"
	"github.com/shpitdev/reviewer-profile-enricher/internal/browser/browsertest"
	"github.com/shpitdev/reviewer-profile-enricher/internal/enrich"
	"github.com/shpitdev/reviewer-profile-enricher/internal/mocksearch"
	"github.com/shpitdev/reviewer-profile-enricher/internal/pipeline"
	"github.com/shpitdev/reviewer-profile-enricher/internal/resolve"
	localio "github.com/shpitdev/reviewer-profile-enricher/pkg/pipeline/io/local"
)

const jdoe = "https://www.linkedin.com/in/jdoe"

// writeCSV writes a reviewer file with n rows. Row 0 is Jane Doe and, when
// anonymousAt >= 0, that row is Anonymous.
func writeCSV(t *testing.T, dir, name string, n, anonymousAt int, withJane bool) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("Reviewer Name,Reviewer Company,Rating\n")
	for i := 0; i < n; i++ {
		reviewer := fmt.Sprintf("Reviewer %d", i)
		switch {
		case i == 0 && withJane:
			reviewer = "Jane Doe"
		case i == anonymousAt:
			reviewer = "Anonymous"
		}
		fmt.Fprintf(&b, "%s,\"Engineering, Acme %d\",%d\n", reviewer, i, i%5+1)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

type recorder struct {
	mu       sync.Mutex
	progress map[string][][2]int
	errs     map[string]error
	done     []string
}

func newRecorder() *recorder {
	return &recorder{progress: map[string][][2]int{}, errs: map[string]error{}}
}

func (r *recorder) observer() app.Observer {
	return app.Observer{
		Progress: func(file string, processed, total int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress[file] = append(r.progress[file], [2]int{processed, total})
		},
		Error: func(file string, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs[file] = err
		},
		Done: func(file, _ string, _ pipeline.Summary) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.done = append(r.done, file)
		},
	}
}

func newRunner(t *testing.T, l browser.Launcher, searchURL string, opts app.Options) *app.Runner {
	t.Helper()
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	return app.NewRunner(l, resolve.New(resolve.Config{SearchURL: searchURL}), pipeline.Options{
		Workers:  3,
		MinBatch: 5,
		Rand:     rand.New(rand.NewPCG(7, 7)),
		Logger:   zaptest.NewLogger(t),
	}, opts)
}

func profileColumn(t *testing.T, path string) []string {
	t.Helper()
	tbl, err := localio.ReadDatasetFile(path)
	require.NoError(t, err)
	col, err := tbl.Column(enrich.ColumnProfile)
	require.NoError(t, err)
	return col
}

func assertFileProgress(t *testing.T, calls [][2]int, n int) {
	t.Helper()
	require.NotEmpty(t, calls)
	assert.Equal(t, [2]int{0, n}, calls[0])
	for i := 1; i < len(calls); i++ {
		assert.Greater(t, calls[i][0], calls[i-1][0], "progress must advance: %v", calls)
	}
	assert.Equal(t, [2]int{n, n}, calls[len(calls)-1])
}

func TestRunFiles_TwoFiles(t *testing.T) {
	t.Parallel()

	in := t.TempDir()
	first := writeCSV(t, in, "reviews_a.csv", 12, 4, true)
	second := writeCSV(t, in, "reviews_b.csv", 8, -1, false)

	l := browsertest.NewLauncher(&browsertest.Engine{
		Results: func(q string) ([]string, error) {
			if strings.HasPrefix(q, "Jane Doe Acme 0 ") {
				return []string{jdoe}, nil
			}
			return nil, nil
		},
	})
	out := t.TempDir()
	rec := newRecorder()
	report, err := newRunner(t, l, "", app.Options{OutputDir: out}).RunFiles(context.Background(), []string{first, second}, rec.observer())
	require.NoError(t, err)

	require.Len(t, report.Files, 2)
	require.Equal(t, []string{filepath.Join(out, "processed_reviews_a.csv"), filepath.Join(out, "processed_reviews_b.csv")}, report.Written())

	colA := profileColumn(t, report.Files[0].Output)
	require.Len(t, colA, 12)
	for i, v := range colA {
		switch i {
		case 0:
			assert.Equal(t, jdoe, v)
		case 4:
			assert.Equal(t, enrich.ValueAnonymous, v)
		default:
			assert.Equal(t, enrich.ValueNotFound, v, "row %d", i)
		}
	}
	colB := profileColumn(t, report.Files[1].Output)
	require.Len(t, colB, 8)
	for i, v := range colB {
		assert.Equal(t, enrich.ValueNotFound, v, "row %d", i)
	}

	assert.Equal(t, pipeline.Summary{Rows: 12, Batches: 3, Found: 1, NotFound: 10, Anonymous: 1}, report.Files[0].Summary)
	assertFileProgress(t, rec.progress[first], 12)
	assertFileProgress(t, rec.progress[second], 8)
	assert.Equal(t, []string{first, second}, rec.done)

	require.Equal(t, filepath.Join(out, localio.BundleName), report.Bundle)
	zr, err := zip.OpenReader(report.Bundle)
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()
	require.Len(t, zr.File, 2)
	assert.Equal(t, "processed_reviews_a.csv", zr.File[0].Name)

	for i, s := range l.Sessions() {
		assert.Equal(t, 1, s.Stats().Releases, "session %d", i)
	}
}

func TestRunFiles_SkipsInvalidFile(t *testing.T) {
	t.Parallel()

	in := t.TempDir()
	bad := filepath.Join(in, "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("Name,Company\nJane,Acme\n"), 0o644))
	good := writeCSV(t, in, "good.csv", 3, -1, true)

	l := browsertest.NewLauncher(&browsertest.Engine{})
	rec := newRecorder()
	report, err := newRunner(t, l, "", app.Options{}).RunFiles(context.Background(), []string{bad, good}, rec.observer())
	require.NoError(t, err)

	var verr *enrich.ValidationError
	require.ErrorAs(t, rec.errs[bad], &verr)
	assert.Equal(t, "bad.csv", verr.File)
	assert.Equal(t, []string{enrich.ColumnName, enrich.ColumnCompany}, verr.Missing)
	assert.Contains(t, verr.Error(), "Reviewer Name, Reviewer Company")

	assert.Len(t, report.Failed(), 1)
	assert.Len(t, report.Written(), 1)
	assert.Empty(t, report.Bundle, "a single output is not bundled")
	assert.Equal(t, []string{good}, rec.done)
}

func TestRunFiles_TooManyFiles(t *testing.T) {
	t.Parallel()

	in := t.TempDir()
	paths := []string{
		writeCSV(t, in, "a.csv", 1, -1, false),
		writeCSV(t, in, "b.csv", 1, -1, false),
		writeCSV(t, in, "c.csv", 1, -1, false),
	}
	out := t.TempDir()
	l := browsertest.NewLauncher(&browsertest.Engine{})
	_, err := newRunner(t, l, "", app.Options{MaxFiles: 2, OutputDir: out}).RunFiles(context.Background(), paths, nil)
	require.ErrorIs(t, err, app.ErrTooManyFiles)
	assert.Zero(t, l.Attempts())

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunFiles_OverwritesProfileColumnAndAvoidsCollisions(t *testing.T) {
	t.Parallel()

	in := t.TempDir()
	path := filepath.Join(in, "reviews.csv")
	require.NoError(t, os.WriteFile(path, []byte("LinkedIn Profile,Reviewer Name,Reviewer Company\nstale,anonymous,Acme\n"), 0o644))
	out := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(out, "processed_reviews.csv"), []byte("old"), 0o644))

	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	l := browsertest.NewLauncher(&browsertest.Engine{})
	report, err := newRunner(t, l, "", app.Options{OutputDir: out, Now: func() time.Time { return now }}).
		RunFiles(context.Background(), []string{path}, nil)
	require.NoError(t, err)

	written := report.Written()
	require.Equal(t, []string{filepath.Join(out, "processed_20250102_030405_reviews.csv")}, written)
	tbl, err := localio.ReadDatasetFile(written[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"LinkedIn Profile", "Reviewer Name", "Reviewer Company"}, tbl.Columns)
	assert.Equal(t, []string{enrich.ValueAnonymous, "anonymous", "Acme"}, tbl.Rows[0])
	assert.Zero(t, l.Stats().Navigations)
}

func TestRunFiles_CancelKeepsWrittenFiles(t *testing.T) {
	t.Parallel()

	in := t.TempDir()
	first := writeCSV(t, in, "first.csv", 2, -1, false)
	second := writeCSV(t, in, "second.csv", 10, -1, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	obs := app.Observer{
		Progress: func(file string, processed, _ int) {
			if file == second && processed >= 1 {
				cancel()
			}
		},
	}

	l := browsertest.NewLauncher(&browsertest.Engine{})
	report, err := newRunner(t, l, "", app.Options{}).RunFiles(ctx, []string{first, second}, obs)
	require.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Len(t, report.Written(), 1)
	assert.FileExists(t, report.Written()[0])
	for i, s := range l.Sessions() {
		assert.Equal(t, 1, s.Stats().Releases, "session %d", i)
	}
}

func TestRunFiles_StaticBackendAgainstMockSearch(t *testing.T) {
	t.Parallel()

	ms := mocksearch.New()
	ms.AddRule("Jane Doe", jdoe)
	srv := httptest.NewServer(ms.Handler())
	t.Cleanup(srv.Close)

	in := t.TempDir()
	path := writeCSV(t, in, "reviews.csv", 6, 2, true)

	l := browser.NewStaticLauncher(browser.DefaultConfig(), nil)
	report, err := newRunner(t, l, srv.URL+"/", app.Options{}).RunFiles(context.Background(), []string{path}, nil)
	require.NoError(t, err)

	col := profileColumn(t, report.Written()[0])
	assert.Equal(t, []string{jdoe, enrich.ValueNotFound, enrich.ValueAnonymous, enrich.ValueNotFound, enrich.ValueNotFound, enrich.ValueNotFound}, col)
	assert.Len(t, ms.Queries(), 5)
}
