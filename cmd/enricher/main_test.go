package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shpitdev/reviewer-profile-enricher/internal/mocksearch"
	"github.com/shpitdev/reviewer-profile-enricher/internal/version"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out) != version.Current {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestLocalCommand_StaticBackend(t *testing.T) {
	ms := mocksearch.New()
	ms.AddRule("jane doe", "https://www.linkedin.com/in/jdoe")
	srv := httptest.NewServer(ms.Handler())
	defer srv.Close()

	dir := t.TempDir()
	in := filepath.Join(dir, "reviews.csv")
	if err := os.WriteFile(in, []byte("Reviewer Name,Reviewer Company\nJane Doe,Acme\nAnonymous,\n"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	outDir := filepath.Join(dir, "out")

	out, stderr, err := execute(t, "local",
		"--backend", "static",
		"--search-url", srv.URL+"/",
		"--delay-min", "0s", "--delay-max", "0s",
		"--seed", "1",
		"--log-level", "error",
		"-o", outDir,
		in,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v (stderr=%s)", err, stderr)
	}
	want := filepath.Join(outDir, "processed_reviews.csv")
	if strings.TrimSpace(out) != want {
		t.Fatalf("unexpected stdout: %q", out)
	}
	body, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(body) != "Reviewer Name,Reviewer Company,LinkedIn Profile\nJane Doe,Acme,https://www.linkedin.com/in/jdoe\nAnonymous,,Anonymous\n" {
		t.Fatalf("unexpected output:\n%s", body)
	}
	if !strings.Contains(stderr, "2/2 rows") {
		t.Fatalf("expected progress on stderr, got %q", stderr)
	}
}

func TestLocalCommand_ConfigErrors(t *testing.T) {
	_, _, err := execute(t, "local", "--backend", "selenium", "x.csv")
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != 2 {
		t.Fatalf("expected config exit error, got %v", err)
	}

	_, _, err = execute(t, "local", "--delay-min", "5s", "--delay-max", "1s", "x.csv")
	if !errors.As(err, &ee) || ee.code != 2 {
		t.Fatalf("expected config exit error, got %v", err)
	}

	if _, _, err := execute(t, "local"); err == nil {
		t.Fatalf("expected error without files")
	}
}

func TestLocalCommand_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "enricher.yaml")
	if err := os.WriteFile(cfgPath, []byte("max_files: 1\nbackend: static\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, _, err := execute(t, "local", "--config", cfgPath, "-o", filepath.Join(dir, "out"), "a.csv", "b.csv")
	if err == nil || !strings.Contains(err.Error(), "too many input files") {
		t.Fatalf("expected file limit from config, got %v", err)
	}
}
