package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/copen/internal/process"
)

func init() {
	process.Register("batch.test.total", func(context.Context, []any, map[string]any) (any, error) {
		return 0, nil
	})
}

func TestLoadValidManifest(t *testing.T) {
	dir := t.TempDir()
	workdir := filepath.Join(dir, "work")
	if err := os.Mkdir(workdir, 0o755); err != nil {
		t.Fatalf("mkdir workdir: %v", err)
	}
	envFile := filepath.Join(workdir, "vars.env")
	if err := os.WriteFile(envFile, []byte("TOKEN=${FILE_SECRET}\nexport MODE='file'\n# comment\nLEVEL=3 # trailing"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("FILE_SECRET", "alpha")
	t.Setenv("WORKDIR_PATH", "./work")
	t.Setenv("GREETING", "hello")

	manifestPath := filepath.Join(dir, "batch.yaml")
	manifest := []byte(`version: 1
batch:
  name: nightly
  workdir: ${WORKDIR_PATH}
  timeout: 30s
  env:
    SHARED: "yes"
  retry:
    maxRetries: 2
    backoff:
      min: 50ms
      factor: 3
jobs:
  - name: greet
    command: ["echo", "${GREETING}"]
    envFromFile: vars.env
    env:
      MODE: inline
  - name: total
    func: batch.test.total
    args: [1, 2, 3]
    kwargs:
      start: 10
    timeout: 5s
    workdir: /tmp
    retry:
      maxRetries: 0
`)
	if err := os.WriteFile(manifestPath, manifest, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	doc, err := Load(manifestPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if got, want := doc.Batch.Workdir, workdir; got != want {
		t.Fatalf("unexpected workdir: got %q want %q", got, want)
	}
	if len(doc.Jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(doc.Jobs))
	}

	greet := doc.Jobs[0]
	if got, want := strings.Join(greet.Command, " "), "echo hello"; got != want {
		t.Fatalf("command not expanded: got %q want %q", got, want)
	}
	if got, want := greet.ResolvedWorkdir, workdir; got != want {
		t.Fatalf("resolved workdir mismatch: got %q want %q", got, want)
	}
	if got, want := greet.EnvFromFile, envFile; got != want {
		t.Fatalf("envFromFile not resolved: got %q want %q", got, want)
	}
	for key, want := range map[string]string{"TOKEN": "alpha", "MODE": "inline", "LEVEL": "3", "SHARED": "yes"} {
		if got := greet.Env[key]; got != want {
			t.Fatalf("env %s mismatch: got %q want %q", key, got, want)
		}
	}
	if got, want := greet.Timeout.Duration, 30*time.Second; got != want {
		t.Fatalf("timeout not inherited: got %s want %s", got, want)
	}
	if greet.Retry == nil || greet.Retry.MaxRetries != 2 || greet.Retry.Backoff.Min.Duration != 50*time.Millisecond {
		t.Fatalf("retry not inherited: %+v", greet.Retry)
	}

	total := doc.Jobs[1]
	if got, want := total.ResolvedWorkdir, "/tmp"; got != want {
		t.Fatalf("absolute workdir mismatch: got %q want %q", got, want)
	}
	if total.Retry == nil || total.Retry.MaxRetries != 0 {
		t.Fatalf("job retry should override batch retry: %+v", total.Retry)
	}

	jobs := doc.EngineJobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 engine jobs, got %d", len(jobs))
	}
	if jobs[0].Kind() != process.KindCommand || jobs[1].Kind() != process.KindCallable {
		t.Fatalf("unexpected job kinds: %s, %s", jobs[0].Kind(), jobs[1].Kind())
	}
	if got, want := jobs[1].Timeout, 5*time.Second; got != want {
		t.Fatalf("engine timeout mismatch: got %s want %s", got, want)
	}
	if len(jobs[1].Args) != 3 || jobs[1].Args[0] != 1 || jobs[1].Kwargs["start"] != 10 {
		t.Fatalf("callable arguments not carried over: %+v", jobs[1])
	}
	if jobs[0].Retry == nil || jobs[0].Retry.Factor != 3 {
		t.Fatalf("engine retry policy mismatch: %+v", jobs[0].Retry)
	}
	for i, job := range jobs {
		if err := job.Validate(); err != nil {
			t.Fatalf("engine job %d invalid: %v", i, err)
		}
	}
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	tests := map[string]string{
		"commandAndFunc": "jobs:\n  - name: a\n    command: [true]\n    func: batch.test.total\n",
		"neither":        "jobs:\n  - name: a\n",
		"unknownField":   "jobs:\n  - name: a\n    command: [\"true\"]\n    image: nginx\n",
		"badDuration":    "jobs:\n  - name: a\n    command: [\"true\"]\n    timeout: soon\n",
		"noJobs":         "jobs: []\n",
		"badName":        "jobs:\n  - name: \"-x\"\n    command: [\"true\"]\n",
	}
	for name, manifest := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(manifest), t.TempDir())
			if err == nil {
				t.Fatalf("expected schema error")
			}
			if !strings.Contains(err.Error(), "schema validation failed") {
				t.Fatalf("expected schema validation error, got %v", err)
			}
		})
	}
}

func TestSchemaErrorsNameTheOffendingField(t *testing.T) {
	_, err := Parse([]byte("jobs:\n  - name: a\n    command: [\"true\"]\n    timeout: soon\n"), t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "jobs[0].timeout") {
		t.Fatalf("expected location jobs[0].timeout in error, got %v", err)
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	_, err := Parse([]byte("jobs:\n  - name: a\n    command: [\"true\"]\n  - name: a\n    command: [\"false\"]\n"), t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "duplicate of jobs[0]") {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
}

func TestValidateRejectsUnknownFunc(t *testing.T) {
	_, err := Parse([]byte("jobs:\n  - name: a\n    func: batch.test.missing\n"), t.TempDir())
	if !errors.Is(err, process.ErrUnknownFunc) {
		t.Fatalf("expected unknown func error, got %v", err)
	}
}

func TestValidateRejectsArgsOnCommands(t *testing.T) {
	_, err := Parse([]byte("jobs:\n  - name: a\n    command: [\"true\"]\n    args: [1]\n"), t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "args require func") {
		t.Fatalf("expected args error, got %v", err)
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.yaml")
	manifest := "jobs:\n  - name: a\n    command: [\"true\"]\n    envFromFile: missing.env\n"
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "jobs.a.envFromFile") {
		t.Fatalf("expected env file error naming the field, got %v", err)
	}
}

func TestLoadEnvFileRejectsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"noSeparator": "JUSTAKEY\n",
		"unmatched":   "KEY=\"open\n",
		"emptyKey":    "=value\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".env")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatalf("write env file: %v", err)
			}
			if _, err := loadEnvFile(path); err == nil {
				t.Fatalf("expected error for %q", content)
			}
		})
	}
}
