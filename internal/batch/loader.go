package batch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads a batch manifest from path. Relative working directories and env
// files are resolved against the manifest's directory.
func Load(path string) (*Manifest, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	doc, err := Parse(data, filepath.Dir(absPath))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return doc, nil
}

// Parse decodes, validates and resolves a manifest held in memory. baseDir
// anchors relative paths.
func Parse(data []byte, baseDir string) (*Manifest, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if raw == nil {
		return nil, errors.New("manifest is empty")
	}
	if err := validateAgainstSchema(raw); err != nil {
		return nil, err
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var doc Manifest
	if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}

	if err := doc.resolve(baseDir); err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// resolve expands environment references, resolves working directories and
// merges env files and batch-level settings into every job.
func (m *Manifest) resolve(baseDir string) error {
	workdir := resolveWorkdir(baseDir, os.ExpandEnv(m.Batch.Workdir))
	m.Batch.Workdir = workdir

	for i, job := range m.Jobs {
		if job == nil {
			continue
		}
		job.ResolvedWorkdir = resolveWorkdir(workdir, os.ExpandEnv(job.Workdir))
		for j, arg := range job.Command {
			job.Command[j] = os.ExpandEnv(arg)
		}

		var fileEnv map[string]string
		if job.EnvFromFile != "" {
			expanded := os.ExpandEnv(job.EnvFromFile)
			if !filepath.IsAbs(expanded) {
				expanded = filepath.Clean(filepath.Join(job.ResolvedWorkdir, expanded))
			}
			job.EnvFromFile = expanded

			var err error
			fileEnv, err = loadEnvFile(expanded)
			if err != nil {
				return fmt.Errorf("%s: %w", jobField(i, job.Name, "envFromFile"), err)
			}
		}

		job.Env = mergeEnv(m.Batch.Env, fileEnv, job.Env)

		if !job.Timeout.IsSet() {
			job.Timeout = m.Batch.Timeout
		}
		if job.Retry == nil {
			job.Retry = m.Batch.Retry.Clone()
		}
	}
	return nil
}

// mergeEnv layers env maps, later maps winning. Values are expanded against
// the current environment.
func mergeEnv(layers ...map[string]string) map[string]string {
	var merged map[string]string
	for _, layer := range layers {
		for k, v := range layer {
			if merged == nil {
				merged = make(map[string]string)
			}
			merged[k] = os.ExpandEnv(v)
		}
	}
	return merged
}

func resolveWorkdir(base, workdir string) string {
	if workdir == "" {
		return base
	}
	if filepath.IsAbs(workdir) {
		return filepath.Clean(workdir)
	}
	return filepath.Clean(filepath.Join(base, workdir))
}

func jobField(index int, name, field string) string {
	if name == "" {
		return fmt.Sprintf("jobs[%d].%s", index, field)
	}
	return fmt.Sprintf("jobs.%s.%s", name, field)
}
