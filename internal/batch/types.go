package batch

import (
	"fmt"
	"time"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Manifest mirrors the batch.yaml document structure.
type Manifest struct {
	Version string     `yaml:"version"`
	Batch   BatchMeta  `yaml:"batch"`
	Jobs    []*JobSpec `yaml:"jobs"`
}

// BatchMeta holds settings shared by every job.
type BatchMeta struct {
	Name    string            `yaml:"name"`
	Workdir string            `yaml:"workdir"`
	Timeout Duration          `yaml:"timeout"`
	Retry   *RetrySpec        `yaml:"retry"`
	Env     map[string]string `yaml:"env"`
}

// JobSpec describes a single job. Exactly one of Command and Func is set.
type JobSpec struct {
	Name        string            `yaml:"name"`
	Command     []string          `yaml:"command"`
	Func        string            `yaml:"func"`
	Args        []any             `yaml:"args"`
	Kwargs      map[string]any    `yaml:"kwargs"`
	Timeout     Duration          `yaml:"timeout"`
	Workdir     string            `yaml:"workdir"`
	Env         map[string]string `yaml:"env"`
	EnvFromFile string            `yaml:"envFromFile"`
	Retry       *RetrySpec        `yaml:"retry"`

	// ResolvedWorkdir is the absolute directory the job runs in.
	ResolvedWorkdir string `yaml:"-"`
}

// RetrySpec configures retries of failed jobs.
type RetrySpec struct {
	MaxRetries int          `yaml:"maxRetries"`
	Backoff    *BackoffSpec `yaml:"backoff"`
}

// BackoffSpec shapes the delay between attempts.
type BackoffSpec struct {
	Min    Duration `yaml:"min"`
	Max    Duration `yaml:"max"`
	Factor float64  `yaml:"factor"`
}

// Clone returns a deep copy of the retry settings.
func (r *RetrySpec) Clone() *RetrySpec {
	if r == nil {
		return nil
	}
	out := *r
	if r.Backoff != nil {
		b := *r.Backoff
		out.Backoff = &b
	}
	return &out
}
