package batch

import (
	"github.com/Paintersrp/copen/internal/engine"
)

// EngineJobs converts the manifest into engine jobs in declaration order.
func (m *Manifest) EngineJobs() []engine.Job {
	jobs := make([]engine.Job, 0, len(m.Jobs))
	for _, spec := range m.Jobs {
		if spec == nil {
			continue
		}
		job := engine.Job{
			Name:    spec.Name,
			Func:    spec.Func,
			Timeout: spec.Timeout.Duration,
			Dir:     spec.ResolvedWorkdir,
			Env:     spec.Env,
			Retry:   retryPolicy(spec.Retry),
		}
		if len(spec.Command) > 0 {
			job.Command = append([]string(nil), spec.Command...)
		}
		if len(spec.Args) > 0 {
			job.Args = append([]any(nil), spec.Args...)
		}
		if len(spec.Kwargs) > 0 {
			job.Kwargs = make(map[string]any, len(spec.Kwargs))
			for k, v := range spec.Kwargs {
				job.Kwargs[k] = v
			}
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func retryPolicy(spec *RetrySpec) *engine.RetryPolicy {
	if spec == nil {
		return nil
	}
	pol := &engine.RetryPolicy{MaxRetries: spec.MaxRetries}
	if b := spec.Backoff; b != nil {
		pol.Min = b.Min.Duration
		pol.Max = b.Max.Duration
		pol.Factor = b.Factor
	}
	return pol
}
