package batch

import (
	"errors"
	"fmt"

	"github.com/Paintersrp/copen/internal/process"
)

// Validate checks the rules the schema cannot express: job names are unique
// and every referenced callable is registered.
func (m *Manifest) Validate() error {
	if len(m.Jobs) == 0 {
		return errors.New("manifest defines no jobs")
	}
	var errs []error
	seen := make(map[string]int, len(m.Jobs))
	for i, job := range m.Jobs {
		if job == nil {
			errs = append(errs, fmt.Errorf("jobs[%d]: job is empty", i))
			continue
		}
		if job.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", jobField(i, "", "name")))
		} else if prev, dup := seen[job.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate of jobs[%d]", jobField(i, job.Name, "name"), prev))
		} else {
			seen[job.Name] = i
		}

		switch {
		case len(job.Command) > 0 && job.Func != "":
			errs = append(errs, fmt.Errorf("%s: command and func are mutually exclusive", jobField(i, job.Name, "func")))
		case len(job.Command) == 0 && job.Func == "":
			errs = append(errs, fmt.Errorf("%s: one of command or func is required", jobField(i, job.Name, "command")))
		case job.Func != "":
			if _, ok := process.Lookup(job.Func); !ok {
				errs = append(errs, fmt.Errorf("%s: %w %q", jobField(i, job.Name, "func"), process.ErrUnknownFunc, job.Func))
			}
		}
		if len(job.Command) > 0 && (len(job.Args) > 0 || len(job.Kwargs) > 0) {
			errs = append(errs, fmt.Errorf("%s: args require func", jobField(i, job.Name, "args")))
		}
		if job.Timeout.Duration < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", jobField(i, job.Name, "timeout")))
		}
	}
	return errors.Join(errs...)
}
