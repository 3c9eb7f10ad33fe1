package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"

	"github.com/Paintersrp/copen/internal/engine"
)

// ResultRecord is the JSON form of a job result.
type ResultRecord struct {
	RunID     string  `json:"run_id"`
	Job       string  `json:"job"`
	Kind      string  `json:"kind"`
	Status    string  `json:"status"`
	Attempts  int     `json:"attempts"`
	Pid       int     `json:"pid,omitempty"`
	ExitCode  int     `json:"exit_code"`
	Signal    string  `json:"signal,omitempty"`
	ElapsedMS float64 `json:"elapsed_ms"`
	Output    string  `json:"output,omitempty"`
	Value     any     `json:"value,omitempty"`
	Stderr    string  `json:"stderr,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// NewResultRecord converts a result into its JSON form.
func NewResultRecord(res engine.Result) ResultRecord {
	record := ResultRecord{
		RunID:     res.RunID,
		Job:       res.Job,
		Kind:      res.Kind,
		Status:    string(res.Status),
		Attempts:  res.Attempts,
		Pid:       res.Pid,
		ExitCode:  res.ExitCode,
		ElapsedMS: float64(res.Elapsed) / float64(time.Millisecond),
		Output:    string(res.Output),
		Value:     jsonSafe(res.Value),
		Stderr:    RedactSecrets(string(res.Stderr)),
	}
	if res.Signal != 0 {
		record.Signal = res.Signal.String()
	}
	if res.Err != nil {
		record.Error = RedactSecrets(res.Err.Error())
	}
	return record
}

// jsonSafe replaces values encoding/json cannot represent with their printed
// form.
func jsonSafe(v any) any {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return v
}

// EncodeResult encodes a result to JSON, reporting errors to stderr if needed.
func EncodeResult(enc *json.Encoder, stderr io.Writer, res engine.Result) {
	if enc == nil {
		return
	}
	record := NewResultRecord(res)
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode result: %v\n", err)
	}
}

// WriteResultTable prints one row per result followed by a summary line.
func WriteResultTable(out io.Writer, results []engine.Result) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tKIND\tSTATUS\tPID\tEXIT\tATTEMPTS\tELAPSED\tOUTPUT\tDETAIL")
	for _, res := range results {
		exit := "-"
		if res.ExitCode >= 0 {
			exit = fmt.Sprintf("%d", res.ExitCode)
		}
		if res.Signal != 0 {
			exit = res.Signal.String()
		}
		pid := "-"
		if res.Pid > 0 {
			pid = fmt.Sprintf("%d", res.Pid)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			res.Job,
			res.Kind,
			res.Status,
			pid,
			exit,
			res.Attempts,
			formatElapsed(res.Elapsed),
			formatOutput(res),
			formatDetail(res),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	succeeded, failed := Summarize(results)
	_, err := fmt.Fprintf(out, "\n%d succeeded, %d failed\n", succeeded, failed)
	return err
}

// Summarize counts succeeded and unsuccessful results.
func Summarize(results []engine.Result) (succeeded, failed int) {
	for _, res := range results {
		if res.Succeeded() {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

func formatElapsed(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return units.HumanDuration(d)
}

func formatOutput(res engine.Result) string {
	if res.Value != nil {
		return truncate(fmt.Sprintf("%v", res.Value), 32)
	}
	if len(res.Output) == 0 {
		return "-"
	}
	return units.HumanSize(float64(len(res.Output)))
}

func formatDetail(res engine.Result) string {
	if res.Err == nil {
		return "-"
	}
	msg := strings.ReplaceAll(RedactSecrets(res.Err.Error()), "\n", " ")
	return truncate(msg, 60)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
