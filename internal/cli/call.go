package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Paintersrp/copen/internal/process"
)

func newCallCmd(ctx *context) *cobra.Command {
	var (
		kwargs    map[string]string
		timeout   time.Duration
		showTrace bool
	)

	cmd := &cobra.Command{
		Use:   "call <func> [args...]",
		Short: "Run a registered Go function in a child process and print its result",
		Long: "Run a registered Go function in a child process and print its result.\n\n" +
			"Arguments are parsed as YAML scalars or flow collections, so 42 is an\n" +
			"integer, true a boolean and [1, 2] a list. Use quotes to force a string.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			callArgs, err := parseArgs(args[1:])
			if err != nil {
				return err
			}
			callKwargs, err := parseKwargs(kwargs)
			if err != nil {
				return err
			}

			rh, err := ctx.spawner.SpawnFunc(args[0], callArgs, callKwargs)
			if err != nil {
				return &exitCodeError{code: process.ExitSpawnFailed, err: err}
			}
			defer rh.Close()

			if err := waitHandle(cmd.Context(), rh, timeout); err != nil {
				return &exitCodeError{code: exitCodeOf(rh.Handle()), err: err}
			}

			value, err := rh.Read()
			if err != nil {
				var callErr *process.CallError
				if showTrace && errors.As(err, &callErr) && len(callErr.Trace) > 0 {
					fmt.Fprintln(cmd.ErrOrStderr(), callErr.TraceString())
				}
				return &exitCodeError{code: exitCodeOf(rh.Handle()), err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v\n", value)
			return nil
		},
	}

	cmd.Flags().StringToStringVarP(&kwargs, "kwarg", "k", nil, "Keyword arguments (KEY=VALUE, values parsed like arguments)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Close the child after this long (0 waits forever)")
	cmd.Flags().BoolVar(&showTrace, "trace", false, "Print the child's stack trace when the function fails")

	return cmd
}

func parseArgs(raw []string) ([]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]any, len(raw))
	for i, arg := range raw {
		v, err := parseValue(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

func parseKwargs(raw map[string]string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(raw))
	for k, arg := range raw {
		v, err := parseValue(arg)
		if err != nil {
			return nil, fmt.Errorf("keyword %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// parseValue decodes a command line argument as YAML, falling back to the raw
// string when it is not valid YAML.
func parseValue(arg string) (any, error) {
	if arg == "" {
		return "", nil
	}
	var v any
	if err := yaml.Unmarshal([]byte(arg), &v); err != nil {
		return arg, nil
	}
	return normalizeValue(v)
}

// normalizeValue converts YAML maps to map[string]any so results can travel
// through the gob codec.
func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			n, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("map key %v is not a string", k)
			}
			n, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	case []any:
		for i, item := range t {
			n, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	default:
		return v, nil
	}
}
