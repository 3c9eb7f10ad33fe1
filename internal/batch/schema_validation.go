package batch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	copenschema "github.com/Paintersrp/copen/schema"
)

var (
	schemaOnce  sync.Once
	batchSchema *jsonschema.Schema
	schemaErr   error
)

func loadBatchSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("batch.v1.json", bytes.NewReader(copenschema.BatchV1Schema)); err != nil {
			schemaErr = fmt.Errorf("add batch schema resource: %w", err)
			return
		}
		batchSchema, schemaErr = compiler.Compile("batch.v1.json")
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile batch schema: %w", schemaErr)
		}
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	return batchSchema, nil
}

func validateAgainstSchema(doc map[string]any) error {
	schema, err := loadBatchSchema()
	if err != nil {
		return fmt.Errorf("load batch schema: %w", err)
	}

	normalized, err := normalizeForSchema(doc)
	if err != nil {
		return fmt.Errorf("prepare manifest for schema validation: %w", err)
	}

	if err := schema.Validate(normalized); err != nil {
		var vErr *jsonschema.ValidationError
		if errors.As(err, &vErr) {
			return fmt.Errorf("schema validation failed:\n%s", formatValidationError(vErr))
		}
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// normalizeForSchema round-trips the YAML document through JSON so that the
// validator sees JSON types, with numbers kept exact.
func normalizeForSchema(doc map[string]any) (any, error) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(doc); err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(buf.Bytes()))
	decoder.UseNumber()
	var out any
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func formatValidationError(err *jsonschema.ValidationError) string {
	var b strings.Builder
	writeValidationError(&b, err, 0)
	return strings.TrimRight(b.String(), "\n")
}

func writeValidationError(b *strings.Builder, err *jsonschema.ValidationError, depth int) {
	show := !(len(err.Causes) > 0 && strings.HasPrefix(err.Message, "doesn't validate with"))
	if show {
		indent := strings.Repeat("  ", depth)
		fmt.Fprintf(b, "%s- %s: %s\n", indent, formatInstanceLocation(err.InstanceLocation), err.Message)
		depth++
	}
	for _, cause := range err.Causes {
		writeValidationError(b, cause, depth)
	}
}

// formatInstanceLocation turns a JSON pointer such as /jobs/0/timeout into
// jobs[0].timeout.
func formatInstanceLocation(ptr string) string {
	segments := strings.Split(strings.TrimPrefix(ptr, "/"), "/")
	var b strings.Builder
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		decoded := strings.ReplaceAll(strings.ReplaceAll(segment, "~1", "/"), "~0", "~")
		if _, err := strconv.Atoi(decoded); err == nil {
			fmt.Fprintf(&b, "[%s]", decoded)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(decoded)
	}
	if b.Len() == 0 {
		return "manifest"
	}
	return b.String()
}
