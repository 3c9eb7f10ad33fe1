package batch

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// loadEnvFile parses a dotenv style file. Values are expanded against the
// current environment.
func loadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	values := make(map[string]string)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		raw = strings.TrimSpace(strings.TrimPrefix(raw, "export "))
		key, value, ok := strings.Cut(raw, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("load env file %q: invalid line %d", path, lineNo)
		}
		value, err = parseEnvValue(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("load env file %q: %s on line %d: %w", path, key, lineNo, err)
		}
		values[key] = os.ExpandEnv(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	return values, nil
}

func parseEnvValue(value string) (string, error) {
	switch {
	case strings.HasPrefix(value, `"`):
		if len(value) < 2 || !strings.HasSuffix(value, `"`) {
			return "", fmt.Errorf("unmatched quote")
		}
		return strconv.Unquote(value)
	case strings.HasPrefix(value, "'"):
		if len(value) < 2 || !strings.HasSuffix(value, "'") {
			return "", fmt.Errorf("unmatched quote")
		}
		return value[1 : len(value)-1], nil
	}
	if comment := strings.IndexByte(value, '#'); comment >= 0 {
		value = strings.TrimSpace(value[:comment])
	}
	return value, nil
}
