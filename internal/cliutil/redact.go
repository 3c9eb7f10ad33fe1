package cliutil

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[redacted]"

var (
	templateVarPattern = regexp.MustCompile(`\$\{[^}]+\}`)
	secretKeyPattern   = regexp.MustCompile(`(?i)\b(` + strings.Join(secretKeys(), "|") + `)\b(\s*[:=]\s*)(["']?)([^"'\s]+)(["']?)`)
	secretNamePattern  = regexp.MustCompile(`(?i)(password|secret|token|api_?key|credential)`)
)

func secretKeys() []string {
	keys := []string{
		"AWS_ACCESS_KEY_ID",
		"AWS_SECRET_ACCESS_KEY",
		"AWS_SESSION_TOKEN",
		"DATABASE_PASSWORD",
		"DB_PASSWORD",
		"API_KEY",
		"ACCESS_TOKEN",
		"CLIENT_SECRET",
		"password",
		"token",
	}
	escaped := make([]string, len(keys))
	for i, key := range keys {
		escaped[i] = regexp.QuoteMeta(key)
	}
	return escaped
}

// RedactSecrets masks ${VAR} template references and the values of known
// secret assignments in text shown to the user.
func RedactSecrets(message string) string {
	if message == "" {
		return message
	}
	redacted := templateVarPattern.ReplaceAllString(message, "${"+redactedPlaceholder+"}")
	return secretKeyPattern.ReplaceAllString(redacted, "$1$2$3"+redactedPlaceholder+"$5")
}

// RedactEnv returns a copy of env with the values of secret-looking
// variables masked.
func RedactEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if secretNamePattern.MatchString(k) {
			v = redactedPlaceholder
		}
		out[k] = v
	}
	return out
}
