package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// ${VAR:-default} needs its own pass; os.Expand has no default syntax.
var envDefaultPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*):-([^}]*)\}`)

// expandEnv substitutes ${VAR}, ${VAR:-default} and $VAR references. A
// reference without a default expands to the empty string when unset.
func expandEnv(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	s = envDefaultPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envDefaultPattern.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
	return os.Expand(s, os.Getenv)
}

// retype converts an expanded string so "8080" unmarshals into an int field
// and "true" into a bool.
func retype(value string) any {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

// expandEnvVarsInData walks the raw config tree and expands every string.
// Values that changed are retyped, so numeric and boolean fields survive the
// round trip through the environment.
func expandEnvVarsInData(data any) any {
	switch v := data.(type) {
	case string:
		if expanded := expandEnv(v); expanded != v {
			return retype(expanded)
		}
		return v
	case map[string]any:
		result := make(map[string]any, len(v))
		for key, value := range v {
			result[key] = expandEnvVarsInData(value)
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = expandEnvVarsInData(item)
		}
		return result
	default:
		return v
	}
}

// LoadEnvFiles loads .env.local and .env when present. Missing files are not
// an error.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("loading %s: %w", file, err)
		}
	}
	return nil
}
