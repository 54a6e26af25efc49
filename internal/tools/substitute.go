package tools

import (
	"os"
	"regexp"
	"strings"
)

// placeholderPattern matches ${NAME} occurrences inside config string values.
// Names are matched case-insensitively against the value map.
var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}`)

// ResolveConfig substitutes ${NAME} placeholders in the string values of a
// tool-server config from the given value map (typically user secrets merged
// over the process environment). If any placeholder in a value remains
// unresolved, the entire containing key is dropped from the result.
func ResolveConfig(config map[string]any, values map[string]string) map[string]any {
	lower := make(map[string]string, len(values))
	for k, v := range values {
		lower[strings.ToLower(k)] = v
	}

	resolved := make(map[string]any, len(config))
	for key, value := range config {
		str, ok := value.(string)
		if !ok {
			resolved[key] = value
			continue
		}
		unresolved := false
		out := placeholderPattern.ReplaceAllStringFunc(str, func(match string) string {
			name := placeholderPattern.FindStringSubmatch(match)[1]
			if v, ok := lower[strings.ToLower(name)]; ok {
				return v
			}
			unresolved = true
			return match
		})
		if unresolved {
			continue
		}
		resolved[key] = out
	}
	return resolved
}

// MergedValues returns user secrets layered over the process environment.
// Secrets win on name collisions.
func MergedValues(secrets map[string]string) map[string]string {
	values := make(map[string]string, len(secrets))
	for _, entry := range os.Environ() {
		if i := strings.IndexByte(entry, '='); i > 0 {
			values[entry[:i]] = entry[i+1:]
		}
	}
	for k, v := range secrets {
		values[k] = v
	}
	return values
}
