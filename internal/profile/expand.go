package profile

import (
	"regexp"
	"sort"
)

// variablePattern matches ${NAME}. Bare $NAME is left alone.
var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandString replaces ${NAME} references using lookup. The first unset
// name is returned as missing and the input is returned unchanged.
func expandString(s string, lookup func(string) (string, bool)) (string, string) {
	var missing string
	out := variablePattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := lookup(name); ok {
			return v
		}
		if missing == "" {
			missing = name
		}
		return match
	})
	if missing != "" {
		return s, missing
	}
	return out, ""
}

// expandValue walks maps and slices expanding every string. Keys are
// visited in sorted order so the reported missing name is deterministic.
func expandValue(v any, lookup func(string) (string, bool)) (any, string) {
	switch typed := v.(type) {
	case string:
		return expandString(typed, lookup)
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for k := range typed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(typed))
		for _, k := range keys {
			ev, missing := expandValue(typed[k], lookup)
			if missing != "" {
				return nil, missing
			}
			out[k] = ev
		}
		return out, ""
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			ev, missing := expandValue(item, lookup)
			if missing != "" {
				return nil, missing
			}
			out[i] = ev
		}
		return out, ""
	default:
		return v, ""
	}
}
