package template

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oliveagle/jsonpath"
)

// ResolutionError reports a placeholder whose path does not exist in the
// scope. It is distinct from execution failures so callers can tell
// "inputs unavailable" apart from "step ran and failed".
type ResolutionError struct {
	Path string
}

func (e ResolutionError) Error() string {
	return fmt.Sprintf("can not resolve path %s", e.Path)
}

var placeholderRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Resolve substitutes ${...} placeholders in a template against a scope map.
// The scope holds prior step results keyed by step id plus workflow
// variables. A string that is exactly one placeholder resolves to the
// referenced value itself, so whole objects can be passed between steps;
// placeholders embedded in a longer string are stringified in place.
// Maps and lists are resolved recursively. Resolution is pure: the same
// template and scope always produce the same value, and a template without
// placeholders is returned unchanged.
func Resolve(tmpl any, scope map[string]any) (any, error) {
	switch v := tmpl.(type) {
	case string:
		return resolveString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := Resolve(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			resolved, err := Resolve(item, scope)
			if err != nil {
				return nil, err
			}
			out = append(out, resolved)
		}
		return out, nil
	default:
		return tmpl, nil
	}
}

func resolveString(s string, scope map[string]any) (any, error) {
	tokens := placeholderRegex.FindAllStringSubmatch(s, -1)
	if len(tokens) == 0 {
		return s, nil
	}
	if len(tokens) == 1 && tokens[0][0] == s {
		return lookup(tokens[0][1], scope)
	}
	newStr := s
	for _, token := range tokens {
		value, err := lookup(token[1], scope)
		if err != nil {
			return nil, err
		}
		newStr = strings.Replace(newStr, token[0], fmt.Sprintf("%v", value), 1)
	}
	return newStr, nil
}

func lookup(path string, scope map[string]any) (any, error) {
	path = strings.TrimSpace(path)
	value, err := jsonpath.JsonPathLookup(map[string]any(scope), "$."+path)
	if err != nil {
		return nil, ResolutionError{Path: path}
	}
	return value, nil
}
