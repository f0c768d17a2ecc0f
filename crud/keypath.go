package crud

import (
	"regexp"
	"strings"

	"github.com/crudkit/crudkit/httperr"
)

// defaultParamPattern is assumed for key-path parameters that carry no
// explicit regex.
const defaultParamPattern = "([A-Za-z0-9_]{0,})"

// KeyPathPair maps one URL parameter of a resource key path onto the
// entity column it resolves.
type KeyPathPair struct {
	ParamName  string
	ColumnName string
	Pattern    string
}

var (
	reKeyPathParams = regexp.MustCompile(`:(\w+)(\([^)]*\))?(<\w+>)?`)
	reKeyPathParam  = regexp.MustCompile(`:(\w+)(\([^)]*\))?(<(\w+)>)?`)
)

// DecomposeKeyPath splits a resource key path such as
// ":library<library>/:slug([a-z-]+)" into its ordered parameter pairs.
// Every parameter takes these forms:
//
//	:paramName(regex)<columnName>
//	:paramName(regex)              columnName = paramName
//	:paramName<columnName>         regex = ([A-Za-z0-9_]{0,})
//
// A key path with no parameters is a controller configuration defect.
func DecomposeKeyPath(path, resource string) ([]KeyPathPair, error) {
	matches := reKeyPathParams.FindAllString(path, -1)
	if len(matches) == 0 {
		return nil, httperr.BadControllerConfiguration(resource,
			"failed to parse/convert columnNamePairs. Check your controller's request path pattern.")
	}
	pairs := make([]KeyPathPair, 0, len(matches))
	for _, raw := range matches {
		m := reKeyPathParam.FindStringSubmatch(raw)
		if m == nil {
			return nil, httperr.BadControllerConfiguration(resource,
				"failed to parse/convert columnNamePairs. Check your controller's request path pattern.")
		}
		pair := KeyPathPair{ParamName: m[1], ColumnName: m[4], Pattern: m[2]}
		if pair.ColumnName == "" {
			pair.ColumnName = m[1]
		}
		if pair.Pattern == "" {
			pair.Pattern = defaultParamPattern
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// routePath renders the key path as a router pattern: column remaps are
// dropped and :param placeholders become {param} segments. Explicit
// regexes ride along when the router can carry them.
func routePath(path string) string {
	cleaned := regexp.MustCompile(`<\w+>`).ReplaceAllString(path, "")
	out := reKeyPathParam.ReplaceAllStringFunc(cleaned, func(raw string) string {
		m := reKeyPathParam.FindStringSubmatch(raw)
		inner := strings.TrimSuffix(strings.TrimPrefix(m[2], "("), ")")
		if inner != "" && !strings.ContainsAny(inner, "{}") {
			return "{" + m[1] + ":" + inner + "}"
		}
		return "{" + m[1] + "}"
	})
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}
