// Package aggregate implements the aggregation handlers and middleware
// pipeline and the per-session MetaMCP server factory: list_tools fan-out
// with server-name prefixing, call_tool dispatch by prefix resolution, and
// the filterTools/cache middlewares composed around them.
package aggregate

import (
	"fmt"
	"regexp"
	"strings"

	"metamcp/internal/repository"
)

// toolNameSeparator joins a sanitized server name and its original tool name.
const toolNameSeparator = "__"

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// Sanitize replaces every character outside [A-Za-z0-9_] with '_'. It is
// idempotent: Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(name string) string {
	return invalidNameChars.ReplaceAllString(name, "_")
}

// PrefixedName returns the aggregated tool name a client sees:
// sanitize(serverName) + "__" + originalName.
func PrefixedName(serverName, toolName string) string {
	return Sanitize(serverName) + toolNameSeparator + toolName
}

// InvalidToolNameError means the incoming name had no "__" separator.
type InvalidToolNameError struct {
	Name string
}

func (e *InvalidToolNameError) Error() string {
	return fmt.Sprintf("invalid tool name %q: missing %q separator", e.Name, toolNameSeparator)
}

// UnknownToolError means the server prefix resolved to no upstream.
type UnknownToolError struct {
	Prefix string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: no server matches prefix %q", e.Prefix)
}

// ParseToolName splits name on its first "__" into (serverPrefix, originalToolName).
func ParseToolName(name string) (prefix, original string, err error) {
	idx := strings.Index(name, toolNameSeparator)
	if idx < 0 {
		return "", "", &InvalidToolNameError{Name: name}
	}
	return name[:idx], name[idx+len(toolNameSeparator):], nil
}

// ResolveServer finds the server in mappings whose sanitized name matches
// prefix. Ties are broken by first-in-mapping-order; zero matches is
// UnknownToolError.
func ResolveServer(mappings []repository.ServerMapping, prefix string) (repository.McpServer, error) {
	for _, m := range mappings {
		if Sanitize(m.Server.Name) == prefix {
			return m.Server, nil
		}
	}
	return repository.McpServer{}, &UnknownToolError{Prefix: prefix}
}
