// Package apiroutes decides which data endpoints take part in stale-while-revalidate caching.
package apiroutes

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Pattern is a regular expression matched against the request path.
type Pattern struct {
	*regexp.Regexp
}

func MustCompile(expr string) Pattern {
	return Pattern{regexp.MustCompile(expr)}
}

func Compile(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("api pattern %q: %w", expr, err)
	}
	return Pattern{re}, nil
}

// UnmarshalYAML reads a pattern from a plain YAML string.
func (p *Pattern) UnmarshalYAML(node *yaml.Node) error {
	var expr string
	if err := node.Decode(&expr); err != nil {
		return err
	}
	compiled, err := Compile(expr)
	if err != nil {
		return err
	}
	*p = compiled
	return nil
}

// UnmarshalText allows patterns to be set from environment variables.
func (p *Pattern) UnmarshalText(text []byte) error {
	compiled, err := Compile(string(text))
	if err != nil {
		return err
	}
	*p = compiled
	return nil
}

type Routes []Pattern

// Default returns the data endpoints of the Bau-Structura API:
// project list, customer list and the authenticated user.
func Default() Routes {
	return Routes{
		MustCompile(`^/api/projects`),
		MustCompile(`^/api/customers`),
		MustCompile(`^/api/auth/user`),
	}
}

// Match reports whether the path is a recognized data endpoint.
func (r Routes) Match(path string) bool {
	for _, p := range r {
		if p.Regexp != nil && p.MatchString(path) {
			return true
		}
	}
	return false
}
