// SPDX-License-Identifier: MIT

// Package resolve expands ${VAR} placeholders in a camera/microphone's
// configured input URI against the process environment, per
// SPEC_FULL.md §4.11.
//
// Adapted from lyrebirdaudio-go's internal/udev/mapper.go, which maps a
// udev hardware path to a stable device alias and fails closed on an
// unmapped alias; here the "alias" is an environment variable name and
// the source is always a URI, not a physical device path.
package resolve

import (
	"fmt"
	"os"
	"strings"
)

// Resolver expands ${VAR} placeholders in source URIs.
type Resolver struct {
	lookup func(string) (string, bool)
}

// New creates a Resolver using os.LookupEnv.
func New() *Resolver {
	return &Resolver{lookup: os.LookupEnv}
}

// NewWithLookup creates a Resolver using a custom variable lookup,
// primarily for tests.
func NewWithLookup(lookup func(string) (string, bool)) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve expands every ${VAR} occurrence in input. Returns an error
// naming the first unresolved variable rather than silently leaving the
// literal placeholder in a camera URI (fail closed).
func (r *Resolver) Resolve(input string) (string, error) {
	var sb strings.Builder
	rest := input
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			sb.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			sb.WriteString(rest)
			break
		}
		end += start

		sb.WriteString(rest[:start])
		name := rest[start+2 : end]
		val, ok := r.lookup(name)
		if !ok {
			return "", fmt.Errorf("resolve: unresolved placeholder ${%s}", name)
		}
		sb.WriteString(val)
		rest = rest[end+1:]
	}
	return sb.String(), nil
}
