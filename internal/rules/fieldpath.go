// internal/rules/fieldpath.go
package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sandonleejacobs/rulestream/internal/types"
)

/*
 * Field path parsing and resolution over decoded documents.
 *
 * Paths are written as dotted strings ("customer.address.city",
 * "items[0].sku", "items[*].price", optional leading "$.") and parsed into
 * PathSegment chains once at compile time. Resolution walks an already
 * decoded document so a record's payload is parsed a single time no matter
 * how many conditions read it.
 *
 * Wildcard semantics: ANY. The first element (arrays in index order, objects
 * in sorted key order) for which the rest of the path resolves wins. Sorted
 * key iteration keeps the reported resolved path identical across runs.
 */

// ResolveResult contains the resolved value and the actual path taken.
type ResolveResult struct {
	Value        any                 // resolved value (nil if not found)
	ResolvedPath []types.PathSegment // path with wildcards replaced by actual indices
	Found        bool                // true if path resolved to a value
}

// Resolve traverses a decoded document following path segments.
// Returns ErrPathTooDeep if path exceeds MaxPathDepth.
// Returns ErrTooManyWildcards if path contains > MaxNestedWildcards wildcards.
// Returns ErrFieldNotFound if path does not exist in doc.
func Resolve(path []types.PathSegment, doc any) (ResolveResult, error) {
	if len(path) > types.MaxPathDepth {
		return ResolveResult{}, types.ErrPathTooDeep
	}

	wildcardCount := 0
	for _, seg := range path {
		if seg.Wildcard {
			wildcardCount++
		}
	}
	if wildcardCount > types.MaxNestedWildcards {
		return ResolveResult{}, types.ErrTooManyWildcards
	}

	return resolveRecursive(path, doc, make([]types.PathSegment, 0, len(path)))
}

// ResolveJSON decodes raw JSON and resolves path against it.
func ResolveJSON(path []types.PathSegment, data json.RawMessage) (ResolveResult, error) {
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return ResolveResult{}, err
	}
	return Resolve(path, parsed)
}

func resolveRecursive(path []types.PathSegment, current any, resolvedSoFar []types.PathSegment) (ResolveResult, error) {
	if len(path) == 0 {
		return ResolveResult{
			Value:        current,
			ResolvedPath: resolvedSoFar,
			Found:        true,
		}, nil
	}

	seg := path[0]
	remaining := path[1:]

	switch v := current.(type) {
	case map[string]any:
		if seg.Wildcard {
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				result, err := resolveRecursive(remaining, v[key], extend(resolvedSoFar, types.PathSegment{Key: key}))
				if err == nil && result.Found {
					return result, nil
				}
			}
			return ResolveResult{}, types.ErrFieldNotFound
		}
		if seg.IsIndex {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		val, ok := v[seg.Key]
		if !ok {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return resolveRecursive(remaining, val, extend(resolvedSoFar, seg))

	case []any:
		if seg.Wildcard {
			// Empty array: all elements missing, defer to on_missing_field
			for i, elem := range v {
				result, err := resolveRecursive(remaining, elem, extend(resolvedSoFar, types.PathSegment{Index: i, IsIndex: true}))
				if err == nil && result.Found {
					return result, nil
				}
			}
			return ResolveResult{}, types.ErrFieldNotFound
		}
		if !seg.IsIndex || seg.Index < 0 || seg.Index >= len(v) {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return resolveRecursive(remaining, v[seg.Index], extend(resolvedSoFar, seg))

	default:
		// null or scalar with path remaining
		return ResolveResult{}, types.ErrFieldNotFound
	}
}

// extend appends without aliasing sibling branches of a wildcard walk.
func extend(path []types.PathSegment, seg types.PathSegment) []types.PathSegment {
	out := make([]types.PathSegment, len(path), len(path)+1)
	copy(out, path)
	return append(out, seg)
}

// ParsePath parses "a.b[0].c", "items[*].price" or "$.a.b" into segments.
// "*" as a dotted component is an object wildcard.
func ParsePath(s string) ([]types.PathSegment, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "$.")
	if s == "" {
		return nil, fmt.Errorf("%w: empty path", types.ErrInvalidFieldPath)
	}

	var segs []types.PathSegment
	for _, part := range strings.Split(s, ".") {
		name, rest, _ := strings.Cut(part, "[")
		switch {
		case name == "*":
			segs = append(segs, types.PathSegment{Wildcard: true})
		case name != "":
			segs = append(segs, types.PathSegment{Key: name})
		case !strings.HasPrefix(part, "["):
			return nil, fmt.Errorf("%w: empty component in %q", types.ErrInvalidFieldPath, s)
		}
		if rest == "" && !strings.Contains(part, "[") {
			continue
		}
		rest = "[" + rest
		for rest != "" {
			if rest[0] != '[' {
				return nil, fmt.Errorf("%w: unexpected %q in %q", types.ErrInvalidFieldPath, rest, s)
			}
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated index in %q", types.ErrInvalidFieldPath, s)
			}
			idx := rest[1:end]
			if idx == "*" {
				segs = append(segs, types.PathSegment{Wildcard: true})
			} else {
				n, err := strconv.Atoi(idx)
				if err != nil || n < 0 {
					return nil, fmt.Errorf("%w: bad index %q in %q", types.ErrInvalidFieldPath, idx, s)
				}
				segs = append(segs, types.PathSegment{Index: n, IsIndex: true})
			}
			rest = rest[end+1:]
		}
	}
	if len(segs) > types.MaxPathDepth {
		return nil, types.ErrPathTooDeep
	}
	return segs, nil
}

// FormatPath renders segments in the syntax ParsePath accepts.
func FormatPath(path []types.PathSegment) string {
	var b strings.Builder
	for i, seg := range path {
		switch {
		case seg.IsIndex:
			fmt.Fprintf(&b, "[%d]", seg.Index)
		case seg.Wildcard:
			if i > 0 && !path[i-1].IsIndex && !path[i-1].Wildcard {
				b.WriteString("[*]")
			} else {
				if i > 0 {
					b.WriteByte('.')
				}
				b.WriteByte('*')
			}
		default:
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(seg.Key)
		}
	}
	return b.String()
}
