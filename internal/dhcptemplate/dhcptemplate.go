// Package dhcptemplate renders Jinja-style `{{ ... }}` expressions over a
// nested context tree. Rendering itself is delegated to a black-box engine;
// this package adds the one behavior that engine doesn't expose on its
// own: detecting whether a path referenced by a template actually resolved,
// so that a mapping entry marked required can fail loudly instead of
// silently rendering empty.
package dhcptemplate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/flosch/pongo2/v6"
)

// ErrMissing is returned by [Renderer.Render] when template is marked
// required and references a path absent from the context.
const ErrMissing errors.Error = "template path missing"

// MissingPathError reports which path caused an [ErrMissing] failure.
type MissingPathError struct {
	Path string
}

// Error implements the error interface for *MissingPathError.
func (e *MissingPathError) Error() (msg string) {
	return fmt.Sprintf("%s: %s", ErrMissing, e.Path)
}

// Unwrap supports errors.Is(err, ErrMissing).
func (e *MissingPathError) Unwrap() (err error) {
	return ErrMissing
}

// Context is the name→value tree a template renders against. Values are
// typically strings, numbers, bools, []any, or map[string]any, mirroring
// the shape of a decoded JSON query response.
type Context map[string]any

// Renderer renders template strings against a [Context]. The zero value is
// ready to use.
type Renderer struct{}

// New returns a ready-to-use [Renderer].
func New() (r *Renderer) {
	return &Renderer{}
}

// Render substitutes every `{{ ... }}` expression in template against ctx.
// A path that does not resolve renders as an empty string, unless
// required is true, in which case Render fails with a [MissingPathError]
// naming the first unresolved path.
func (r *Renderer) Render(template string, ctx Context, required bool) (out string, err error) {
	if required {
		if missing := firstMissingPath(template, ctx); missing != "" {
			return "", &MissingPathError{Path: missing}
		}
	}

	tpl, err := pongo2.FromString(template)
	if err != nil {
		return "", fmt.Errorf("dhcptemplate: parsing: %w", err)
	}

	out, err = tpl.Execute(pongo2.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("dhcptemplate: executing: %w", err)
	}

	return out, nil
}

// firstMissingPath scans template for `{{ path }}` expressions and returns
// the first one that does not resolve against ctx, or "" if all resolve
// (or the template contains no expressions). It only recognizes the plain
// dot/bracket path syntax the mapping/query values actually use; templates
// using pongo2 filters or control structures are not scanned and always
// pass this check, leaving the actual rendering to pongo2.
func firstMissingPath(template string, ctx Context) (path string) {
	for _, expr := range extractExpressions(template) {
		if !isPlainPath(expr) {
			continue
		}

		if _, ok := resolvePath(ctx, expr); !ok {
			return expr
		}
	}

	return ""
}

// extractExpressions returns the trimmed contents of every `{{ ... }}`
// occurrence in s.
func extractExpressions(s string) (exprs []string) {
	for {
		start := strings.Index(s, "{{")
		if start == -1 {
			return exprs
		}

		s = s[start+2:]

		end := strings.Index(s, "}}")
		if end == -1 {
			return exprs
		}

		exprs = append(exprs, strings.TrimSpace(s[:end]))
		s = s[end+2:]
	}
}

// isPlainPath reports whether expr consists only of letters, digits, '_',
// '.', brackets and quotes, so that it contains no pongo2 filter (`|`),
// operator, or whitespace. A bare string or number literal also passes
// this check and is then looked up as a path.
func isPlainPath(expr string) (ok bool) {
	if expr == "" {
		return false
	}

	for _, r := range expr {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '.', r == '[', r == ']', r == '"', r == '\'':
		default:
			return false
		}
	}

	return true
}

// resolvePath walks expr's dot/bracket segments against ctx, reporting
// whether the full path resolved to a present (possibly nil) value.
func resolvePath(ctx Context, expr string) (value any, ok bool) {
	segments := splitPath(expr)
	if len(segments) == 0 {
		return nil, false
	}

	var cur any = map[string]any(ctx)
	for _, seg := range segments {
		cur, ok = step(cur, seg)
		if !ok {
			return nil, false
		}
	}

	return cur, true
}

// step descends one path segment into cur, which is either a
// map[string]any/[Context] (for a name segment) or a []any (for a numeric
// index segment).
func step(cur any, seg string) (next any, ok bool) {
	if idx, err := strconv.Atoi(seg); err == nil {
		list, isList := cur.([]any)
		if !isList || idx < 0 || idx >= len(list) {
			return nil, false
		}

		return list[idx], true
	}

	switch m := cur.(type) {
	case Context:
		next, ok = m[seg]
	case map[string]any:
		next, ok = m[seg]
	default:
		return nil, false
	}

	return next, ok
}

// splitPath breaks "results.host.ips[0]" into ["results", "host", "ips",
// "0"].
func splitPath(expr string) (segments []string) {
	var b strings.Builder

	flush := func() {
		if b.Len() > 0 {
			segments = append(segments, strings.Trim(b.String(), `"'`))
			b.Reset()
		}
	}

	for _, r := range expr {
		switch r {
		case '.', '[':
			flush()
		case ']':
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()

	return segments
}
