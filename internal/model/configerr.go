package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

type CueErrorDetail struct {
	Path    string // pipelines.0.mode
	Code    string // missing_required | unknown_field | conflict | invalid_enum | type_mismatch | invalid
	Message string
	Line    int
	Column  int
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.Int("line", c.Line),
		slog.Int("column", c.Column),
	)
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reEnum        = regexp.MustCompile(`(?i)empty disjunction`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
)

// CueErrDetails turns an error returned by LoadConfig into one detail per
// distinct position. Non cue errors produce a single detail.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	var out []CueErrorDetail
	seen := make(map[string]struct{})
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		path := strings.TrimPrefix(strings.Join(e.Path(), "."), "#Config.")

		d := CueErrorDetail{
			Path:    path,
			Code:    classify(msg),
			Message: msg,
		}
		if pos := e.Position(); pos.IsValid() {
			p := pos.Position()
			d.Line, d.Column = p.Line, p.Column
		}

		key := fmt.Sprintf("%s:%d:%d", d.Path, d.Line, d.Column)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}
	if len(out) == 0 {
		out = append(out, CueErrorDetail{Code: "invalid", Message: err.Error()})
	}
	return out
}

func classify(msg string) string {
	switch {
	case reIncomplete.MatchString(msg):
		return "missing_required"
	case reNotAllowed.MatchString(msg):
		return "unknown_field"
	case reEnum.MatchString(msg):
		return "invalid_enum"
	case reConflict.MatchString(msg):
		return "conflict"
	case reExpectedGot.MatchString(msg):
		return "type_mismatch"
	default:
		return "invalid"
	}
}
