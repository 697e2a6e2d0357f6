// Package pattern compiles route templates such as "/chat/:room" and matches
// them against concrete paths or event names, extracting named parameters and
// the query string.
package pattern

import (
	"net/url"
	"strings"
)

// Pattern is a compiled route template. Segments starting with ':' bind to the
// segment at the same position in a candidate; every other segment must match
// literally. A Pattern is immutable and safe for concurrent use.
type Pattern struct {
	raw      string
	segments []segment
}

type segment struct {
	value string
	param bool
}

// Match is the result of a successful match.
type Match struct {
	Params map[string]string
	Query  map[string]string
}

// Compile splits template into '/'-delimited segments. It never fails: any
// string is a valid template, it may just never match.
func Compile(template string) *Pattern {
	path, _ := splitQuery(template)
	parts := strings.Split(path, "/")

	segments := make([]segment, len(parts))
	for i, part := range parts {
		if len(part) > 1 && part[0] == ':' {
			segments[i] = segment{value: part[1:], param: true}
			continue
		}
		segments[i] = segment{value: part}
	}

	return &Pattern{raw: template, segments: segments}
}

// String returns the template the pattern was compiled from.
func (p *Pattern) String() string {
	return p.raw
}

// Match reports whether candidate matches the pattern. Matching is
// case-sensitive and the number of segments must be equal. Parameter
// segments never bind to an empty segment.
func (p *Pattern) Match(candidate string) (Match, bool) {
	path, rawQuery := splitQuery(candidate)
	parts := strings.Split(path, "/")
	if len(parts) != len(p.segments) {
		return Match{}, false
	}

	params := make(map[string]string)
	for i, seg := range p.segments {
		if seg.param {
			if parts[i] == "" {
				return Match{}, false
			}
			params[seg.value] = parts[i]
			continue
		}
		if seg.value != parts[i] {
			return Match{}, false
		}
	}

	return Match{Params: params, Query: parseQuery(rawQuery)}, true
}

// Query parses the query part of candidate, if any. A candidate without a
// query or with an unparsable one yields an empty map.
func Query(candidate string) map[string]string {
	_, rawQuery := splitQuery(candidate)
	return parseQuery(rawQuery)
}

func splitQuery(candidate string) (string, string) {
	path, query, _ := strings.Cut(candidate, "?")
	return path, query
}

func parseQuery(rawQuery string) map[string]string {
	query := make(map[string]string)
	if rawQuery == "" {
		return query
	}

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return query
	}

	for key, vals := range values {
		if key == "" || len(vals) == 0 {
			continue
		}
		query[key] = vals[0]
	}
	return query
}
