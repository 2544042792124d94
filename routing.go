// Copyright 2022 The codesjoy Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package xds

import (
	"regexp"
	"strconv"
	"strings"
)

// RouteUpdate is a route-discovery update for a single server name: the
// ordered match-and-act rules of the virtual host selected for that name.
type RouteUpdate struct {
	Routes []*Route
}

// Route pairs a match predicate with an action.
type Route struct {
	Match  *RouteMatch
	Action *RouteAction
}

// RouteMatch defines how to match a request. Exactly one of Prefix, Path
// and Regex is set; an empty prefix is a valid catch-all, so the string
// specifiers are pointers rather than ""-sentinels.
type RouteMatch struct {
	Prefix *string
	Path   *string
	Regex  *regexp.Regexp

	Headers []*HeaderMatcher

	// FractionPerMillion, when set, admits only that fraction of matching
	// requests (runtime fraction, parts per million).
	FractionPerMillion *uint32
}

// HeaderMatcher matches a single request header. Exactly one of the match
// specifiers is set.
type HeaderMatcher struct {
	Name string

	ExactMatch   *string
	RegexMatch   *regexp.Regexp
	RangeMatch   *Int64Range
	PresentMatch *bool
	PrefixMatch  *string
	SuffixMatch  *string

	// InvertMatch negates the specifier above.
	InvertMatch bool
}

// Int64Range is the half-open interval [Start, End) used by range header
// matchers.
type Int64Range struct {
	Start int64
	End   int64
}

// RouteAction defines what to do when a route matches: exactly one of a
// single cluster or a non-empty weighted-cluster list.
type RouteAction struct {
	Cluster          string
	WeightedClusters []WeightedCluster
}

// WeightedCluster is a single cluster in a traffic split.
type WeightedCluster struct {
	Name   string
	Weight uint32
}

// Matches reports whether the route match rules apply to the request.
// The runtime fraction is not evaluated here; callers that enforce it
// roll their own dice.
func (m *RouteMatch) Matches(path string, headers map[string]string) bool {
	if m == nil {
		return true
	}

	switch {
	case m.Path != nil:
		if path != *m.Path {
			return false
		}
	case m.Prefix != nil:
		if !strings.HasPrefix(path, *m.Prefix) {
			return false
		}
	case m.Regex != nil:
		if !m.Regex.MatchString(path) {
			return false
		}
	}

	for _, h := range m.Headers {
		if !h.matches(headers) {
			return false
		}
	}

	return true
}

func (h *HeaderMatcher) matches(headers map[string]string) bool {
	val, ok := headers[h.Name]

	var matched bool
	switch {
	case h.PresentMatch != nil:
		matched = ok == *h.PresentMatch
	case !ok:
		matched = false
	case h.ExactMatch != nil:
		matched = val == *h.ExactMatch
	case h.RegexMatch != nil:
		matched = h.RegexMatch.MatchString(val)
	case h.RangeMatch != nil:
		n, err := strconv.ParseInt(val, 10, 64)
		matched = err == nil && n >= h.RangeMatch.Start && n < h.RangeMatch.End
	case h.PrefixMatch != nil:
		matched = strings.HasPrefix(val, *h.PrefixMatch)
	case h.SuffixMatch != nil:
		matched = strings.HasSuffix(val, *h.SuffixMatch)
	default:
		matched = false
	}

	if h.InvertMatch {
		return !matched
	}
	return matched
}

// MatchRoute finds the action of the first route matching the given path
// and headers, or nil when none match.
func MatchRoute(routes []*Route, path string, headers map[string]string) *RouteAction {
	for _, r := range routes {
		if r.Match.Matches(path, headers) {
			return r.Action
		}
	}
	return nil
}
