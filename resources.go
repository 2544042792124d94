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
	"errors"
	"fmt"
	"regexp"
	"strings"

	listenerType "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	routeType "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	hcmType "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	matcherType "github.com/envoyproxy/go-control-plane/envoy/type/matcher/v3"
	typeType "github.com/envoyproxy/go-control-plane/envoy/type/v3"
)

// listenerResource is the part of a client Listener this resolver cares
// about: where the routes come from. Exactly one of rdsName and inline is
// set.
type listenerResource struct {
	name    string
	rdsName string
	inline  *routeType.RouteConfiguration
}

// parseListener extracts the route source from a client Listener. gRPC
// client listeners carry their HTTP connection manager in the api_listener
// field rather than in a filter chain.
func parseListener(l *listenerType.Listener) (*listenerResource, error) {
	if l.GetApiListener() == nil {
		return nil, fmt.Errorf("listener %q has no api_listener", l.GetName())
	}

	hcm := &hcmType.HttpConnectionManager{}
	if err := l.GetApiListener().GetApiListener().UnmarshalTo(hcm); err != nil {
		return nil, fmt.Errorf("failed to unmarshal api_listener of %q: %w", l.GetName(), err)
	}

	res := &listenerResource{name: l.GetName()}
	switch rs := hcm.RouteSpecifier.(type) {
	case *hcmType.HttpConnectionManager_Rds:
		if rs.Rds.GetRouteConfigName() == "" {
			return nil, fmt.Errorf("listener %q: RDS specifier with empty route config name", l.GetName())
		}
		res.rdsName = rs.Rds.GetRouteConfigName()
	case *hcmType.HttpConnectionManager_RouteConfig:
		res.inline = rs.RouteConfig
	default:
		return nil, fmt.Errorf("listener %q: unsupported route specifier %T", l.GetName(), hcm.RouteSpecifier)
	}
	return res, nil
}

// errNoVirtualHost marks updates whose route configuration is valid but
// carries no virtual host for the watched server name.
var errNoVirtualHost = errors.New("no matching virtual host")

// parseRouteConfig selects the virtual host for serverName and converts
// its routes into a RouteUpdate, preserving route and header order.
func parseRouteConfig(rc *routeType.RouteConfiguration, serverName string) (RouteUpdate, error) {
	vh := findVirtualHost(rc.GetVirtualHosts(), serverName)
	if vh == nil {
		return RouteUpdate{}, fmt.Errorf("route configuration %q: %w for server name %q", rc.GetName(), errNoVirtualHost, serverName)
	}

	update := RouteUpdate{Routes: make([]*Route, 0, len(vh.GetRoutes()))}
	for _, r := range vh.GetRoutes() {
		match, err := parseRouteMatch(r.GetMatch())
		if err != nil {
			return RouteUpdate{}, err
		}
		action, err := parseRouteAction(r.GetRoute())
		if err != nil {
			return RouteUpdate{}, err
		}
		update.Routes = append(update.Routes, &Route{Match: match, Action: action})
	}
	return update, nil
}

// findVirtualHost picks the best domain match for serverName: an exact
// domain wins, then the longest wildcard suffix or prefix, then "*".
func findVirtualHost(vhs []*routeType.VirtualHost, serverName string) *routeType.VirtualHost {
	var best *routeType.VirtualHost
	bestLen := -1
	for _, vh := range vhs {
		for _, domain := range vh.GetDomains() {
			switch {
			case domain == serverName:
				return vh
			case domain == "*":
				if bestLen < 0 {
					best = vh
					bestLen = 0
				}
			case strings.HasPrefix(domain, "*"):
				if strings.HasSuffix(serverName, domain[1:]) && len(domain) > bestLen {
					best = vh
					bestLen = len(domain)
				}
			case strings.HasSuffix(domain, "*"):
				if strings.HasPrefix(serverName, domain[:len(domain)-1]) && len(domain) > bestLen {
					best = vh
					bestLen = len(domain)
				}
			}
		}
	}
	return best
}

func parseRouteMatch(m *routeType.RouteMatch) (*RouteMatch, error) {
	rm := &RouteMatch{}

	switch p := m.GetPathSpecifier().(type) {
	case *routeType.RouteMatch_Prefix:
		rm.Prefix = &p.Prefix
	case *routeType.RouteMatch_Path:
		rm.Path = &p.Path
	case *routeType.RouteMatch_SafeRegex:
		re, err := regexp.Compile(p.SafeRegex.GetRegex())
		if err != nil {
			return nil, fmt.Errorf("invalid path regex %q: %w", p.SafeRegex.GetRegex(), err)
		}
		rm.Regex = re
	default:
		return nil, fmt.Errorf("unsupported path specifier %T", m.GetPathSpecifier())
	}

	for _, h := range m.GetHeaders() {
		hm, err := parseHeaderMatcher(h)
		if err != nil {
			return nil, err
		}
		rm.Headers = append(rm.Headers, hm)
	}

	if rf := m.GetRuntimeFraction(); rf != nil {
		frac, err := fractionPerMillion(rf.GetDefaultValue())
		if err != nil {
			return nil, err
		}
		rm.FractionPerMillion = &frac
	}

	return rm, nil
}

// parseHeaderMatcher converts one header matcher, accepting both the
// string_match form and the older per-type fields. A matcher with an
// unrecognized specifier is rejected rather than passed through as a
// name-only match.
func parseHeaderMatcher(h *routeType.HeaderMatcher) (*HeaderMatcher, error) {
	hm := &HeaderMatcher{Name: h.GetName(), InvertMatch: h.GetInvertMatch()}

	switch spec := h.GetHeaderMatchSpecifier().(type) {
	case *routeType.HeaderMatcher_ExactMatch: //nolint:staticcheck
		hm.ExactMatch = &spec.ExactMatch //nolint:staticcheck
	case *routeType.HeaderMatcher_SafeRegexMatch: //nolint:staticcheck
		re, err := regexp.Compile(spec.SafeRegexMatch.GetRegex()) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("header %q: invalid regex: %w", h.GetName(), err)
		}
		hm.RegexMatch = re
	case *routeType.HeaderMatcher_RangeMatch:
		hm.RangeMatch = &Int64Range{Start: spec.RangeMatch.GetStart(), End: spec.RangeMatch.GetEnd()}
	case *routeType.HeaderMatcher_PresentMatch:
		hm.PresentMatch = &spec.PresentMatch
	case *routeType.HeaderMatcher_PrefixMatch: //nolint:staticcheck
		hm.PrefixMatch = &spec.PrefixMatch //nolint:staticcheck
	case *routeType.HeaderMatcher_SuffixMatch: //nolint:staticcheck
		hm.SuffixMatch = &spec.SuffixMatch //nolint:staticcheck
	case *routeType.HeaderMatcher_StringMatch:
		if err := applyStringMatcher(hm, spec.StringMatch); err != nil {
			return nil, fmt.Errorf("header %q: %w", h.GetName(), err)
		}
	default:
		return nil, fmt.Errorf("header %q: unsupported match specifier %T", h.GetName(), h.GetHeaderMatchSpecifier())
	}

	return hm, nil
}

func applyStringMatcher(hm *HeaderMatcher, sm *matcherType.StringMatcher) error {
	switch p := sm.GetMatchPattern().(type) {
	case *matcherType.StringMatcher_Exact:
		hm.ExactMatch = &p.Exact
	case *matcherType.StringMatcher_Prefix:
		hm.PrefixMatch = &p.Prefix
	case *matcherType.StringMatcher_Suffix:
		hm.SuffixMatch = &p.Suffix
	case *matcherType.StringMatcher_SafeRegex:
		re, err := regexp.Compile(p.SafeRegex.GetRegex())
		if err != nil {
			return fmt.Errorf("invalid regex: %w", err)
		}
		hm.RegexMatch = re
	default:
		return fmt.Errorf("unsupported string match pattern %T", sm.GetMatchPattern())
	}
	return nil
}

func fractionPerMillion(f *typeType.FractionalPercent) (uint32, error) {
	switch f.GetDenominator() {
	case typeType.FractionalPercent_MILLION:
		return f.GetNumerator(), nil
	case typeType.FractionalPercent_TEN_THOUSAND:
		return f.GetNumerator() * 100, nil
	case typeType.FractionalPercent_HUNDRED:
		return f.GetNumerator() * 10000, nil
	default:
		return 0, fmt.Errorf("unsupported fraction denominator %v", f.GetDenominator())
	}
}

func parseRouteAction(r *routeType.RouteAction) (*RouteAction, error) {
	if r == nil {
		return nil, fmt.Errorf("route has no route action")
	}

	ra := &RouteAction{}
	switch c := r.GetClusterSpecifier().(type) {
	case *routeType.RouteAction_Cluster:
		ra.Cluster = c.Cluster
	case *routeType.RouteAction_WeightedClusters:
		clusters := c.WeightedClusters.GetClusters()
		if len(clusters) == 0 {
			return nil, fmt.Errorf("weighted cluster action with no clusters")
		}
		for _, cl := range clusters {
			ra.WeightedClusters = append(ra.WeightedClusters, WeightedCluster{
				Name:   cl.GetName(),
				Weight: cl.GetWeight().GetValue(),
			})
		}
	default:
		return nil, fmt.Errorf("unsupported cluster specifier %T", r.GetClusterSpecifier())
	}
	return ra, nil
}
