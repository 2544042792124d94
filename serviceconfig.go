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
	"encoding/json"

	routeType "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	"google.golang.org/grpc/attributes"
	"google.golang.org/grpc/resolver"
)

const (
	routingPolicyName  = "xds_routing_experimental"
	cdsPolicyName      = "cds_experimental"
	weightedPolicyName = "weighted_target_experimental"

	cdsActionPrefix      = "cds:"
	weightedActionPrefix = "weighted:"
)

// The generated document is built as a value and marshaled in one step,
// so tests compare structure rather than whitespace.

type serviceConfigJSON struct {
	LoadBalancingConfig []map[string]routingConfigJSON `json:"loadBalancingConfig"`
}

type routingConfigJSON struct {
	Actions map[string]actionJSON `json:"actions"`
	Routes  []routeJSON           `json:"routes"`
}

type actionJSON struct {
	ChildPolicy []map[string]any `json:"childPolicy"`
}

type routeJSON struct {
	Prefix        *string      `json:"prefix,omitempty"`
	Path          *string      `json:"path,omitempty"`
	Regex         *string      `json:"regex,omitempty"`
	Headers       []headerJSON `json:"headers,omitempty"`
	MatchFraction *uint32      `json:"match_fraction,omitempty"`
	Action        string       `json:"action"`
}

type headerJSON struct {
	Name         string     `json:"name"`
	ExactMatch   *string    `json:"exact_match,omitempty"`
	RegexMatch   *string    `json:"regex_match,omitempty"`
	RangeMatch   *rangeJSON `json:"range_match,omitempty"`
	PresentMatch *bool      `json:"present_match,omitempty"`
	PrefixMatch  *string    `json:"prefix_match,omitempty"`
	SuffixMatch  *string    `json:"suffix_match,omitempty"`
	InvertMatch  *bool      `json:"invert_match,omitempty"`
}

type rangeJSON struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func cdsChildPolicy(cluster string) []map[string]any {
	return []map[string]any{
		{cdsPolicyName: map[string]any{"cluster": cluster}},
	}
}

func weightedChildPolicy(wcs []WeightedCluster) []map[string]any {
	targets := make(map[string]any, len(wcs))
	for _, wc := range wcs {
		targets[wc.Name] = map[string]any{
			"weight":      wc.Weight,
			"childPolicy": cdsChildPolicy(wc.Name),
		}
	}
	return []map[string]any{
		{weightedPolicyName: map[string]any{"targets": targets}},
	}
}

// buildServiceConfig renders a route update into the routing service
// config consumed by the channel's LB stack. Action entries are keyed by
// action name and deduplicated; route entries preserve update order. The
// allocator must already hold names for every weighted action in the
// update.
func buildServiceConfig(routes []*Route, names *actionNames) (string, error) {
	rc := routingConfigJSON{
		Actions: make(map[string]actionJSON),
		Routes:  make([]routeJSON, 0, len(routes)),
	}

	for _, r := range routes {
		var name string
		if len(r.Action.WeightedClusters) > 0 {
			name = weightedActionPrefix + names.nameOf(r.Action.WeightedClusters)
			if _, ok := rc.Actions[name]; !ok {
				rc.Actions[name] = actionJSON{ChildPolicy: weightedChildPolicy(r.Action.WeightedClusters)}
			}
		} else {
			name = cdsActionPrefix + r.Action.Cluster
			if _, ok := rc.Actions[name]; !ok {
				rc.Actions[name] = actionJSON{ChildPolicy: cdsChildPolicy(r.Action.Cluster)}
			}
		}
		rc.Routes = append(rc.Routes, routeEntry(r.Match, name))
	}

	sc := serviceConfigJSON{
		LoadBalancingConfig: []map[string]routingConfigJSON{{routingPolicyName: rc}},
	}
	b, err := json.Marshal(sc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func routeEntry(m *RouteMatch, action string) routeJSON {
	rt := routeJSON{Action: action}
	switch {
	case m.Path != nil:
		rt.Path = m.Path
	case m.Regex != nil:
		s := m.Regex.String()
		rt.Regex = &s
	default:
		p := ""
		if m.Prefix != nil {
			p = *m.Prefix
		}
		rt.Prefix = &p
	}

	for _, h := range m.Headers {
		rt.Headers = append(rt.Headers, headerEntry(h))
	}
	rt.MatchFraction = m.FractionPerMillion
	return rt
}

func headerEntry(h *HeaderMatcher) headerJSON {
	hdr := headerJSON{Name: h.Name}
	switch {
	case h.ExactMatch != nil:
		hdr.ExactMatch = h.ExactMatch
	case h.RegexMatch != nil:
		s := h.RegexMatch.String()
		hdr.RegexMatch = &s
	case h.RangeMatch != nil:
		hdr.RangeMatch = &rangeJSON{Start: h.RangeMatch.Start, End: h.RangeMatch.End}
	case h.PresentMatch != nil:
		hdr.PresentMatch = h.PresentMatch
	case h.PrefixMatch != nil:
		hdr.PrefixMatch = h.PrefixMatch
	case h.SuffixMatch != nil:
		hdr.SuffixMatch = h.SuffixMatch
	}
	if h.InvertMatch {
		t := true
		hdr.InvertMatch = &t
	}
	return hdr
}

// ConfigSelector is the per-call policy object attached to successful
// resolver results. It holds the routes of the update it was built from;
// the channel consults it through the attribute set on the state.
type ConfigSelector struct {
	routes []*Route
}

// Routes returns the route list backing this selector, in update order.
func (cs *ConfigSelector) Routes() []*Route { return cs.routes }

type discoveryClientKey struct{}
type configSelectorKey struct{}

// setDiscoveryClient attaches the resolver's discovery client to the
// state handed to the channel.
func setDiscoveryClient(state resolver.State, c DiscoveryClient) resolver.State {
	if state.Attributes == nil {
		state.Attributes = attributes.New(discoveryClientKey{}, c)
	} else {
		state.Attributes = state.Attributes.WithValue(discoveryClientKey{}, c)
	}
	return state
}

// DiscoveryClientFromState returns the discovery client attached to a
// resolver state, or nil.
func DiscoveryClientFromState(state resolver.State) DiscoveryClient {
	c, _ := state.Attributes.Value(discoveryClientKey{}).(DiscoveryClient)
	return c
}

func setConfigSelector(state resolver.State, cs *ConfigSelector) resolver.State {
	if state.Attributes == nil {
		state.Attributes = attributes.New(configSelectorKey{}, cs)
	} else {
		state.Attributes = state.Attributes.WithValue(configSelectorKey{}, cs)
	}
	return state
}

// ConfigSelectorFromState returns the config selector attached to a
// resolver state, or nil.
func ConfigSelectorFromState(state resolver.State) *ConfigSelector {
	cs, _ := state.Attributes.Value(configSelectorKey{}).(*ConfigSelector)
	return cs
}

// RenderServiceConfig converts a route configuration into the service
// config document the resolver would emit for serverName, using a fresh
// name allocator. Useful for inspecting control-plane output offline.
func RenderServiceConfig(rc *routeType.RouteConfiguration, serverName string) (string, error) {
	update, err := parseRouteConfig(rc, serverName)
	if err != nil {
		return "", err
	}
	names := newActionNames().update(update.Routes)
	return buildServiceConfig(update.Routes, names)
}
