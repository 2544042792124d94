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
	"testing"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	listenerType "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	routeType "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	hcmType "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	matcherType "github.com/envoyproxy/go-control-plane/envoy/type/matcher/v3"
	typeType "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func apiListener(t *testing.T, name string, hcm *hcmType.HttpConnectionManager) *listenerType.Listener {
	t.Helper()
	a, err := anypb.New(hcm)
	if err != nil {
		t.Fatalf("failed to wrap HCM: %v", err)
	}
	return &listenerType.Listener{
		Name:        name,
		ApiListener: &listenerType.ApiListener{ApiListener: a},
	}
}

func prefixRoute(prefix, cluster string) *routeType.Route {
	return &routeType.Route{
		Match: &routeType.RouteMatch{
			PathSpecifier: &routeType.RouteMatch_Prefix{Prefix: prefix},
		},
		Action: &routeType.Route_Route{
			Route: &routeType.RouteAction{
				ClusterSpecifier: &routeType.RouteAction_Cluster{Cluster: cluster},
			},
		},
	}
}

func TestParseListener(t *testing.T) {
	tests := []struct {
		name     string
		listener *listenerType.Listener
		wantRDS  string
		wantErr  bool
	}{
		{
			name: "rds specifier",
			listener: apiListener(t, "svc", &hcmType.HttpConnectionManager{
				RouteSpecifier: &hcmType.HttpConnectionManager_Rds{
					Rds: &hcmType.Rds{RouteConfigName: "route-cfg"},
				},
			}),
			wantRDS: "route-cfg",
		},
		{
			name: "inline route config",
			listener: apiListener(t, "svc", &hcmType.HttpConnectionManager{
				RouteSpecifier: &hcmType.HttpConnectionManager_RouteConfig{
					RouteConfig: &routeType.RouteConfiguration{Name: "inline"},
				},
			}),
		},
		{
			name:     "no api listener",
			listener: &listenerType.Listener{Name: "svc"},
			wantErr:  true,
		},
		{
			name: "rds with empty name",
			listener: apiListener(t, "svc", &hcmType.HttpConnectionManager{
				RouteSpecifier: &hcmType.HttpConnectionManager_Rds{Rds: &hcmType.Rds{}},
			}),
			wantErr: true,
		},
		{
			name:     "missing route specifier",
			listener: apiListener(t, "svc", &hcmType.HttpConnectionManager{}),
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lr, err := parseListener(tt.listener)
			if tt.wantErr {
				if err == nil {
					t.Fatal("parseListener() succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseListener() failed: %v", err)
			}
			if lr.rdsName != tt.wantRDS {
				t.Errorf("rdsName = %q, want %q", lr.rdsName, tt.wantRDS)
			}
			if tt.wantRDS == "" && lr.inline == nil {
				t.Error("inline route config missing")
			}
		})
	}
}

func TestParseRouteConfig(t *testing.T) {
	rc := &routeType.RouteConfiguration{
		Name: "rc",
		VirtualHosts: []*routeType.VirtualHost{
			{
				Domains: []string{"svc.example.com"},
				Routes:  []*routeType.Route{prefixRoute("/a", "C1"), prefixRoute("/b", "C2")},
			},
			{
				Domains: []string{"*"},
				Routes:  []*routeType.Route{prefixRoute("/", "fallback")},
			},
		},
	}

	update, err := parseRouteConfig(rc, "svc.example.com")
	if err != nil {
		t.Fatalf("parseRouteConfig() failed: %v", err)
	}
	if len(update.Routes) != 2 {
		t.Fatalf("got %d routes, want 2", len(update.Routes))
	}
	if got := *update.Routes[0].Match.Prefix; got != "/a" {
		t.Errorf("route 0 prefix = %q, want /a", got)
	}
	if got := update.Routes[1].Action.Cluster; got != "C2" {
		t.Errorf("route 1 cluster = %q, want C2", got)
	}
}

func TestParseRouteConfigNoVirtualHost(t *testing.T) {
	rc := &routeType.RouteConfiguration{
		Name: "rc",
		VirtualHosts: []*routeType.VirtualHost{
			{Domains: []string{"other.example.com"}},
		},
	}

	_, err := parseRouteConfig(rc, "svc.example.com")
	if !errors.Is(err, errNoVirtualHost) {
		t.Fatalf("parseRouteConfig() error = %v, want errNoVirtualHost", err)
	}
}

func TestFindVirtualHost(t *testing.T) {
	exact := &routeType.VirtualHost{Domains: []string{"svc.example.com"}}
	suffix := &routeType.VirtualHost{Domains: []string{"*.example.com"}}
	prefix := &routeType.VirtualHost{Domains: []string{"svc.*"}}
	star := &routeType.VirtualHost{Domains: []string{"*"}}

	tests := []struct {
		name       string
		vhs        []*routeType.VirtualHost
		serverName string
		want       *routeType.VirtualHost
	}{
		{
			name:       "exact beats wildcard",
			vhs:        []*routeType.VirtualHost{star, suffix, exact},
			serverName: "svc.example.com",
			want:       exact,
		},
		{
			name:       "longest wildcard wins",
			vhs:        []*routeType.VirtualHost{star, prefix, suffix},
			serverName: "svc.example.com",
			want:       suffix,
		},
		{
			name:       "star fallback",
			vhs:        []*routeType.VirtualHost{star, suffix},
			serverName: "unrelated.host",
			want:       star,
		},
		{
			name:       "no match",
			vhs:        []*routeType.VirtualHost{exact},
			serverName: "unrelated.host",
			want:       nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := findVirtualHost(tt.vhs, tt.serverName); got != tt.want {
				t.Errorf("findVirtualHost() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseRouteMatchVariants(t *testing.T) {
	t.Run("path and regex", func(t *testing.T) {
		m, err := parseRouteMatch(&routeType.RouteMatch{
			PathSpecifier: &routeType.RouteMatch_Path{Path: "/svc/M"},
		})
		if err != nil {
			t.Fatalf("parseRouteMatch() failed: %v", err)
		}
		if m.Path == nil || *m.Path != "/svc/M" {
			t.Errorf("path = %v, want /svc/M", m.Path)
		}

		m, err = parseRouteMatch(&routeType.RouteMatch{
			PathSpecifier: &routeType.RouteMatch_SafeRegex{
				SafeRegex: &matcherType.RegexMatcher{Regex: "^/y$"},
			},
		})
		if err != nil {
			t.Fatalf("parseRouteMatch() failed: %v", err)
		}
		if m.Regex == nil || m.Regex.String() != "^/y$" {
			t.Errorf("regex = %v, want ^/y$", m.Regex)
		}
	})

	t.Run("bad regex rejected", func(t *testing.T) {
		_, err := parseRouteMatch(&routeType.RouteMatch{
			PathSpecifier: &routeType.RouteMatch_SafeRegex{
				SafeRegex: &matcherType.RegexMatcher{Regex: "("},
			},
		})
		if err == nil {
			t.Fatal("parseRouteMatch() accepted an invalid regex")
		}
	})

	t.Run("runtime fraction", func(t *testing.T) {
		m, err := parseRouteMatch(&routeType.RouteMatch{
			PathSpecifier: &routeType.RouteMatch_Prefix{Prefix: "/"},
			RuntimeFraction: &corev3.RuntimeFractionalPercent{
				DefaultValue: &typeType.FractionalPercent{
					Numerator:   100,
					Denominator: typeType.FractionalPercent_TEN_THOUSAND,
				},
			},
		})
		if err != nil {
			t.Fatalf("parseRouteMatch() failed: %v", err)
		}
		if m.FractionPerMillion == nil || *m.FractionPerMillion != 10000 {
			t.Errorf("fraction = %v, want 10000 per million", m.FractionPerMillion)
		}
	})
}

func TestParseHeaderMatcher(t *testing.T) {
	tests := []struct {
		name    string
		matcher *routeType.HeaderMatcher
		check   func(t *testing.T, hm *HeaderMatcher)
		wantErr bool
	}{
		{
			name: "exact with invert",
			matcher: &routeType.HeaderMatcher{
				Name:                 "k",
				HeaderMatchSpecifier: &routeType.HeaderMatcher_ExactMatch{ExactMatch: "v"}, //nolint:staticcheck
				InvertMatch:          true,
			},
			check: func(t *testing.T, hm *HeaderMatcher) {
				if hm.ExactMatch == nil || *hm.ExactMatch != "v" {
					t.Errorf("exact = %v, want v", hm.ExactMatch)
				}
				if !hm.InvertMatch {
					t.Error("invert flag lost")
				}
			},
		},
		{
			name: "range",
			matcher: &routeType.HeaderMatcher{
				Name: "n",
				HeaderMatchSpecifier: &routeType.HeaderMatcher_RangeMatch{
					RangeMatch: &typeType.Int64Range{Start: 1, End: 10},
				},
			},
			check: func(t *testing.T, hm *HeaderMatcher) {
				if hm.RangeMatch == nil || hm.RangeMatch.Start != 1 || hm.RangeMatch.End != 10 {
					t.Errorf("range = %+v, want [1,10)", hm.RangeMatch)
				}
			},
		},
		{
			name: "present",
			matcher: &routeType.HeaderMatcher{
				Name:                 "p",
				HeaderMatchSpecifier: &routeType.HeaderMatcher_PresentMatch{PresentMatch: false},
			},
			check: func(t *testing.T, hm *HeaderMatcher) {
				if hm.PresentMatch == nil || *hm.PresentMatch {
					t.Errorf("present = %v, want false", hm.PresentMatch)
				}
			},
		},
		{
			name: "string match exact",
			matcher: &routeType.HeaderMatcher{
				Name: "s",
				HeaderMatchSpecifier: &routeType.HeaderMatcher_StringMatch{
					StringMatch: &matcherType.StringMatcher{
						MatchPattern: &matcherType.StringMatcher_Exact{Exact: "v2"},
					},
				},
			},
			check: func(t *testing.T, hm *HeaderMatcher) {
				if hm.ExactMatch == nil || *hm.ExactMatch != "v2" {
					t.Errorf("exact = %v, want v2", hm.ExactMatch)
				}
			},
		},
		{
			name:    "unknown specifier rejected",
			matcher: &routeType.HeaderMatcher{Name: "u"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm, err := parseHeaderMatcher(tt.matcher)
			if tt.wantErr {
				if err == nil {
					t.Fatal("parseHeaderMatcher() succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseHeaderMatcher() failed: %v", err)
			}
			if hm.Name != tt.matcher.GetName() {
				t.Errorf("name = %q, want %q", hm.Name, tt.matcher.GetName())
			}
			tt.check(t, hm)
		})
	}
}

func TestParseRouteAction(t *testing.T) {
	t.Run("weighted clusters", func(t *testing.T) {
		ra, err := parseRouteAction(&routeType.RouteAction{
			ClusterSpecifier: &routeType.RouteAction_WeightedClusters{
				WeightedClusters: &routeType.WeightedCluster{
					Clusters: []*routeType.WeightedCluster_ClusterWeight{
						{Name: "A", Weight: wrapperspb.UInt32(30)},
						{Name: "B", Weight: wrapperspb.UInt32(70)},
					},
				},
			},
		})
		if err != nil {
			t.Fatalf("parseRouteAction() failed: %v", err)
		}
		want := []WeightedCluster{{Name: "A", Weight: 30}, {Name: "B", Weight: 70}}
		if len(ra.WeightedClusters) != len(want) {
			t.Fatalf("got %d clusters, want %d", len(ra.WeightedClusters), len(want))
		}
		for i := range want {
			if ra.WeightedClusters[i] != want[i] {
				t.Errorf("cluster %d = %+v, want %+v", i, ra.WeightedClusters[i], want[i])
			}
		}
	})

	t.Run("empty weighted list rejected", func(t *testing.T) {
		_, err := parseRouteAction(&routeType.RouteAction{
			ClusterSpecifier: &routeType.RouteAction_WeightedClusters{
				WeightedClusters: &routeType.WeightedCluster{},
			},
		})
		if err == nil {
			t.Fatal("parseRouteAction() accepted an empty weighted list")
		}
	})

	t.Run("nil action rejected", func(t *testing.T) {
		if _, err := parseRouteAction(nil); err == nil {
			t.Fatal("parseRouteAction() accepted a nil action")
		}
	})
}

func TestRenderServiceConfig(t *testing.T) {
	rc := &routeType.RouteConfiguration{
		Name: "rc",
		VirtualHosts: []*routeType.VirtualHost{
			{
				Domains: []string{"*"},
				Routes:  []*routeType.Route{prefixRoute("/svc.S/", "C")},
			},
		},
	}

	doc, err := RenderServiceConfig(rc, "svc.S")
	if err != nil {
		t.Fatalf("RenderServiceConfig() failed: %v", err)
	}

	actions, routes := parseDocument(t, doc)
	if _, ok := actions["cds:C"]; !ok {
		t.Errorf("action cds:C missing: %v", actions)
	}
	if len(routes) != 1 {
		t.Errorf("got %d routes, want 1", len(routes))
	}
}
