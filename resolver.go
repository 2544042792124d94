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

// Package xds implements an xDS name resolver for gRPC channels. The
// resolver subscribes to route configuration for the dial target's server
// name and translates each route-discovery update into a routing service
// config that the channel's LB stack consumes.
package xds

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/resolver"
)

// Scheme is the resolver's URI scheme.
const Scheme = "xds"

func init() {
	resolver.Register(&resolverBuilder{})
}

// NewBuilder returns a resolver builder that connects to the control
// plane described by cfg instead of the process-wide bootstrap. Intended
// for programs dialing multiple control planes and for tests.
func NewBuilder(cfg BootstrapConfig) resolver.Builder {
	return &resolverBuilder{
		newDiscoveryClient: func() (DiscoveryClient, error) {
			return NewDiscoveryClient(cfg)
		},
	}
}

type resolverBuilder struct {
	newDiscoveryClient func() (DiscoveryClient, error)
}

func (*resolverBuilder) Scheme() string { return Scheme }

// Build creates a resolver for the target and starts the route watch.
// The target authority must be empty; the path supplies the server name,
// with one leading '/' stripped.
func (b *resolverBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	if target.URL.Host != "" {
		return nil, fmt.Errorf("xds: non-empty authority %q in target %q is not supported", target.URL.Host, target.URL.String())
	}
	serverName := target.URL.Path
	if serverName == "" {
		serverName = target.URL.Opaque
	}
	serverName = strings.TrimPrefix(serverName, "/")

	r := &xdsResolver{
		cc:         cc,
		serverName: serverName,
		names:      newActionNames(),
		logger:     logger.With().Str("server", serverName).Logger(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.serializer = newCallbackSerializer(ctx)
	r.serializerCancel = cancel

	newClient := b.newDiscoveryClient
	if newClient == nil {
		newClient = func() (DiscoveryClient, error) {
			cfg, err := LoadBootstrap()
			if err != nil {
				return nil, err
			}
			return NewDiscoveryClient(cfg)
		}
	}
	client, err := newClient()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("xds: failed to create discovery client: %w", err)
	}
	r.client = client
	r.watchCancel = client.WatchService(serverName, &listenerWatcher{r: r})
	r.logger.Info().Msg("watching route configuration")
	return r, nil
}

// xdsResolver implements resolver.Resolver. All state below the cc field
// is touched only from serializer callbacks; Close is the one exception
// and runs after the serializer has drained.
type xdsResolver struct {
	cc         resolver.ClientConn
	serverName string
	logger     zerolog.Logger

	serializer       *callbackSerializer
	serializerCancel context.CancelFunc

	client      DiscoveryClient
	watchCancel func()

	names    *actionNames
	selector *ConfigSelector
}

// ResolveNow is a no-op: updates are pushed by the control plane.
func (*xdsResolver) ResolveNow(resolver.ResolveNowOptions) {}

// Close shuts the resolver down: no new serializer callbacks are
// accepted, the in-flight one (if any) completes, then the watch and the
// discovery client are released. Idempotent.
func (r *xdsResolver) Close() {
	r.serializerCancel()
	<-r.serializer.Done()

	if r.watchCancel != nil {
		r.watchCancel()
		r.watchCancel = nil
	}
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
	r.logger.Info().Msg("resolver shut down")
}

// onRouteUpdate translates one route update into a service config and
// pushes it to the channel. Only executed in a serializer callback.
func (r *xdsResolver) onRouteUpdate(u RouteUpdate) {
	r.names = r.names.update(u.Routes)

	sc, err := buildServiceConfig(u.Routes, r.names)
	if err != nil {
		resolverErrors.Inc()
		r.logger.Error().Err(err).Msg("failed to build service config")
		r.cc.ReportError(err)
		return
	}
	parsed := r.cc.ParseServiceConfig(sc)
	if parsed.Err != nil {
		resolverErrors.Inc()
		r.logger.Error().Err(parsed.Err).Msg("generated service config rejected by parser")
		r.cc.ReportError(parsed.Err)
		return
	}
	r.logger.Debug().Str("config", sc).Msg("generated service config")

	r.selector = &ConfigSelector{routes: u.Routes}
	state := resolver.State{ServiceConfig: parsed}
	state = setDiscoveryClient(state, r.client)
	state = setConfigSelector(state, r.selector)
	if err := r.cc.UpdateState(state); err != nil {
		r.logger.Debug().Err(err).Msg("channel rejected state update")
	}
	resolverUpdates.Inc()
}

// onError propagates a transient discovery error; the channel keeps its
// previous good config. Only executed in a serializer callback.
func (r *xdsResolver) onError(err error) {
	resolverErrors.Inc()
	r.logger.Warn().Err(err).Msg("discovery error")
	r.cc.ReportError(err)
}

// onResourceDoesNotExist pushes the empty config so the channel fails
// calls fast instead of queueing them. Only executed in a serializer
// callback.
func (r *xdsResolver) onResourceDoesNotExist() {
	resolverNotFound.Inc()
	r.logger.Warn().Msg("route configuration does not exist")
	r.selector = nil
	state := resolver.State{ServiceConfig: r.cc.ParseServiceConfig("{}")}
	if err := r.cc.UpdateState(state); err != nil {
		r.logger.Debug().Err(err).Msg("channel rejected state update")
	}
}
