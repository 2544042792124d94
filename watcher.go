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

import "context"

// ServiceWatcher receives route-configuration notifications for a single
// server name. Implementations must not block: callbacks are invoked on
// the discovery client's goroutines.
type ServiceWatcher interface {
	// OnUpdate delivers a new route update for the watched server name.
	OnUpdate(RouteUpdate)
	// OnError reports a transient discovery failure. Previously delivered
	// configuration remains valid.
	OnError(error)
	// OnResourceDoesNotExist reports that the control plane no longer has
	// configuration for the watched server name.
	OnResourceDoesNotExist()
}

// DiscoveryClient is the resolver's view of the xDS transport: a
// subscription to route configuration for one server name.
type DiscoveryClient interface {
	// WatchService subscribes w to updates for serverName and returns a
	// function canceling the subscription.
	WatchService(serverName string, w ServiceWatcher) (cancel func())
	// Close releases the client's transport resources.
	Close()
}

// listenerWatcher is the sink handed to the discovery client. Each
// notification is re-dispatched onto the resolver's serializer; after the
// resolver shuts down the serializer rejects the dispatch and the
// notification is dropped.
type listenerWatcher struct {
	r *xdsResolver
}

func (w *listenerWatcher) OnUpdate(u RouteUpdate) {
	w.r.serializer.Schedule(func(context.Context) { w.r.onRouteUpdate(u) })
}

func (w *listenerWatcher) OnError(err error) {
	w.r.serializer.Schedule(func(context.Context) { w.r.onError(err) })
}

func (w *listenerWatcher) OnResourceDoesNotExist() {
	w.r.serializer.Schedule(func(context.Context) { w.r.onResourceDoesNotExist() })
}
