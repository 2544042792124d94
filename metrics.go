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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	resolverUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xds_resolver_updates_total",
		Help: "Service config updates pushed to the channel",
	})

	resolverErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xds_resolver_errors_total",
		Help: "Transient discovery and config-generation errors reported to the channel",
	})

	resolverNotFound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xds_resolver_resource_not_found_total",
		Help: "Resource-does-not-exist notifications received",
	})

	channelNacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xds_resolver_nacks_total",
		Help: "Discovery responses rejected with a NACK",
	})
)

func init() {
	prometheus.MustRegister(resolverUpdates, resolverErrors, resolverNotFound, channelNacks)
}
