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

// xdsconfig renders the service config the xDS resolver would emit for a
// given route configuration, for debugging control-plane output without
// a running channel.
package main

import (
	"fmt"
	"os"

	routeType "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"

	xds "github.com/codesjoy/xds-resolver"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "xdsconfig",
		Short:        "Inspect xDS resolver output",
		SilenceUsage: true,
	}
	root.AddCommand(newRenderCmd())
	return root
}

func newRenderCmd() *cobra.Command {
	var (
		routeConfigPath string
		serverName      string
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the service config for a RouteConfiguration",
		Long: `Reads a RouteConfiguration in protojson form, selects the virtual host
for the given server name and prints the service config document the
resolver would push to the channel.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			b, err := os.ReadFile(routeConfigPath)
			if err != nil {
				return fmt.Errorf("failed to read route config: %w", err)
			}

			rc := &routeType.RouteConfiguration{}
			if err := protojson.Unmarshal(b, rc); err != nil {
				return fmt.Errorf("failed to parse route config: %w", err)
			}

			sc, err := xds.RenderServiceConfig(rc, serverName)
			if err != nil {
				return err
			}
			fmt.Println(sc)
			return nil
		},
	}

	cmd.Flags().StringVar(&routeConfigPath, "route-config", "", "path to a RouteConfiguration in protojson form")
	cmd.Flags().StringVar(&serverName, "server-name", "", "server name to select the virtual host for")
	_ = cmd.MarkFlagRequired("route-config")
	_ = cmd.MarkFlagRequired("server-name")
	return cmd
}
