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
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	listenerType "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	routeType "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	discoveryv3 "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"github.com/envoyproxy/go-control-plane/pkg/resource/v3"
	"google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const maxMsgSize = 1024 * 1024 * 10

type typeWatchState struct {
	version string
	nonce   string
}

// adsChannel is a DiscoveryClient backed by a single ADS stream. It
// subscribes to the Listener resource for one server name, chains the
// Route subscription the listener points at, and converts responses into
// watcher notifications. Reconnects with linear backoff on stream
// failure, re-sending its subscriptions.
type adsChannel struct {
	cfg    BootstrapConfig
	ctx    context.Context
	cancel context.CancelFunc
	node   *corev3.Node
	sendCh chan *discoveryv3.DiscoveryRequest

	mu        sync.Mutex
	conn      *grpc.ClientConn
	stream    discoveryv3.AggregatedDiscoveryService_StreamAggregatedResourcesClient
	typeState map[string]*typeWatchState
	started   bool

	serverName string
	rdsName    string
	watcher    ServiceWatcher
}

// NewDiscoveryClient connects the control plane described by cfg. The
// stream is established lazily on the first WatchService call.
func NewDiscoveryClient(cfg BootstrapConfig) (DiscoveryClient, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	node, err := buildNode(cfg.Node)
	if err != nil {
		return nil, ErrInvalidConfig(fmt.Sprintf("bad node config: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &adsChannel{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		node:      node,
		sendCh:    make(chan *discoveryv3.DiscoveryRequest, 100),
		typeState: make(map[string]*typeWatchState),
	}, nil
}

func buildNode(cfg NodeConfig) (*corev3.Node, error) {
	metadataMap := make(map[string]any, len(cfg.Metadata))
	for k, v := range cfg.Metadata {
		metadataMap[k] = v
	}
	metadata, err := structpb.NewStruct(metadataMap)
	if err != nil {
		return nil, err
	}

	node := &corev3.Node{
		Id:       cfg.ID,
		Cluster:  cfg.Cluster,
		Metadata: metadata,
	}
	if cfg.Locality != nil {
		node.Locality = &corev3.Locality{
			Region:  cfg.Locality.Region,
			Zone:    cfg.Locality.Zone,
			SubZone: cfg.Locality.SubZone,
		}
	}
	return node, nil
}

func (c *adsChannel) WatchService(serverName string, w ServiceWatcher) func() {
	c.mu.Lock()
	c.serverName = serverName
	c.rdsName = ""
	c.watcher = w
	c.sendSubscriptionLocked(resource.ListenerType)
	start := !c.started
	c.started = true
	c.mu.Unlock()

	if start {
		go c.run()
	}

	return func() {
		c.mu.Lock()
		if c.watcher == w {
			c.watcher = nil
		}
		c.mu.Unlock()
	}
}

func (c *adsChannel) Close() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watcher = nil
	if c.stream != nil {
		_ = c.stream.CloseSend()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *adsChannel) run() {
	backoff := time.Second
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if err := c.connect(); err != nil {
			logger.Warn().Err(err).Dur("backoff", backoff).Msg("ads connection failed")
			c.notify(func(w ServiceWatcher) { w.OnError(ErrConnectionFailed(err)) })
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
				if backoff < 30*time.Second {
					backoff += time.Second
				}
			}
		} else {
			backoff = time.Second
		}
	}
}

func (c *adsChannel) connect() error {
	opts := []grpc.DialOption{
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: c.cfg.Server.Timeout,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMsgSize),
			grpc.MaxCallSendMsgSize(maxMsgSize),
		),
	}

	if c.cfg.Server.TLS.Enable {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if c.cfg.Server.TLS.CertFile != "" && c.cfg.Server.TLS.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(c.cfg.Server.TLS.CertFile, c.cfg.Server.TLS.KeyFile)
			if err != nil {
				return fmt.Errorf("failed to load TLS cert pair: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		if c.cfg.Server.TLS.CAFile != "" {
			caCert, err := os.ReadFile(c.cfg.Server.TLS.CAFile)
			if err != nil {
				return fmt.Errorf("failed to read CA file: %w", err)
			}
			caCertPool := x509.NewCertPool()
			caCertPool.AppendCertsFromPEM(caCert)
			tlsConfig.RootCAs = caCertPool
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(c.cfg.Server.Address, opts...)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint

	client := discoveryv3.NewAggregatedDiscoveryServiceClient(conn)
	stream, err := client.StreamAggregatedResources(c.ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.stream = stream
	// Versions and nonces are per-stream; a reconnect starts over.
	c.typeState = make(map[string]*typeWatchState)
	c.resendSubscriptionsLocked()
	c.mu.Unlock()

	errCh := make(chan error, 2)
	go func() { errCh <- c.sendLoop(stream) }()
	go func() { errCh <- c.recvLoop(stream) }()

	select {
	case <-c.ctx.Done():
		return nil
	case err := <-errCh:
		_ = stream.CloseSend()
		return err
	}
}

func (c *adsChannel) resendSubscriptionsLocked() {
	if c.serverName != "" {
		c.sendSubscriptionLocked(resource.ListenerType)
	}
	if c.rdsName != "" {
		c.sendSubscriptionLocked(resource.RouteType)
	}
}

// sendSubscriptionLocked assumes c.mu is held.
func (c *adsChannel) sendSubscriptionLocked(typeURL string) {
	var resources []string
	switch typeURL {
	case resource.ListenerType:
		resources = []string{c.serverName}
	case resource.RouteType:
		resources = []string{c.rdsName}
	}

	state := c.typeState[typeURL]
	if state == nil {
		state = &typeWatchState{}
		c.typeState[typeURL] = state
	}

	req := &discoveryv3.DiscoveryRequest{
		Node:          c.node,
		TypeUrl:       typeURL,
		ResourceNames: resources,
		VersionInfo:   state.version,
		ResponseNonce: state.nonce,
	}

	select {
	case c.sendCh <- req:
	default:
		logger.Warn().Str("type", typeURL).Msg("send buffer full, dropping subscription request")
	}
}

func (c *adsChannel) sendLoop(stream discoveryv3.AggregatedDiscoveryService_StreamAggregatedResourcesClient) error {
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-stream.Context().Done():
			return stream.Context().Err()
		case req := <-c.sendCh:
			if err := stream.Send(req); err != nil {
				return err
			}
		}
	}
}

func (c *adsChannel) recvLoop(stream discoveryv3.AggregatedDiscoveryService_StreamAggregatedResourcesClient) error {
	for {
		resp, err := stream.Recv()
		if err != nil {
			return err
		}
		c.handleResponse(resp)
	}
}

func (c *adsChannel) handleResponse(resp *discoveryv3.DiscoveryResponse) {
	c.mu.Lock()

	var notify func(ServiceWatcher)
	var nackErr error
	switch resp.TypeUrl {
	case resource.ListenerType:
		notify, nackErr = c.handleListenersLocked(resp.Resources)
	case resource.RouteType:
		notify, nackErr = c.handleRoutesLocked(resp.Resources)
	default:
		c.mu.Unlock()
		return
	}

	state := c.typeState[resp.TypeUrl]
	if state == nil {
		state = &typeWatchState{}
		c.typeState[resp.TypeUrl] = state
	}
	if nackErr != nil {
		channelNacks.Inc()
		c.sendNACKLocked(resp.TypeUrl, state.version, resp.Nonce, nackErr.Error())
	} else {
		state.version = resp.VersionInfo
		state.nonce = resp.Nonce
		c.sendACKLocked(resp.TypeUrl, resp.VersionInfo, resp.Nonce)
	}
	c.mu.Unlock()

	if notify != nil {
		c.notify(notify)
	}
}

// handleListenersLocked processes a state-of-the-world Listener response.
// The watched listener being absent means the resource no longer exists.
func (c *adsChannel) handleListenersLocked(resources []*anypb.Any) (func(ServiceWatcher), error) {
	if c.serverName == "" {
		return nil, nil
	}

	var found *listenerResource
	for _, res := range resources {
		l := &listenerType.Listener{}
		if err := res.UnmarshalTo(l); err != nil {
			err = ErrDecodeFailed("listener", err)
			return func(w ServiceWatcher) { w.OnError(err) }, err
		}
		if l.GetName() != c.serverName {
			continue
		}
		lr, err := parseListener(l)
		if err != nil {
			err = ErrDecodeFailed("listener", err)
			return func(w ServiceWatcher) { w.OnError(err) }, err
		}
		found = lr
		break
	}

	if found == nil {
		c.rdsName = ""
		return func(w ServiceWatcher) { w.OnResourceDoesNotExist() }, nil
	}

	if found.inline != nil {
		c.rdsName = ""
		update, err := parseRouteConfig(found.inline, c.serverName)
		if err != nil {
			return func(w ServiceWatcher) { w.OnError(err) }, nil
		}
		return func(w ServiceWatcher) { w.OnUpdate(update) }, nil
	}

	if c.rdsName != found.rdsName {
		c.rdsName = found.rdsName
		c.sendSubscriptionLocked(resource.RouteType)
	}
	return nil, nil
}

// handleRoutesLocked processes a Route response. Unlike listeners, a
// route configuration missing from a response is not treated as deleted;
// servers may answer with subsets.
func (c *adsChannel) handleRoutesLocked(resources []*anypb.Any) (func(ServiceWatcher), error) {
	if c.rdsName == "" {
		return nil, nil
	}

	for _, res := range resources {
		rc := &routeType.RouteConfiguration{}
		if err := res.UnmarshalTo(rc); err != nil {
			err = ErrDecodeFailed("route configuration", err)
			return func(w ServiceWatcher) { w.OnError(err) }, err
		}
		if rc.GetName() != c.rdsName {
			continue
		}
		update, err := parseRouteConfig(rc, c.serverName)
		if err != nil {
			if errors.Is(err, errNoVirtualHost) {
				return func(w ServiceWatcher) { w.OnError(err) }, nil
			}
			err = ErrDecodeFailed("route configuration", err)
			return func(w ServiceWatcher) { w.OnError(err) }, err
		}
		return func(w ServiceWatcher) { w.OnUpdate(update) }, nil
	}
	return nil, nil
}

func (c *adsChannel) notify(f func(ServiceWatcher)) {
	c.mu.Lock()
	w := c.watcher
	c.mu.Unlock()
	if w != nil {
		f(w)
	}
}

func (c *adsChannel) sendACKLocked(typeURL, version, nonce string) {
	req := &discoveryv3.DiscoveryRequest{
		Node:          c.node,
		TypeUrl:       typeURL,
		ResourceNames: c.subscribedLocked(typeURL),
		VersionInfo:   version,
		ResponseNonce: nonce,
	}
	select {
	case c.sendCh <- req:
	default:
	}
}

func (c *adsChannel) sendNACKLocked(typeURL, version, nonce, errMsg string) {
	req := &discoveryv3.DiscoveryRequest{
		Node:          c.node,
		TypeUrl:       typeURL,
		ResourceNames: c.subscribedLocked(typeURL),
		VersionInfo:   version,
		ResponseNonce: nonce,
		ErrorDetail: &status.Status{
			Message: errMsg,
		},
	}
	select {
	case c.sendCh <- req:
	default:
	}
}

func (c *adsChannel) subscribedLocked(typeURL string) []string {
	switch typeURL {
	case resource.ListenerType:
		if c.serverName != "" {
			return []string{c.serverName}
		}
	case resource.RouteType:
		if c.rdsName != "" {
			return []string{c.rdsName}
		}
	}
	return nil
}
