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
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// BootstrapEnv names the environment variable pointing at the bootstrap
// file consulted when a resolver is built without an explicit config.
const BootstrapEnv = "XDS_BOOTSTRAP"

// BootstrapConfig describes how to reach the control plane and how this
// client identifies itself to it.
type BootstrapConfig struct {
	Server ServerConfig `yaml:"server"`
	Node   NodeConfig   `yaml:"node"`
}

// ServerConfig holds the control-plane connection configuration.
type ServerConfig struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
	TLS     TLSConfig     `yaml:"tls"`
}

// TLSConfig holds TLS configuration for the control-plane connection.
type TLSConfig struct {
	Enable   bool   `yaml:"enable"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// NodeConfig holds the node identification sent on discovery requests.
type NodeConfig struct {
	ID       string            `yaml:"id"`
	Cluster  string            `yaml:"cluster"`
	Metadata map[string]string `yaml:"metadata"`
	Locality *Locality         `yaml:"locality"`
}

// Locality holds the node locality information.
type Locality struct {
	Region  string `yaml:"region"`
	Zone    string `yaml:"zone"`
	SubZone string `yaml:"sub_zone"`
}

// DefaultBootstrap returns the configuration used when nothing else is
// provided: a local control plane and a generated node identity.
func DefaultBootstrap() BootstrapConfig {
	cfg := BootstrapConfig{}
	cfg.applyDefaults()
	return cfg
}

func (c *BootstrapConfig) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = "127.0.0.1:18000"
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = 5 * time.Second
	}
	if c.Node.ID == "" {
		c.Node.ID = "xds-resolver-" + uuid.NewString()
	}
	if c.Node.Cluster == "" {
		c.Node.Cluster = "xds-resolver"
	}
	if c.Node.Metadata == nil {
		c.Node.Metadata = make(map[string]string)
	}
}

func (c *BootstrapConfig) validate() error {
	if c.Server.Address == "" {
		return ErrInvalidConfig("control-plane server address is empty")
	}
	if c.Server.TLS.Enable {
		if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
			return ErrInvalidConfig("tls cert_file and key_file must be set together")
		}
	}
	return nil
}

// LoadBootstrap loads the bootstrap configuration from the file named by
// the XDS_BOOTSTRAP environment variable, falling back to defaults when
// the variable is unset.
func LoadBootstrap() (BootstrapConfig, error) {
	path := os.Getenv(BootstrapEnv)
	if path == "" {
		return DefaultBootstrap(), nil
	}
	return LoadBootstrapFile(path)
}

// LoadBootstrapFile reads a YAML bootstrap file.
func LoadBootstrapFile(path string) (BootstrapConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return BootstrapConfig{}, ErrInvalidConfig(fmt.Sprintf("failed to read bootstrap file %q: %v", path, err))
	}

	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return BootstrapConfig{}, ErrInvalidConfig(fmt.Sprintf("failed to parse bootstrap file %q: %v", path, err))
	}
	return DecodeBootstrap(raw)
}

// DecodeBootstrap decodes a generic configuration map into a
// BootstrapConfig, applying defaults and validating the result. Duration
// fields accept "5s"-style strings.
func DecodeBootstrap(raw map[string]any) (BootstrapConfig, error) {
	var cfg BootstrapConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &cfg,
		TagName:          "yaml",
	})
	if err != nil {
		return BootstrapConfig{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return BootstrapConfig{}, ErrInvalidConfig(fmt.Sprintf("bad bootstrap config: %v", err))
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return BootstrapConfig{}, err
	}
	return cfg, nil
}
