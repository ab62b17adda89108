// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httppool

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/bufbuild/httppool/node"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Config is the YAML form of a client's options:
//
//	nodes:
//	  - url: http://localhost:8080
//	  - url: https://api.example.com
//	    version: HTTP/2.0
//	connection_limit: 8
//	default_timeout: 30s
//	rate_limit:
//	  per_second: 100
//	  burst: 10
//	debug: true
type Config struct {
	Nodes           []NodeConfig     `yaml:"nodes"`
	ConnectionLimit int              `yaml:"connection_limit,omitempty"`
	DefaultTimeout  time.Duration    `yaml:"default_timeout,omitempty"`
	RateLimit       *RateLimitConfig `yaml:"rate_limit,omitempty"`
	Debug           bool             `yaml:"debug,omitempty"`
}

// NodeConfig describes one node. The URL's scheme decides whether TLS is
// used; its path, if any, is ignored. Version defaults to HTTP/1.1.
type NodeConfig struct {
	URL     string `yaml:"url"`
	Version string `yaml:"version,omitempty"`
}

// RateLimitConfig configures WithRateLimit.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// LoadConfig decodes a YAML configuration. Unknown fields are errors.
func LoadConfig(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var config Config
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: failed to parse config: %w", ErrConfiguration, err)
	}
	return &config, nil
}

// LoadConfigFile reads and decodes the YAML configuration at path.
func LoadConfigFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config: %w", ErrConfiguration, err)
	}
	defer file.Close()
	return LoadConfig(file)
}

// Options converts the configuration to client options.
func (c *Config) Options() ([]ClientOption, error) {
	nodes := make([]node.Node, 0, len(c.Nodes))
	for _, nodeConfig := range c.Nodes {
		n, err := nodeConfig.node()
		if err != nil {
			return nil, fmt.Errorf("%w: node %q: %w", ErrConfiguration, nodeConfig.URL, err)
		}
		nodes = append(nodes, n)
	}
	options := []ClientOption{
		WithNodes(nodes...),
		WithConnectionLimit(c.ConnectionLimit),
		WithDefaultTimeout(c.DefaultTimeout),
		WithDebug(c.Debug),
	}
	if c.RateLimit != nil {
		if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
			return nil, fmt.Errorf("%w: rate limit needs a positive rate and burst", ErrConfiguration)
		}
		options = append(options, WithRateLimit(rate.Limit(c.RateLimit.PerSecond), c.RateLimit.Burst))
	}
	return options, nil
}

func (n NodeConfig) node() (node.Node, error) {
	version := node.HTTP11
	if n.Version != "" {
		parsed, err := node.ParseVersion(n.Version)
		if err != nil {
			return node.Node{}, err
		}
		version = parsed
	}
	u, err := url.Parse(n.URL)
	if err != nil {
		return node.Node{}, err
	}
	return node.FromURL(u, version)
}
