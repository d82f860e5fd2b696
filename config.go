// Copyright 2026 The Prefork Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package prefork

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Worker execution models.  ModeGoroutine runs each worker as a goroutine
// in the supervising process.  ModeProcess runs each worker as a child
// process that inherits the bound socket descriptor.
const (
	ModeGoroutine = "goroutine"
	ModeProcess   = "process"
)

// Config carries the serving parameters for a Supervisor.  It is immutable
// once the Supervisor has started; a changed configuration requires a
// reload of the whole daemon.  The zero value is not usable; pass it
// through withDefaults (done by New) or start from DefaultConfig.
type Config struct {
	// Addr is the listen address for application traffic.
	Addr string

	// Workers is the number of worker slots.
	Workers int

	// Mode selects the worker execution model.
	Mode string

	// RequestTimeout bounds a single request, from the time its header
	// has been read until the response is written.
	RequestTimeout time.Duration

	// GracePeriod is how long a draining worker may spend finishing its
	// in-flight work before it is forcibly terminated.
	GracePeriod time.Duration

	// HeartbeatTimeout is the heartbeat age at which the supervisor
	// declares a worker hung and replaces it.
	HeartbeatTimeout time.Duration

	// HeartbeatInterval is how often an idle worker reports liveness.
	HeartbeatInterval time.Duration

	// RestartLimit and RestartPeriod bound automatic restarts: more than
	// RestartLimit unexpected worker deaths within RestartPeriod is a
	// restart storm, and fatal for the whole supervisor.
	RestartLimit  int
	RestartPeriod time.Duration

	// MaxConns caps concurrently accepted connections per worker.
	MaxConns int

	// KeepAliveRequests bounds the number of requests served on one
	// connection before it is closed.
	KeepAliveRequests int

	// ControlAddr is the listen address for the control API; empty
	// disables the control plane.
	ControlAddr string

	// ControlUser and ControlPass enable HTTP basic auth on the control
	// API.  ControlPass is a bcrypt hash, never a cleartext password.
	ControlUser string
	ControlPass string
}

// DefaultConfig returns the canonical defaults: port 8080, four workers,
// goroutine mode, 30s requests, 10s grace.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.Mode == "" {
		c.Mode = ModeGoroutine
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 10 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.RestartLimit == 0 {
		c.RestartLimit = 10
	}
	if c.RestartPeriod == 0 {
		c.RestartPeriod = time.Minute
	}
	if c.MaxConns == 0 {
		c.MaxConns = 1024
	}
	if c.KeepAliveRequests == 0 {
		c.KeepAliveRequests = 100
	}
	if c.ControlAddr == "" {
		c.ControlAddr = "127.0.0.1:8321"
	}
	return c
}

// Validate reports configuration that no amount of defaulting can repair.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be >= 1", ErrBadConfig)
	}
	if c.Mode != ModeGoroutine && c.Mode != ModeProcess {
		return fmt.Errorf("%w: unknown worker mode %q", ErrBadConfig, c.Mode)
	}
	if c.RequestTimeout < 0 || c.GracePeriod < 0 {
		return fmt.Errorf("%w: negative timeout", ErrBadConfig)
	}
	// A worker does not beat while a handler runs, so a request allowed to
	// run past the heartbeat timeout would get its worker killed as hung.
	if c.RequestTimeout >= c.HeartbeatTimeout {
		return fmt.Errorf(
			"%w: request timeout (%s) must be shorter than heartbeat timeout (%s)",
			ErrBadConfig, c.RequestTimeout, c.HeartbeatTimeout)
	}
	if c.RestartLimit < 1 {
		return fmt.Errorf("%w: restart limit must be >= 1", ErrBadConfig)
	}
	return nil
}

// fileConfig is the YAML schema.  Durations are strings ("30s", "2m") so
// that config files stay readable.
type fileConfig struct {
	Addr              string `yaml:"addr"`
	Workers           int    `yaml:"workers"`
	Mode              string `yaml:"mode"`
	RequestTimeout    string `yaml:"request_timeout"`
	GracePeriod       string `yaml:"grace_period"`
	HeartbeatTimeout  string `yaml:"heartbeat_timeout"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	RestartLimit      int    `yaml:"restart_limit"`
	RestartPeriod     string `yaml:"restart_period"`
	MaxConns          int    `yaml:"max_conns"`
	KeepAliveRequests int    `yaml:"keepalive_requests"`
	ControlAddr       string `yaml:"control_addr"`
	ControlUser       string `yaml:"control_user"`
	ControlPass       string `yaml:"control_pass"`
}

func parseDuration(name, s string, out *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadConfig, name, err)
	}
	*out = d
	return nil
}

// LoadConfig reads a YAML configuration file and returns a fully defaulted
// Config.  The PORT environment variable, when set, overrides the port of
// the listen address; this is the contract hosting environments expect.
func LoadConfig(path string) (Config, error) {
	var c Config

	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return c, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}

	c.Addr = fc.Addr
	c.Workers = fc.Workers
	c.Mode = fc.Mode
	c.RestartLimit = fc.RestartLimit
	c.MaxConns = fc.MaxConns
	c.KeepAliveRequests = fc.KeepAliveRequests
	c.ControlAddr = fc.ControlAddr
	c.ControlUser = fc.ControlUser
	c.ControlPass = fc.ControlPass

	for _, d := range []struct {
		name string
		val  string
		out  *time.Duration
	}{
		{"request_timeout", fc.RequestTimeout, &c.RequestTimeout},
		{"grace_period", fc.GracePeriod, &c.GracePeriod},
		{"heartbeat_timeout", fc.HeartbeatTimeout, &c.HeartbeatTimeout},
		{"heartbeat_interval", fc.HeartbeatInterval, &c.HeartbeatInterval},
		{"restart_period", fc.RestartPeriod, &c.RestartPeriod},
	} {
		if err := parseDuration(d.name, d.val, d.out); err != nil {
			return c, err
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		c.Addr = ":" + port
	}

	c = c.withDefaults()
	return c, c.Validate()
}
