// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianIndex/services/router/protocol"
	"github.com/AleutianAI/AleutianIndex/services/router/transport"
)

// Connection admission defaults.
const (
	DefaultMaxInflightHandshakes = 128
	DefaultMaxWorkerConnections  = 1024
)

// FingerprintAllowlist restricts which TLS client certificates may bind
// to shards. A certificate is accepted for a shard when it appears on
// the shard's own list or on the global list.
type FingerprintAllowlist struct {
	Global []string                      `yaml:"global"`
	Shards map[protocol.ShardID][]string `yaml:"shards"`
}

// Configured reports whether any allowlist entry exists.
func (a *FingerprintAllowlist) Configured() bool {
	return len(a.Global) > 0 || len(a.Shards) > 0
}

// Normalize canonicalizes every entry in place. Entries that are not
// valid SHA-256 fingerprints fail the whole config.
func (a *FingerprintAllowlist) Normalize() error {
	for i, fp := range a.Global {
		normalized, err := transport.NormalizeFingerprint(fp)
		if err != nil {
			return fmt.Errorf("global allowlist entry %d: %w", i, err)
		}
		a.Global[i] = normalized
	}
	for shard, fps := range a.Shards {
		for i, fp := range fps {
			normalized, err := transport.NormalizeFingerprint(fp)
			if err != nil {
				return fmt.Errorf("shard %d allowlist entry %d: %w", shard, i, err)
			}
			fps[i] = normalized
		}
	}
	return nil
}

// RequiredFor reports whether the shard is subject to allowlist
// enforcement: when the shard has its own entry or a global list exists.
// Other shards admit any certificate the listener accepted.
func (a *FingerprintAllowlist) RequiredFor(shard protocol.ShardID) bool {
	if len(a.Global) > 0 {
		return true
	}
	_, ok := a.Shards[shard]
	return ok
}

// Allowed reports whether a normalized fingerprint may bind the shard.
// The per-shard and global lists are a union; either admits.
func (a *FingerprintAllowlist) Allowed(shard protocol.ShardID, fingerprint string) bool {
	for _, fp := range a.Shards[shard] {
		if fp == fingerprint {
			return true
		}
	}
	for _, fp := range a.Global {
		if fp == fingerprint {
			return true
		}
	}
	return false
}

// TLSOptions holds the PEM material for tcp+tls listeners.
type TLSOptions struct {
	CertFile     string `yaml:"cert_file" validate:"required"`
	KeyFile      string `yaml:"key_file" validate:"required"`
	ClientCAFile string `yaml:"client_ca_file"`
}

// DistributedConfig configures a distributed router.
type DistributedConfig struct {
	// ListenAddr is the scheme-prefixed endpoint workers connect to.
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// SourceRoots are the workspace directories, one shard per root and
	// in shard-id order. A file belongs to the first root containing it.
	SourceRoots []string `yaml:"source_roots" validate:"required,min=1,dive,required"`

	// CacheDir holds the router's persisted shard indexes and is handed
	// to spawned workers for their own caches.
	CacheDir string `yaml:"cache_dir" validate:"required"`

	// WorkerCommand is the executable spawned per shard when
	// SpawnWorkers is set.
	WorkerCommand string `yaml:"worker_command"`

	// SpawnWorkers enables the per-shard supervisor loops. Disable to
	// run workers externally (remote hosts, test harnesses).
	SpawnWorkers bool `yaml:"spawn_workers"`

	// AuthToken is the shared handshake secret. Empty disables the
	// token check. Spawned workers receive it via environment.
	AuthToken string `yaml:"auth_token"`

	// AllowInsecureTCP opts into plaintext tcp: listeners outside the
	// safe cases. For local testing only.
	AllowInsecureTCP bool `yaml:"allow_insecure_tcp"`

	TLS *TLSOptions `yaml:"tls"`

	// Fingerprints restricts TLS client certificates per shard.
	Fingerprints FingerprintAllowlist `yaml:"tls_client_cert_fingerprints"`

	MaxInflightHandshakes int `yaml:"max_inflight_handshakes"`
	MaxWorkerConnections  int `yaml:"max_worker_connections"`

	// Logger defaults to slog.Default.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultDistributedConfig returns a config with admission defaults set.
// ListenAddr, SourceRoots and CacheDir still have to be provided.
func DefaultDistributedConfig() DistributedConfig {
	return DistributedConfig{
		MaxInflightHandshakes: DefaultMaxInflightHandshakes,
		MaxWorkerConnections:  DefaultMaxWorkerConnections,
	}
}

// LoadDistributedConfig reads and validates a YAML config file.
func LoadDistributedConfig(path string) (*DistributedConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultDistributedConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NumShards is the shard count, fixed by the source root layout.
func (c *DistributedConfig) NumShards() int {
	return len(c.SourceRoots)
}

// Addr parses the configured listen address.
func (c *DistributedConfig) Addr() (transport.Addr, error) {
	return transport.ParseAddr(c.ListenAddr)
}

// Validate checks structural and semantic rules. Plaintext TCP is
// refused when it would leak the auth token or cross the network,
// unless AllowInsecureTCP opts in.
func (c *DistributedConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	addr, err := c.Addr()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.MaxInflightHandshakes <= 0 {
		c.MaxInflightHandshakes = DefaultMaxInflightHandshakes
	}
	if c.MaxWorkerConnections <= 0 {
		c.MaxWorkerConnections = DefaultMaxWorkerConnections
	}

	if err := c.Fingerprints.Normalize(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if addr.Scheme == transport.SchemeTCPTLS {
		if c.TLS == nil {
			return fmt.Errorf("%w: %s requires a tls section", ErrInvalidConfig, addr)
		}
		if c.SpawnWorkers {
			return fmt.Errorf("%w: spawn_workers is not supported with a tcp+tls listen address; spawned workers have no way to receive TLS client material. Use a local transport or run workers externally", ErrInvalidConfig)
		}
	}

	if c.Fingerprints.Configured() {
		if addr.Scheme != transport.SchemeTCPTLS {
			return fmt.Errorf("%w: a TLS fingerprint allowlist requires a tcp+tls listen address; %s provides no TLS identities", ErrInvalidConfig, addr)
		}
	}

	if addr.Scheme == transport.SchemeTCP && !c.AllowInsecureTCP {
		if c.AuthToken != "" {
			return fmt.Errorf("%w: refusing plaintext tcp: with an auth token configured; the token and shard sources would travel in cleartext. Use tcp+tls or set allow_insecure_tcp for local testing", ErrInvalidConfig)
		}
		if !addr.IsLoopbackTCP() {
			return fmt.Errorf("%w: refusing non-loopback plaintext tcp: address %s; worker traffic would be unencrypted. Use tcp+tls or set allow_insecure_tcp", ErrInvalidConfig, addr)
		}
	}

	return nil
}

// LogValue keeps the auth token out of logs.
func (c *DistributedConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("listen_addr", c.ListenAddr),
		slog.Int("shards", c.NumShards()),
		slog.String("cache_dir", c.CacheDir),
		slog.Bool("spawn_workers", c.SpawnWorkers),
		slog.Bool("auth_present", c.AuthToken != ""),
		slog.Bool("allow_insecure_tcp", c.AllowInsecureTCP),
	)
}

// String mirrors LogValue for plain formatting.
func (c *DistributedConfig) String() string {
	return fmt.Sprintf(
		"DistributedConfig{listen_addr: %s, shards: %d, cache_dir: %s, spawn_workers: %t, auth_present: %t, allow_insecure_tcp: %t}",
		c.ListenAddr, c.NumShards(), c.CacheDir, c.SpawnWorkers, c.AuthToken != "", c.AllowInsecureTCP,
	)
}

func (c *DistributedConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
