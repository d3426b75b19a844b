package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
upstream:
  api_base_url: https://api.example.test
  page_size: 50
  min_interval: 2s
  token_safety_margin: 10s
  client_id: shared-id
  client_secret: shared-secret
store:
  base_url: https://store.example.test
  token: store-token
  pacing: 250ms
ingest:
  concurrency: 5
channels:
  golang:
    enabled: true
    platform_tag: reddit-golang
    client_id: golang-id
    client_secret: golang-secret
  rust:
    enabled: true
    platform_tag: reddit-rust
  python:
    enabled: false
    platform_tag: reddit-python
logging:
  development: false
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, 50, cfg.Upstream.PageSize)
	require.Equal(t, 2*time.Second, cfg.Upstream.MinInterval)
	require.Equal(t, 300*time.Second, cfg.Upstream.TokenSafetyMargin, "margin is floored")
	require.Equal(t, 250*time.Millisecond, cfg.Store.Pacing)
	require.Equal(t, 5, cfg.Ingest.Concurrency)
	require.Equal(t, 3, cfg.Store.MaxRetries)

	channels := cfg.EnabledChannels()
	require.Len(t, channels, 2)
	require.Equal(t, "golang", channels[0].Name)
	require.Equal(t, "golang-id", channels[0].ClientID)
	require.Equal(t, "rust", channels[1].Name)
	require.Equal(t, "shared-id", channels[1].ClientID)
	require.Equal(t, "shared-secret", channels[1].ClientSecret)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 100, cfg.Upstream.PageSize)
	require.Equal(t, time.Second, cfg.Upstream.MinInterval)
	require.Equal(t, 100*time.Millisecond, cfg.Store.Pacing)
	require.Equal(t, 3, cfg.Ingest.Concurrency)
	require.Equal(t, 3, cfg.Ingest.MaxRetries)
	require.Equal(t, time.Second, cfg.Ingest.BackoffBase)
	require.Equal(t, "memory", cfg.Archive.Backend)
	require.Empty(t, cfg.EnabledChannels())
}

func TestSelectChannels(t *testing.T) {
	t.Parallel()

	cfg := Config{Channels: map[string]ChannelConfig{
		"alpha": {Enabled: true, PlatformTag: "a"},
		"beta":  {Enabled: true, PlatformTag: "b"},
		"gamma": {Enabled: false, PlatformTag: "c"},
	}}

	all, err := cfg.SelectChannels(nil)
	require.NoError(t, err)
	require.Len(t, all, 2)

	one, err := cfg.SelectChannels([]string{"Beta"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	require.Equal(t, "beta", one[0].Name)

	_, err = cfg.SelectChannels([]string{"gamma"})
	require.Error(t, err)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Upstream: UpstreamConfig{APIBaseURL: "https://api", PageSize: 100},
		Ingest:   IngestConfig{Concurrency: 1, MaxRetries: 3},
		Store:    StoreConfig{MaxRetries: 3},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "missing api base", mutate: func(c *Config) { c.Upstream.APIBaseURL = "" }, want: "upstream.api_base_url"},
		{name: "page size too large", mutate: func(c *Config) { c.Upstream.PageSize = 101 }, want: "upstream.page_size"},
		{name: "invalid concurrency", mutate: func(c *Config) { c.Ingest.Concurrency = 0 }, want: "ingest.concurrency"},
		{name: "invalid retries", mutate: func(c *Config) { c.Ingest.MaxRetries = 0 }, want: "ingest.max_retries"},
		{name: "missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Archive.Backend = "gcs" }, want: "archive.bucket"},
		{name: "unknown archive", mutate: func(c *Config) { c.Archive.Backend = "s3" }, want: "archive.backend"},
		{
			name: "channel without tag",
			mutate: func(c *Config) {
				c.Channels = map[string]ChannelConfig{"x": {Enabled: true}}
			},
			want: "channels.x.platform_tag",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tt.want), "error %q should mention %q", err, tt.want)
		})
	}
}
