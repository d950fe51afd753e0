package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
providers:
  - id: p1
    format: openai-chat
    base_url: https://api.example.com/v1
    api_key_env: EXAMPLE_KEY
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8484", cfg.Addr)
	assert.Equal(t, "conduit.db", cfg.DBPath)
	assert.Equal(t, 25, cfg.Limits.MaxToolRounds)
	assert.Equal(t, 5*time.Minute, cfg.Limits.ConfirmTimeout.Std())
	assert.Equal(t, 2*time.Second, cfg.Limits.StopGrace.Std())
	require.Len(t, cfg.Poller.Tiers, 3)
	assert.Equal(t, 0, cfg.Poller.Tiers[2].MaxEstimate)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "openai-chat", cfg.Providers[0].Format)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
addr: ":9000"
db_path: /tmp/test.db
limits:
  max_tool_rounds: 3
  confirm_timeout: 90s
tool_servers:
  - id: srv
    name: files
    base_url: http://localhost:7777
    enabled: true
    auto_approve: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, 3, cfg.Limits.MaxToolRounds)
	assert.Equal(t, 90*time.Second, cfg.Limits.ConfirmTimeout.Std())
	require.Len(t, cfg.ToolServers, 1)
	assert.True(t, cfg.ToolServers[0].AutoApprove)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidate(t *testing.T) {
	base := func() Config { return Default() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "zero rounds rejected",
			mutate:  func(c *Config) { c.Limits.MaxToolRounds = 0 },
			wantErr: "max_tool_rounds",
		},
		{
			name: "provider missing format",
			mutate: func(c *Config) {
				c.Providers = []Provider{{ID: "p1", BaseURL: "http://x"}}
			},
			wantErr: "missing format",
		},
		{
			name: "duplicate provider id",
			mutate: func(c *Config) {
				c.Providers = []Provider{
					{ID: "p1", Format: "gemini", BaseURL: "http://x"},
					{ID: "p1", Format: "gemini", BaseURL: "http://y"},
				}
			},
			wantErr: "duplicate provider",
		},
		{
			name: "tool server missing base_url",
			mutate: func(c *Config) {
				c.ToolServers = []ToolServer{{ID: "srv", Name: "srv"}}
			},
			wantErr: "missing base_url",
		},
		{
			name: "duplicate tool server id",
			mutate: func(c *Config) {
				c.ToolServers = []ToolServer{
					{ID: "srv", BaseURL: "http://x"},
					{ID: "srv", BaseURL: "http://y"},
				}
			},
			wantErr: "duplicate tool server",
		},
		{
			name: "non-positive tier interval",
			mutate: func(c *Config) {
				c.Poller.Tiers = []PollerTier{{MaxEstimate: 30}}
			},
			wantErr: "non-positive interval",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestDurationYAML(t *testing.T) {
	var d Duration
	require.NoError(t, yaml.Unmarshal([]byte(`1m30s`), &d))
	assert.Equal(t, 90*time.Second, d.Std())

	require.Error(t, yaml.Unmarshal([]byte(`ninety`), &d))

	out, err := yaml.Marshal(Duration(45 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, "45s\n", string(out))
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeConfig(t, `
addr: ":8484"
`)

	var got atomic.Pointer[Config]
	stop, err := Watch(path, func(cfg Config) {
		got.Store(&cfg)
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("addr: \":9999\"\n"), 0o644))

	require.Eventually(t, func() bool {
		cfg := got.Load()
		return cfg != nil && cfg.Addr == ":9999"
	}, 5*time.Second, 25*time.Millisecond)
}

func TestWatchSkipsInvalidEdit(t *testing.T) {
	path := writeConfig(t, `
addr: ":8484"
`)

	var reloads atomic.Int32
	stop, err := Watch(path, func(Config) {
		reloads.Add(1)
	})
	require.NoError(t, err)
	defer stop()

	// Broken YAML must not reach onChange.
	require.NoError(t, os.WriteFile(path, []byte("addr: [unterminated\n"), 0o644))
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int32(0), reloads.Load())

	// A subsequent valid edit still goes through.
	require.NoError(t, os.WriteFile(path, []byte("addr: \":9001\"\n"), 0o644))
	require.Eventually(t, func() bool {
		return reloads.Load() == 1
	}, 5*time.Second, 25*time.Millisecond)
}
