// Package config loads the YAML runtime configuration and watches it for
// changes. Secrets never live in the file itself; providers and tool servers
// name environment variables that hold their credentials.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/conduithq/conduit/pkg/slogx"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Provider configures one upstream model endpoint.
type Provider struct {
	ID        string `yaml:"id"`
	Format    string `yaml:"format"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// ToolServer configures one remote tool server.
type ToolServer struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	BaseURL     string `yaml:"base_url"`
	TokenEnv    string `yaml:"token_env,omitempty"`
	Enabled     bool   `yaml:"enabled"`
	AutoApprove bool   `yaml:"auto_approve,omitempty"`
}

// Limits bounds turn execution.
type Limits struct {
	MaxToolRounds  int      `yaml:"max_tool_rounds"`
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
	CatalogTTL     Duration `yaml:"catalog_ttl"`
	StopGrace      Duration `yaml:"stop_grace"`
}

// PollerTier maps a job-size estimate to a polling interval. Tasks whose
// estimated duration is at most MaxEstimate seconds poll at Interval.
type PollerTier struct {
	MaxEstimate int      `yaml:"max_estimate"`
	Interval    Duration `yaml:"interval"`
}

// Poller configures the asynchronous task poller.
type Poller struct {
	Sweep Duration     `yaml:"sweep"`
	Tiers []PollerTier `yaml:"tiers"`
}

// Config is the full runtime configuration.
type Config struct {
	Addr        string       `yaml:"addr"`
	DBPath      string       `yaml:"db_path"`
	NATSURL     string       `yaml:"nats_url,omitempty"`
	Providers   []Provider   `yaml:"providers"`
	ToolServers []ToolServer `yaml:"tool_servers"`
	Limits      Limits       `yaml:"limits"`
	Poller      Poller       `yaml:"poller"`
}

// Default returns the configuration used when a field is left unset.
func Default() Config {
	return Config{
		Addr:   ":8484",
		DBPath: "conduit.db",
		Limits: Limits{
			MaxToolRounds:  25,
			ConfirmTimeout: Duration(5 * time.Minute),
			CatalogTTL:     Duration(5 * time.Minute),
			StopGrace:      Duration(2 * time.Second),
		},
		Poller: Poller{
			Sweep: Duration(5 * time.Second),
			Tiers: []PollerTier{
				{MaxEstimate: 30, Interval: Duration(5 * time.Second)},
				{MaxEstimate: 300, Interval: Duration(30 * time.Second)},
				{MaxEstimate: 0, Interval: Duration(2 * time.Minute)},
			},
		},
	}
}

// Load reads path, applies defaults for unset fields, and validates the
// result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first structural problem it finds.
func (c Config) Validate() error {
	if c.Limits.MaxToolRounds < 1 {
		return fmt.Errorf("limits.max_tool_rounds must be at least 1, got %d", c.Limits.MaxToolRounds)
	}
	seen := map[string]bool{}
	for _, p := range c.Providers {
		switch {
		case p.ID == "":
			return fmt.Errorf("provider missing id")
		case seen[p.ID]:
			return fmt.Errorf("duplicate provider id %q", p.ID)
		case p.Format == "":
			return fmt.Errorf("provider %s missing format", p.ID)
		case p.BaseURL == "":
			return fmt.Errorf("provider %s missing base_url", p.ID)
		}
		seen[p.ID] = true
	}
	seen = map[string]bool{}
	for _, ts := range c.ToolServers {
		switch {
		case ts.ID == "":
			return fmt.Errorf("tool server missing id")
		case seen[ts.ID]:
			return fmt.Errorf("duplicate tool server id %q", ts.ID)
		case ts.BaseURL == "":
			return fmt.Errorf("tool server %s missing base_url", ts.ID)
		}
		seen[ts.ID] = true
	}
	for i, tier := range c.Poller.Tiers {
		if tier.Interval <= 0 {
			return fmt.Errorf("poller tier %d has non-positive interval", i)
		}
	}
	return nil
}

// Watch reloads path whenever it changes and invokes onChange with the new
// configuration. Invalid edits are logged and skipped; the previous
// configuration stays active. The returned stop function releases the
// watcher.
func Watch(path string, onChange func(Config)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save and
	// the inode-level watch would go stale.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	done := make(chan struct{})
	go func() {
		var pending *time.Timer
		defer func() {
			if pending != nil {
				pending.Stop()
			}
		}()
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Debounce bursts of write events from a single save.
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(200*time.Millisecond, func() {
					cfg, err := Load(path)
					if err != nil {
						slog.Warn("config reload skipped", slogx.Error(err))
						return
					}
					slog.Info("config reloaded", slog.String("path", path))
					onChange(cfg)
				})
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", slogx.Error(werr))
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
