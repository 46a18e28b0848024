// Package config loads the bridge's configuration file (JSON or YAML,
// dispatched by extension, per spec.md §6) and overlays the CLI's
// resilience/verbosity flags, exactly as the CLI usage
// `rabbit_force [OPTIONS] CONFIG_FILE` describes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/webitel/rabbit-force/internal/domain"
	"github.com/webitel/rabbit-force/internal/rferrors"
)

// Config is the fully resolved, in-memory configuration the fx app wires
// every component from.
type Config struct {
	Orgs    []domain.OrgSpec
	Brokers []domain.BrokerSpec
	Router  domain.RouterConfig

	ReplayAddress             string
	ReplayKeyPrefix           string
	ReplayAdditionalParams    map[string]any
	IgnoreReplayStorageErrors bool

	IgnoreSinkErrors        bool
	SourceConnectionTimeout time.Duration
	Verbosity               int
	ShowTrace               bool
	Dashboard               bool
}

// fileDoc mirrors spec.md §6's top-level configuration file shape:
// source.orgs, source.replay, sink.brokers, router.
type fileDoc struct {
	Source struct {
		Orgs   map[string]domain.OrgSpec `json:"orgs" yaml:"orgs"`
		Replay struct {
			Address             string         `json:"address" yaml:"address"`
			KeyPrefix           string         `json:"key_prefix" yaml:"key_prefix"`
			AdditionalParams    map[string]any `json:"additional_params" yaml:"additional_params"`
			IgnoreNetworkErrors bool           `json:"ignore_network_errors" yaml:"ignore_network_errors"`
		} `json:"replay" yaml:"replay"`
	} `json:"source" yaml:"source"`
	Sink struct {
		Brokers map[string]domain.BrokerSpec `json:"brokers" yaml:"brokers"`
	} `json:"sink" yaml:"sink"`
	Router domain.RouterConfig `json:"router" yaml:"router"`
}

// Flags is the CLI overlay, populated straight from the urfave/cli context
// in cmd/cmd.go. A nil field never overrides the value resolved from the
// config file or environment.
type Flags struct {
	IgnoreReplayStorageErrors *bool
	IgnoreSinkErrors          *bool
	SourceConnectionTimeout   *time.Duration
	Verbosity                 *int
	ShowTrace                 *bool
	Dashboard                 *bool
}

// Load reads configFile (.json/.yaml/.yml, by extension) straight into the
// domain model — its json/yaml struct tags already match §3's field names —
// then layers environment variables and finally CLI flags on top of the
// scalar resilience/verbosity settings via viper. A malformed file is a
// KindConfiguration error per spec.md §7 — always fatal.
func Load(configFile string, flags Flags) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
	}

	var doc fileDoc
	switch ext := strings.ToLower(filepath.Ext(configFile)); ext {
	case ".json":
		err = json.Unmarshal(data, &doc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q", ext)
	}
	if err != nil {
		return nil, rferrors.Configuration("config.load", "decoding %s: %w", configFile, err)
	}

	cfg := &Config{
		Router:                    doc.Router,
		ReplayAddress:             doc.Source.Replay.Address,
		ReplayKeyPrefix:           doc.Source.Replay.KeyPrefix,
		ReplayAdditionalParams:    doc.Source.Replay.AdditionalParams,
		IgnoreReplayStorageErrors: doc.Source.Replay.IgnoreNetworkErrors,
	}

	for name, org := range doc.Source.Orgs {
		org.Name = name
		cfg.Orgs = append(cfg.Orgs, org)
	}
	for name, broker := range doc.Sink.Brokers {
		broker.Name = name
		cfg.Brokers = append(cfg.Brokers, broker)
	}

	applyOverlay(cfg, flags)
	return cfg, nil
}

// applyOverlay resolves each scalar resilience/verbosity setting through
// viper's env-then-default layering, then lets an explicit CLI flag win.
func applyOverlay(cfg *Config, flags Flags) {
	v := viper.New()
	v.SetEnvPrefix("rabbit_force")
	v.AutomaticEnv()

	v.SetDefault("source_connection_timeout", 10*time.Second)
	v.SetDefault("verbosity", 1)

	cfg.SourceConnectionTimeout = v.GetDuration("source_connection_timeout")
	cfg.Verbosity = v.GetInt("verbosity")

	if flags.IgnoreReplayStorageErrors != nil {
		cfg.IgnoreReplayStorageErrors = *flags.IgnoreReplayStorageErrors
	}
	if flags.IgnoreSinkErrors != nil {
		cfg.IgnoreSinkErrors = *flags.IgnoreSinkErrors
	}
	if flags.SourceConnectionTimeout != nil {
		cfg.SourceConnectionTimeout = *flags.SourceConnectionTimeout
	}
	if flags.Verbosity != nil {
		cfg.Verbosity = *flags.Verbosity
	}
	if flags.ShowTrace != nil {
		cfg.ShowTrace = *flags.ShowTrace
	}
	if flags.Dashboard != nil {
		cfg.Dashboard = *flags.Dashboard
	}
}
