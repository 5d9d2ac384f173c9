// Package config loads the LandWatch configuration from defaults, an
// optional YAML file and LANDWATCH_ environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/opensource-finance/landwatch/internal/domain"
)

// EnvPrefix is the prefix of every configuration environment variable.
// Nesting uses a double underscore: LANDWATCH_SERVER__PORT=9090 sets
// server.port.
const EnvPrefix = "LANDWATCH_"

// Load builds the configuration. path may be empty; a non-empty path must
// exist. LANDWATCH_TIER=pro switches the defaults to the Pro tier before any
// other layer is applied.
func Load(path string) (*domain.Config, error) {
	k := koanf.New(".")

	defaults := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv(EnvPrefix+"TIER"), string(domain.TierPro)) {
		defaults = domain.ProConfig()
	}
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps LANDWATCH_ANALYSIS__AGGREGATOR__FRAUD_THRESHOLD to
// analysis.aggregator.fraud_threshold.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func validate(cfg *domain.Config) error {
	errs := map[string]string{}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		errs["repository.driver"] = fmt.Sprintf("unsupported driver %q", cfg.Repository.Driver)
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		errs["cache.type"] = fmt.Sprintf("unsupported cache %q", cfg.Cache.Type)
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		errs["eventbus.type"] = fmt.Sprintf("unsupported event bus %q", cfg.EventBus.Type)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs["server.port"] = "must be between 1 and 65535"
	}

	agg := cfg.Analysis.Aggregator
	if !(agg.MediumCut <= agg.HighCut && agg.HighCut <= agg.CriticalCut) {
		errs["analysis.aggregator"] = "risk level cuts must be ascending"
	}
	if agg.FraudThreshold < 0 || agg.FraudThreshold > 100 {
		errs["analysis.aggregator.fraud_threshold"] = "must be between 0 and 100"
	}
	if c := cfg.Analysis.Scorer.Contamination; c <= 0 || c > 0.5 {
		errs["analysis.scorer.contamination"] = "must be in (0, 0.5]"
	}

	if len(errs) > 0 {
		return &domain.ValidationError{Fields: errs}
	}
	return nil
}
