package config

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load reads the YAML config at path, expands environment references,
// applies defaults and validates. A missing path yields the default
// configuration, so the service starts without a config file.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		expanded, err := expandKoanf(k)
		if err != nil {
			return nil, err
		}
		k = expanded
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// expandKoanf rebuilds the tree with every ${VAR} reference substituted.
func expandKoanf(k *koanf.Koanf) (*koanf.Koanf, error) {
	expanded, ok := expandEnvVarsInData(k.Raw()).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected config shape after env expansion")
	}
	out := koanf.New(".")
	if err := out.Load(confmap.Provider(expanded, "."), nil); err != nil {
		return nil, fmt.Errorf("reloading expanded config: %w", err)
	}
	return out, nil
}
