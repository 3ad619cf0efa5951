package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/docflow-io/docflow/pkg/core"
)

// fileDefaults is the YAML shape of a workflow defaults file. Gate timeouts
// are Go duration strings ("24h", "90m") or "none" for the explicit
// no-timeout sentinel.
type fileDefaults struct {
	Enabled            *bool             `yaml:"enabled"`
	GateTimeouts       map[string]string `yaml:"gateTimeouts"`
	AutoRetry          *fileRetry        `yaml:"autoRetry"`
	AllowFullyHeadless *bool             `yaml:"allowFullyHeadless"`
}

type fileRetry struct {
	Enabled    *bool   `yaml:"enabled"`
	MaxRetries *int    `yaml:"maxRetries"`
	Backoff    *string `yaml:"backoff"`
}

// LoadDefaults reads a YAML defaults file and layers it over the built-in
// defaults. Unlike tenant settings, a malformed defaults file is an error:
// it is an operator-authored artifact and silently ignoring it would hide
// deployment mistakes.
func LoadDefaults(path string) (EffectiveConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EffectiveConfig{}, fmt.Errorf("docflow: read defaults file: %w", err)
	}

	var f fileDefaults
	if err := yaml.Unmarshal(data, &f); err != nil {
		return EffectiveConfig{}, fmt.Errorf("docflow: parse defaults file: %w", err)
	}

	cfg := Defaults()
	if f.Enabled != nil {
		cfg.Enabled = *f.Enabled
	}
	if f.AllowFullyHeadless != nil {
		cfg.AllowFullyHeadless = *f.AllowFullyHeadless
	}
	for name, value := range f.GateTimeouts {
		gate := core.Gate(name)
		if !core.ValidGate(gate) {
			return EffectiveConfig{}, fmt.Errorf("docflow: defaults file: unknown gate %q", name)
		}
		if value == "none" {
			cfg.GateTimeouts[gate] = NoTimeout
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil || d < 0 {
			return EffectiveConfig{}, fmt.Errorf("docflow: defaults file: bad timeout for gate %q: %q", name, value)
		}
		cfg.GateTimeouts[gate] = d
	}
	if f.AutoRetry != nil {
		if f.AutoRetry.Enabled != nil {
			cfg.AutoRetry.Enabled = *f.AutoRetry.Enabled
		}
		if f.AutoRetry.MaxRetries != nil && *f.AutoRetry.MaxRetries >= 0 {
			cfg.AutoRetry.MaxRetries = *f.AutoRetry.MaxRetries
		}
		if f.AutoRetry.Backoff != nil {
			d, err := time.ParseDuration(*f.AutoRetry.Backoff)
			if err != nil || d < 0 {
				return EffectiveConfig{}, fmt.Errorf("docflow: defaults file: bad retry backoff %q", *f.AutoRetry.Backoff)
			}
			cfg.AutoRetry.Backoff = d
		}
	}
	return cfg, nil
}
