// Package config loads process configuration from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Prefix namespaces every environment variable read by the service.
const Prefix = "VEIL_"

// ParseEnv loads configuration from process environment variables.
func ParseEnv(target any) error {
	return ParseEnvFrom(target, nil)
}

// ParseEnvFrom loads configuration from the provided variables, or from the
// process environment when values is nil. Keys are given without Prefix in
// struct tags and with it in the environment.
func ParseEnvFrom(target any, values map[string]string) error {
	if err := env.ParseWithOptions(target, env.Options{
		Prefix:      Prefix,
		Environment: values,
	}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
