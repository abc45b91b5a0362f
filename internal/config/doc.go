// Package config provides centralized configuration management for the
// walletd daemon, loading JSON or YAML files with environment-variable
// overrides for secrets and typed accessors for downstream services.
package config
