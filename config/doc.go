// Package config loads the relay configuration from a YAML file, the
// environment and command-line flags, and validates it. It defines the
// route table, per-port listeners, and the proxy, health, circuit breaker
// and metrics settings.
package config
