// Package config loads and validates session configuration from YAML,
// with ${VAR} environment expansion and duration-string parsing.
package config
