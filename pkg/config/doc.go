// Package config loads application configuration from an optional YAML file
// overlaid by RELAY_-prefixed environment variables. Environment always wins,
// which keeps container deployments declarative while letting local
// development pin everything in one file.
package config
