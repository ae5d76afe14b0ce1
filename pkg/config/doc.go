// Package config loads the optional YAML configuration file for the
// crudhpc command line. The file supplies database, engine, and
// telemetry settings; anything left unset falls back to the package
// defaults, and command-line flags take precedence over the file.
package config
