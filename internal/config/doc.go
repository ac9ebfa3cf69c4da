// Package config loads localhands-gateway configuration.
//
// Files are YAML by default, or TOML when the path ends in .toml. ${VAR}
// references are expanded from the environment before parsing, durations
// are written as strings ("25s", "10m"), and LOCALHANDS_DB_PATH overrides
// database.path. Zero values are filled by ApplyDefaults before Validate runs.
package config
