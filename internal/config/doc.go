// Package config loads, normalizes, and validates medpipe configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, loads .env files, and honours environment
// overrides such as MEDPIPE_REDIS_URL and MEDPIPE_LEDGER_DSN. The Config type
// centralizes every knob the daemon and CLI need: scratch and archive
// directories, ledger and bus backends, per-stage retry ceilings, and the
// required tag set used by validation.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
