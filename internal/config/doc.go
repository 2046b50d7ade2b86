// Package config defines the maskbatch configuration file and its defaults.
//
// Load reads a TOML file, applies a .env file and MASKBATCH_* environment
// overrides, then normalizes and validates the result. Parse does the same
// for raw TOML so the CLI can layer flag overrides before Finalize runs.
// Every path is expanded (including ~) before downstream code sees it;
// batch.LayoutFromConfig turns the result into the remote and local directory
// scheme the batch controller works against.
package config
