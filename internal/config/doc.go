// Package config loads the purl-client YAML configuration.
//
// The config file locates the hosted agent service and tunes the client-side
// timing knobs: how often the polling loop runs, the minimum gap between
// user sends, and the socket reconnection policy. Values in the file may
// reference environment variables with ${VAR} syntax, which keeps the API
// key out of checked-in config.
//
// Durations are written as Go duration strings ("10s", "2m") and parsed at
// load time; every timing field has a default so a minimal config only needs
// the server section.
package config
