// Package config handles configuration loading for the approvd backend and
// gateway binaries.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// Both binaries read the same file format; each validates only the section it
// needs via ValidateBackend or ValidateGateway. Durations are written as Go
// duration strings ("300s", "5m"); a request_timeout of "0" disables the
// server-side permission timeout.
package config
