//go:build !debug && !trace
// +build !debug,!trace

package build

// LogLevel specifies a default log level of info.
const LogLevel = "info"
