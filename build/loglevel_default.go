//go:build !trace && !debug
// +build !trace,!debug

package build

// LogLevel specifies a default log level of info.
var LogLevel = "info"
