//go:build !trace
// +build !trace

package build

// LogLevel specifies a default log level of info.
var LogLevel = "info"
