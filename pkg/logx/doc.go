// Package logx wraps zerolog for linkmux.
//
// Loggers are values that carry their fields; one taken from a Service keeps
// following it when the config reload swaps level or sinks.
package logx
