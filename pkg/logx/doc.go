// Package logx wraps zerolog behind a small structured-logging API.
//
// The wrapper exists so the rest of the codebase never imports zerolog
// directly: call sites build events from Field helpers (String, Int, Err, ...)
// and the sink wiring (console, file) stays in one place.
package logx
