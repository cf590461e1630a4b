// Package zap provides the zap-backed implementation of the log.Logger
// abstraction used throughout this module.
//
// It builds environment-profiled JSON loggers and correlates log entries
// with active OpenTelemetry spans when a context carries one.
package zap
