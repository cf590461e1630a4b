// Package log defines the logging abstraction shared by this module.
//
// It keeps the connection helpers decoupled from any concrete logging
// backend: callers inject a Logger and the library never writes to a global.
package log
