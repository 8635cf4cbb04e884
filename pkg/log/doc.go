// Package log provides the engine-wide structured logger built on zerolog.
// Components obtain child loggers via WithComponent and friends; nothing
// else constructs a logging backend.
package log
