// Package logger builds the zap loggers shared by the node and coordinator
// binaries.
package logger
