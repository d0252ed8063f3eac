// Package logger builds the structured slog loggers used across relay.
// It picks a JSON or text handler by environment and hands out component
// scoped children.
package logger
