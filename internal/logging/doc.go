// Package logging provides the structured logger used across btpeerd.
//
// It wraps log/slog with a JSON or text handler, level filtering and the
// default fields service and version. Packages that log accept a narrow
// Debug/Info/Warn/Error interface, which *Logger satisfies through its
// embedded *slog.Logger.
package logging
