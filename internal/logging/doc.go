// Package logging wraps log/slog with the attribute helpers, standardized
// field names, and handler construction used across the regeneration core.
package logging
