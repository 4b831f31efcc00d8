// Package config loads, validates, and defaults the TOML configuration that
// drives the regeneration core: directories, worker pool sizing, consensus
// policy, generation provider settings, and logging.
package config
