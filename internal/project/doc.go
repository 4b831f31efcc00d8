// Package project loads the manifest that declares a project's artifact
// graph and restores node state from the payload cache on startup.
package project
