// Package buildinfo holds the version stamped at release time.
package buildinfo

// Version is overridden via -ldflags at build time.
var Version = "dev"
