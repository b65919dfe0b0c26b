//go:build arm
// +build arm

package arch

// Host is the Architecture Adapter for the architecture this binary was
// built for.
var Host Arch = ARM
