//go:build amd64
// +build amd64

package arch

// Host is the Architecture Adapter for the architecture this binary was
// built for.
var Host Arch = AMD64
