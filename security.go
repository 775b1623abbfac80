//go:build !openbsd

package upgrade

// Pledge is only supported on OpenBSD.
func Pledge(network bool) error { return nil }

// Unveil is only supported on OpenBSD.
func Unveil(paths map[string]string) error { return nil }
