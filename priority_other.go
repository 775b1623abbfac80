//go:build !linux

package upgrade

import "go.uber.org/zap"

// lowerThreadPriority is only supported on Linux.
func lowerThreadPriority(*zap.Logger) {}
