package threadx

import "go.uber.org/zap"

// nopLogger is used whenever Options.Logger is left unset, so every
// call site can log unconditionally without a nil check.
func nopLogger() *zap.Logger {
	return zap.NewNop()
}
