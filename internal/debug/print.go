//go:build !debug

package debug

const Debug = false

// Print is a no-op unless built with -tags debug
func Print(format string, args ...interface{}) {}
