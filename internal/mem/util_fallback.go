//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// can zero memory but cannot prevent swapping here
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
