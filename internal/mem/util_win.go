//go:build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// memguard still locks its own buffers with VirtualLock
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
