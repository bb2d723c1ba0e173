package misc

import (
	"fmt"
	"strings"
)

// IsReservedKey reports whether name is one of the engine's system entries
func IsReservedKey(name string) bool {
	return name == SaltKey || name == KeyVersionKey
}

// IsEncryptedKey reports whether name is an obfuscated entry
func IsEncryptedKey(name string) bool {
	return strings.HasPrefix(name, EncryptedKeyPrefix)
}

// NamespaceKeyPrefix returns the logical key prefix for a namespace
func NamespaceKeyPrefix(name string) string {
	return NamespacePrefix + name + NamespaceSeparator
}

// ValidateNamespaceName rejects names that are empty or contain the
// namespace separator
func ValidateNamespaceName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if strings.Contains(name, NamespaceSeparator) {
		return fmt.Errorf("name %q cannot contain %q", name, NamespaceSeparator)
	}
	return nil
}
