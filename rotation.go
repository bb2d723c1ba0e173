package sealbox

import (
	"fmt"

	"southwinds.dev/sealbox/internal/misc"
)

// RotationResult reports the outcome of RotateKeys. Backup holds every
// item that was exported before the wipe, so a caller can re-import it
// after a partial failure.
type RotationResult struct {
	PreviousVersion int              `json:"previous_version"`
	NewVersion      int              `json:"new_version"`
	Exported        int              `json:"exported"`
	Skipped         int              `json:"skipped"`
	Reencrypted     int              `json:"reencrypted"`
	Failed          int              `json:"failed"`
	Failures        map[string]error `json:"-"`
	Backup          *Backup          `json:"-"`
}

// RotateKeys replaces the salt and derived key and re-encrypts every entry
// under the new key.
//
// ROTATION SEQUENCE:
//  1. export every decryptable entry (undecryptable ones are skipped)
//  2. delete all encrypted entries and the salt
//  3. initialize a new salt and key, incrementing the key version
//  4. encrypt every exported payload under the new key, at the name
//     obfuscated from its logical key
//
// Payloads are re-encrypted as they were exported: expiry, timestamps and
// compression are carried over untouched. Records written without a
// logical key keep their stored name, which stays valid because name
// obfuscation does not depend on the salt.
//
// The operation holds the write lock for its whole duration. It does not
// stop on individual item failures; those are counted in the result.
// An error is returned only when the export, wipe or key initialization
// fails. In the last two cases the result still carries the backup.
func (s *Storage) RotateKeys() (*RotationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if !s.opts.CapabilityProbe() {
		return nil, ErrCapabilityUnavailable
	}

	requestID := s.newRequestID()
	result := &RotationResult{Failures: make(map[string]error)}

	previous, err := s.keys.version()
	if err != nil {
		s.logAudit(requestID, "ROTATE_FAILED", err, nil)
		return nil, err
	}
	result.PreviousVersion = previous

	s.logAudit(requestID, "ROTATE_START", nil, map[string]interface{}{"key_version": previous})

	backup, skipped, err := s.export()
	if err != nil {
		s.logAudit(requestID, "ROTATE_FAILED", err, map[string]interface{}{"stage": "export"})
		return nil, fmt.Errorf("failed to export data for rotation: %w", err)
	}
	result.Backup = backup
	result.Exported = backup.ItemCount
	result.Skipped = skipped

	if _, err = s.clearEncrypted(misc.SaltKey); err != nil {
		s.logAudit(requestID, "ROTATE_FAILED", err, map[string]interface{}{"stage": "wipe"})
		return result, fmt.Errorf("failed to wipe encrypted entries: %w", err)
	}

	if err = s.keys.initialize(); err != nil {
		s.logAudit(requestID, "ROTATE_FAILED", err, map[string]interface{}{"stage": "initialize"})
		return result, fmt.Errorf("failed to initialize new key: %w", err)
	}
	if result.NewVersion, err = s.keys.version(); err != nil {
		s.opts.Logger.Warn("new key version unreadable", "error", err)
	}

	for _, item := range backup.Items {
		if err = s.restoreItem(item); err != nil {
			s.opts.Logger.Warn("failed to re-encrypt entry during rotation", "item", item.label(), "error", err)
			result.Failed++
			result.Failures[item.label()] = err
			continue
		}
		result.Reencrypted++
	}

	s.events.Emit(Event{Type: EventKeyRotated, Metadata: map[string]interface{}{
		"previous_version": result.PreviousVersion,
		"new_version":      result.NewVersion,
		"reencrypted":      result.Reencrypted,
		"failed":           result.Failed,
	}})

	action := "ROTATE_SUCCESS"
	if result.Failed > 0 {
		action = "ROTATE_WARNING"
	}
	s.logAudit(requestID, action, nil, map[string]interface{}{
		"previous_version": result.PreviousVersion,
		"new_version":      result.NewVersion,
		"reencrypted":      result.Reencrypted,
		"failed":           result.Failed,
		"skipped":          result.Skipped,
	})
	return result, nil
}
