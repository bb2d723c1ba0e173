package sealbox

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"southwinds.dev/sealbox/internal/crypto"
	"southwinds.dev/sealbox/persist"
)

const backupFormatVersion = "1"

// BackupItem is one decrypted entry. Data holds the decrypted envelope
// document (or the bare value of a legacy record) and is plaintext.
type BackupItem struct {
	Name string `json:"name"`
	Key  string `json:"key,omitempty"`
	Data string `json:"data"`
}

// Backup is a plaintext snapshot of every decryptable entry. Treat it as
// secret; use SealBackup before writing it anywhere.
type Backup struct {
	ID         string       `json:"id"`
	Timestamp  time.Time    `json:"timestamp"`
	KeyVersion int          `json:"keyVersion"`
	ItemCount  int          `json:"itemCount"`
	Items      []BackupItem `json:"items"`
}

// ImportResult counts the outcome of ImportEncryptedData
type ImportResult struct {
	Imported int              `json:"imported"`
	Failed   int              `json:"failed"`
	Failures map[string]error `json:"-"`
}

// BackupContainer is the on-disk form produced by SealBackup
type BackupContainer struct {
	BackupID         string    `json:"backup_id"`
	BackupTimestamp  time.Time `json:"backup_timestamp"`
	BackupVersion    string    `json:"backup_version"`
	KeyVersion       int       `json:"key_version"`
	ItemCount        int       `json:"item_count"`
	Checksum         string    `json:"checksum"`
	EncryptionMethod string    `json:"encryption_method"`
	EncryptedData    string    `json:"encrypted_data"`
}

// ExportEncryptedData decrypts every encrypted entry into a Backup.
// Entries that fail to decrypt are skipped and logged.
func (s *Storage) ExportEncryptedData() (*Backup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if !s.opts.CapabilityProbe() {
		return nil, ErrCapabilityUnavailable
	}

	requestID := s.newRequestID()
	backup, skipped, err := s.export()
	meta := map[string]interface{}{"skipped": skipped}
	if backup != nil {
		meta["backup_id"] = backup.ID
		meta["items"] = backup.ItemCount
	}
	s.logAudit(requestID, "EXPORT", err, meta)
	return backup, err
}

// ImportEncryptedData encrypts every backup item under the current key.
// Items keep their original timestamps and expiry. One failing item does
// not stop the others.
func (s *Storage) ImportEncryptedData(backup *Backup) (*ImportResult, error) {
	if backup == nil {
		return nil, fmt.Errorf("backup cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if !s.opts.CapabilityProbe() {
		return nil, ErrCapabilityUnavailable
	}

	requestID := s.newRequestID()
	result := &ImportResult{Failures: make(map[string]error)}
	for _, item := range backup.Items {
		if err := s.restoreItem(item); err != nil {
			result.Failed++
			result.Failures[item.label()] = err
			continue
		}
		result.Imported++
	}

	s.logAudit(requestID, "IMPORT_DATA", nil, map[string]interface{}{
		"backup_id": backup.ID,
		"imported":  result.Imported,
		"failed":    result.Failed,
	})
	return result, nil
}

// export builds a Backup; the caller holds a lock
func (s *Storage) export() (*Backup, int, error) {
	names, err := s.encryptedNames()
	if err != nil {
		return nil, 0, err
	}
	version, err := s.keys.version()
	if err != nil {
		return nil, 0, err
	}

	backup := &Backup{
		ID:         uuid.NewString(),
		Timestamp:  s.opts.Clock().UTC(),
		KeyVersion: version,
		Items:      make([]BackupItem, 0, len(names)),
	}
	skipped := 0
	for _, name := range names {
		raw, err := s.store.GetItem(name)
		if err != nil {
			if !errors.Is(err, persist.ErrNotFound) {
				s.opts.Logger.Warn("skipping unreadable entry in export", "name", name, "error", err)
				skipped++
			}
			continue
		}
		plaintext, err := s.decrypt(string(raw))
		if err != nil {
			s.opts.Logger.Warn("skipping undecryptable entry in export", "name", name, "error", err)
			skipped++
			continue
		}

		item := BackupItem{Name: name, Data: string(plaintext)}
		if env, legacy := unwrap(plaintext); !legacy {
			item.Key = env.Key
		}
		backup.Items = append(backup.Items, item)
	}
	backup.ItemCount = len(backup.Items)
	return backup, skipped, nil
}

// restoreItem encrypts item.Data under the current key. The stored name is
// recomputed from the logical key when it is known.
func (s *Storage) restoreItem(item BackupItem) error {
	name := item.Name
	if item.Key != "" {
		name = s.obfuscate(item.Key)
	}
	if name == "" {
		return fmt.Errorf("backup item has neither key nor name")
	}

	record, err := s.encrypt([]byte(item.Data))
	if err != nil {
		return err
	}
	if err = s.store.SetItem(name, []byte(record)); err != nil {
		return fmt.Errorf("failed to store %s: %w", name, err)
	}
	return nil
}

func (i BackupItem) label() string {
	if i.Key != "" {
		return i.Key
	}
	return i.Name
}

// SealBackup encrypts a backup with a passphrase into a portable JSON
// container. The passphrase is stretched with PBKDF2 and the payload
// sealed with ChaCha20-Poly1305.
func SealBackup(backup *Backup, passphrase string) ([]byte, error) {
	if backup == nil {
		return nil, fmt.Errorf("backup cannot be nil")
	}

	payload, err := json.Marshal(backup)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	sealed, err := crypto.EncryptWithPassphrase(payload, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to seal backup: %w", err)
	}

	container := BackupContainer{
		BackupID:         backup.ID,
		BackupTimestamp:  backup.Timestamp,
		BackupVersion:    backupFormatVersion,
		KeyVersion:       backup.KeyVersion,
		ItemCount:        backup.ItemCount,
		Checksum:         crypto.CalculateChecksum(sealed),
		EncryptionMethod: "PBKDF2-SHA256+ChaCha20-Poly1305",
		EncryptedData:    base64.StdEncoding.EncodeToString(sealed),
	}
	data, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

// OpenBackup reverses SealBackup, validating the container checksum
// before decrypting
func OpenBackup(data []byte, passphrase string) (*Backup, error) {
	var container BackupContainer
	if err := json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("%w: invalid backup container: %v", ErrSerialization, err)
	}
	if container.BackupVersion != backupFormatVersion {
		return nil, fmt.Errorf("unsupported backup version %q", container.BackupVersion)
	}

	sealed, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid backup payload encoding: %v", ErrSerialization, err)
	}
	if crypto.CalculateChecksum(sealed) != container.Checksum {
		return nil, fmt.Errorf("%w: backup %s", ErrIntegrityMismatch, container.BackupID)
	}

	payload, err := crypto.DecryptWithPassphrase(sealed, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup: %w", err)
	}

	var backup Backup
	if err = json.Unmarshal(payload, &backup); err != nil {
		return nil, fmt.Errorf("%w: invalid backup payload: %v", ErrSerialization, err)
	}
	return &backup, nil
}
