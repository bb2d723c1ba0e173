package sealbox

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"southwinds.dev/sealbox/audit"
	"southwinds.dev/sealbox/internal/debug"
	"southwinds.dev/sealbox/internal/mem"
	"southwinds.dev/sealbox/internal/misc"
	"southwinds.dev/sealbox/persist"
)

// Storage is the encrypted key-value engine. It encrypts values and
// obfuscates key names before handing them to the backing store, and
// transparently degrades to plaintext when encryption is unavailable.
//
// A Storage is safe for concurrent use. Single entry operations share a
// read lock; RotateKeys, Clear and ImportEncryptedData take the write lock.
// Operations on the same logical key are not serialized against each
// other: the backing store decides which concurrent write wins.
type Storage struct {
	opts   Options
	store  persist.Store
	audit  audit.Logger
	keys   *keyManager
	events *EventBus

	mu     sync.RWMutex
	closed bool

	memoryProtection mem.ProtectionLevel

	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a Storage engine on top of store.
//
// PARAMETERS:
//   - opts: engine configuration; zero fields take their defaults
//   - store: the backing store, owned by the caller and not closed by Close
//   - auditLogger: receives one audit record per operation; nil disables auditing
//
// New pings the store, but does not derive the key. Derivation happens
// lazily on first encrypt or decrypt, so constructing a Storage is cheap
// even with a high iteration count.
//
// When opts.AutoCleanup is set, a background goroutine removes expired
// entries every opts.CleanupInterval until Close is called.
func New(opts Options, store persist.Store, auditLogger audit.Logger) (*Storage, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := store.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to storage backend: %w", err)
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	opts = opts.withDefaults()

	s := &Storage{
		opts:             opts,
		store:            store,
		audit:            auditLogger,
		keys:             newKeyManager(store, opts),
		events:           NewEventBus(opts.Logger.Named("events")),
		memoryProtection: mem.ProtectionNone,
	}
	s.events.clock = opts.Clock

	if opts.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			opts.Logger.Warn("memory locking failed", "error", err)
		}
		s.memoryProtection = level
	}

	if opts.AutoCleanup {
		s.startCleanup(opts.CleanupInterval)
	}

	s.logAudit(s.newRequestID(), "STORAGE_OPEN", nil, map[string]interface{}{
		"store_type": store.GetType(),
		"cipher":     string(opts.Cipher),
		"kdf":        string(opts.KDF),
	})
	return s, nil
}

// Events returns the bus on which the engine publishes transitions
func (s *Storage) Events() *EventBus {
	return s.events
}

// KeyVersion returns the persisted key version counter; 0 before the
// first key has been initialized
func (s *Storage) KeyVersion() (int, error) {
	return s.keys.version()
}

// MemoryProtection reports the memory locking level obtained on New
func (s *Storage) MemoryProtection() mem.ProtectionLevel {
	return s.memoryProtection
}

// Set stores value under key without expiry
func (s *Storage) Set(key, value string) error {
	return s.SetWithExpiry(key, value, ExpiryOptions{})
}

// SetWithExpiry stores value under key.
//
// WRITE PATH:
// When encryption is available the value is compressed if it is larger
// than the compression threshold, wrapped in a versioned envelope with a
// checksum and optional expiry, encrypted, and written under the
// obfuscated key name. Any plaintext copy left under the logical name is
// removed.
//
// FALLBACK:
// When encryption is unavailable, or any step of the write path fails,
// the value is written in plaintext under the logical name instead so that
// writes are never lost. Any encrypted entry for the key is removed so it
// cannot shadow the newer plaintext. A failure also emits an error event. An error
// is only returned when even the plaintext write fails.
//
// ERRORS:
//   - ErrInvalidKey for an empty or reserved key
//   - ErrInvalidExpiry for a negative ExpiresIn
//   - ErrClosed after Close
func (s *Storage) SetWithExpiry(key, value string, expiry ExpiryOptions) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := expiry.validate(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	requestID := s.newRequestID()
	encrypted, err := s.setItem(key, value, expiry)
	s.logAudit(requestID, "SET", err, map[string]interface{}{
		"key":       s.obfuscate(key),
		"encrypted": encrypted,
		"size":      len(value),
	})
	return err
}

// Get returns the value stored under key. found is false when the key does
// not exist, has expired, or (with StrictIntegrity) failed its checksum.
//
// READ PATH:
// The obfuscated entry is read and decrypted. If it does not exist the
// plaintext entry under the logical name is read instead and, when
// encryption is available, migrated to an encrypted entry. When the
// store fails the encrypted read for any other reason the plaintext entry is
// returned but not migrated. Records
// written before values were enveloped are re-written in the current
// format on first read.
//
// Decryption failures never surface as errors: an error event is emitted
// and whatever is stored in plaintext under the logical name is returned.
// An error is only returned when the backing store itself fails on that
// plaintext read.
func (s *Storage) Get(key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrClosed
	}

	requestID := s.newRequestID()
	value, found, err := s.getItem(key)
	s.logAudit(requestID, "GET", err, map[string]interface{}{
		"key":   s.obfuscate(key),
		"found": found,
	})
	return value, found, err
}

// Has reports whether Get would find key
func (s *Storage) Has(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	_, found, err := s.getItem(key)
	return found, err
}

// Remove deletes both the encrypted and any plaintext entry for key
func (s *Storage) Remove(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	requestID := s.newRequestID()
	err := s.removeItem(key)
	s.logAudit(requestID, "REMOVE", err, map[string]interface{}{"key": s.obfuscate(key)})
	return err
}

// Clear deletes every encrypted entry together with the salt and the key
// version. Plaintext entries are left alone. The next write derives a
// fresh key.
func (s *Storage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	requestID := s.newRequestID()
	removed, err := s.clearEncrypted(misc.SaltKey, misc.KeyVersionKey)
	s.logAudit(requestID, "CLEAR", err, map[string]interface{}{"removed": removed})
	if err != nil {
		return err
	}
	s.events.Emit(Event{Type: EventCleared, Metadata: map[string]interface{}{"removed": removed}})
	return nil
}

// Close stops auto-cleanup, forgets the derived key and closes the audit
// logger. The backing store stays open.
func (s *Storage) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.stopCleanup()

		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		s.keys.reset()

		s.logAudit(s.newRequestID(), "STORAGE_CLOSE", nil, nil)
		if err := s.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
		}
		if s.memoryProtection != mem.ProtectionNone {
			if err := mem.Unlock(); err != nil {
				errs = append(errs, fmt.Errorf("failed to unlock memory: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

// setItem writes key through the encrypted path, falling back to
// plaintext. encrypted reports which path stored the value.
func (s *Storage) setItem(key, value string, expiry ExpiryOptions) (encrypted bool, err error) {
	if !s.opts.CapabilityProbe() {
		s.opts.Logger.Warn("encryption unavailable, storing value in plaintext", "key", key)
		if err = s.store.SetItem(key, []byte(value)); err != nil {
			return false, fmt.Errorf("failed to store %q: %w", key, err)
		}
		// an older encrypted record would otherwise shadow the new value
		if err = s.store.RemoveItem(s.obfuscate(key)); err != nil {
			s.opts.Logger.Warn("failed to drop encrypted entry", "key", key, "error", err)
		}
		return false, nil
	}

	name := s.obfuscate(key)
	record, compressed, err := s.seal(key, value, expiry)
	if err == nil {
		err = s.store.SetItem(name, record)
	}
	if err != nil {
		s.events.Emit(Event{Type: EventError, Key: key, Err: err, Metadata: map[string]interface{}{"operation": "set"}})
		s.opts.Logger.Warn("encrypted write failed, storing value in plaintext", "key", key, "error", err)
		if rerr := s.store.RemoveItem(name); rerr != nil {
			s.opts.Logger.Warn("failed to drop encrypted entry", "key", key, "error", rerr)
		}
		if perr := s.store.SetItem(key, []byte(value)); perr != nil {
			return false, fmt.Errorf("failed to store %q: %w", key, perr)
		}
		return false, nil
	}

	if err = s.store.RemoveItem(key); err != nil {
		s.opts.Logger.Debug("failed to drop plaintext duplicate", "key", key, "error", err)
	}
	if compressed {
		s.events.Emit(Event{Type: EventCompressed, Key: key, Metadata: map[string]interface{}{
			"original_size": len(value),
			"codec":         s.opts.Codec.Name(),
		}})
	}
	s.events.Emit(Event{Type: EventEncrypted, Key: key, Metadata: map[string]interface{}{"size": len(value)}})
	return true, nil
}

// seal compresses, wraps and encrypts value, returning the stored record
func (s *Storage) seal(key, value string, expiry ExpiryOptions) ([]byte, bool, error) {
	payload, compressed := s.compress(value)
	env := wrap(key, payload, compressed, expiry, s.opts.Clock())

	data, err := env.marshal()
	if err != nil {
		return nil, false, err
	}
	record, err := s.encrypt(data)
	if err != nil {
		return nil, false, err
	}
	return []byte(record), compressed, nil
}

// compress returns base64 of the compressed value when that is shorter
func (s *Storage) compress(value string) (string, bool) {
	if s.opts.DisableCompression || len(value) < s.opts.CompressionThreshold {
		return value, false
	}
	packed, err := s.opts.Codec.Compress([]byte(value))
	if err != nil {
		s.opts.Logger.Debug("compression failed, storing uncompressed", "error", err)
		return value, false
	}
	encoded := base64.StdEncoding.EncodeToString(packed)
	if len(encoded) >= len(value) {
		return value, false
	}
	return encoded, true
}

func (s *Storage) decompress(key, payload string) string {
	packed, err := base64.StdEncoding.DecodeString(payload)
	if err == nil {
		var data []byte
		if data, err = s.opts.Codec.Decompress(packed); err == nil {
			s.events.Emit(Event{Type: EventDecompressed, Key: key, Metadata: map[string]interface{}{"size": len(data)}})
			return string(data)
		}
	}
	s.opts.Logger.Warn("decompression failed, returning stored value", "key", key, "error", err)
	return payload
}

// getItem implements the read path without locking
func (s *Storage) getItem(key string) (string, bool, error) {
	if !s.opts.CapabilityProbe() {
		return s.readPlain(key)
	}

	name := s.obfuscate(key)
	raw, err := s.store.GetItem(name)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return s.readPlainAndMigrate(key)
		}
		// the encrypted record may still exist, leave the plaintext copy alone
		s.events.Emit(Event{Type: EventError, Key: key, Err: err, Metadata: map[string]interface{}{"operation": "get"}})
		return s.readPlain(key)
	}

	plaintext, err := s.decrypt(string(raw))
	if err != nil {
		s.events.Emit(Event{Type: EventError, Key: key, Err: err, Metadata: map[string]interface{}{"operation": "decrypt"}})
		return s.readPlain(key)
	}

	env, legacy := unwrap(plaintext)
	if legacy {
		value := string(plaintext)
		debug.Print("getItem: migrating legacy record for %s\n", key)
		if _, err = s.setItem(key, value, ExpiryOptions{}); err != nil {
			s.opts.Logger.Warn("legacy record migration failed", "key", key, "error", err)
		}
		return value, true, nil
	}
	return s.openEnvelope(key, name, env)
}

// openEnvelope applies expiry, integrity and decompression to a parsed envelope
func (s *Storage) openEnvelope(key, name string, env envelope) (string, bool, error) {
	if env.expired(s.opts.Clock()) {
		if err := s.store.RemoveItem(name); err != nil {
			s.opts.Logger.Warn("failed to delete expired entry", "key", key, "error", err)
		}
		s.events.Emit(Event{Type: EventExpired, Key: key, Metadata: map[string]interface{}{"expires_at": *env.ExpiresAt}})
		return "", false, nil
	}

	if !env.checksumValid() {
		s.events.Emit(Event{Type: EventError, Key: key, Err: ErrIntegrityMismatch, Metadata: map[string]interface{}{"operation": "verify"}})
		if s.opts.StrictIntegrity {
			return "", false, nil
		}
	}

	value := env.Value
	if env.Compressed {
		value = s.decompress(key, env.Value)
	}
	s.events.Emit(Event{Type: EventDecrypted, Key: key})
	return value, true, nil
}

func (s *Storage) readPlain(key string) (string, bool, error) {
	raw, err := s.store.GetItem(key)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	return string(raw), true, nil
}

// readPlainAndMigrate returns a plaintext entry and re-writes it encrypted.
// setItem drops the plaintext copy once the encrypted write succeeded.
func (s *Storage) readPlainAndMigrate(key string) (string, bool, error) {
	value, found, err := s.readPlain(key)
	if err != nil || !found {
		return value, found, err
	}
	if _, err = s.setItem(key, value, ExpiryOptions{}); err != nil {
		s.opts.Logger.Warn("plaintext migration failed", "key", key, "error", err)
	}
	return value, true, nil
}

func (s *Storage) removeItem(key string) error {
	var errs []error
	if err := s.store.RemoveItem(s.obfuscate(key)); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.RemoveItem(key); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to remove %q: %w", key, err)
	}
	s.events.Emit(Event{Type: EventDeleted, Key: key})
	return nil
}

// clearEncrypted removes every encrypted entry plus the named system
// entries and forgets the derived key. The caller holds the write lock.
func (s *Storage) clearEncrypted(systemEntries ...string) (int, error) {
	names, err := s.encryptedNames()
	if err != nil {
		return 0, err
	}

	var errs []error
	removed := 0
	for _, name := range names {
		if err = s.store.RemoveItem(name); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	for _, name := range systemEntries {
		if err = s.store.RemoveItem(name); err != nil {
			errs = append(errs, err)
		}
	}
	s.keys.reset()
	return removed, errors.Join(errs...)
}

// encryptedNames lists the obfuscated entries currently in the store
func (s *Storage) encryptedNames() ([]string, error) {
	names, err := s.store.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	var encrypted []string
	for _, name := range names {
		if misc.IsEncryptedKey(name) {
			encrypted = append(encrypted, name)
		}
	}
	return encrypted, nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	if misc.IsReservedKey(key) || misc.IsEncryptedKey(key) {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidKey, key)
	}
	return nil
}

func (s *Storage) logAudit(requestID, action string, err error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	metadata["tenant_id"] = s.opts.TenantID
	metadata["request_id"] = requestID
	metadata["timestamp"] = time.Now().UTC()

	success := err == nil
	if err != nil {
		metadata["error"] = err.Error()
	}

	if auditErr := s.audit.Log(action, success, metadata); auditErr != nil {
		s.opts.Logger.Error("audit logging failed", "action", action, "error", auditErr)
	}
}

func (s *Storage) newRequestID() string {
	return fmt.Sprintf("s_%d", time.Now().UnixNano())
}
