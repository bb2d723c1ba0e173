package sealbox

import (
	"errors"
	"time"

	"southwinds.dev/sealbox/persist"
)

// CleanExpired deletes every encrypted entry whose expiry has passed and
// returns how many were removed. Entries that disappear or cannot be
// decrypted during the scan are skipped.
func (s *Storage) CleanExpired() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	requestID := s.newRequestID()
	removed, err := s.cleanExpired()
	s.logAudit(requestID, "CLEAN_EXPIRED", err, map[string]interface{}{"removed": removed})
	return removed, err
}

func (s *Storage) cleanExpired() (int, error) {
	if !s.opts.CapabilityProbe() {
		s.opts.Logger.Warn("encryption unavailable, skipping expiry scan")
		return 0, nil
	}

	names, err := s.encryptedNames()
	if err != nil {
		return 0, err
	}

	now := s.opts.Clock()
	removed := 0
	for _, name := range names {
		raw, err := s.store.GetItem(name)
		if err != nil {
			if !errors.Is(err, persist.ErrNotFound) {
				s.opts.Logger.Debug("skipping unreadable entry", "name", name, "error", err)
			}
			continue
		}
		plaintext, err := s.decrypt(string(raw))
		if err != nil {
			continue
		}
		env, legacy := unwrap(plaintext)
		if legacy || !env.expired(now) {
			continue
		}
		if err = s.store.RemoveItem(name); err != nil {
			s.opts.Logger.Warn("failed to delete expired entry", "name", name, "error", err)
			continue
		}
		removed++
		s.events.Emit(Event{Type: EventExpired, Key: env.Key, Metadata: map[string]interface{}{
			"name":       name,
			"expires_at": *env.ExpiresAt,
		}})
	}
	return removed, nil
}

// startCleanup runs CleanExpired every interval until stopCleanup
func (s *Storage) startCleanup(interval time.Duration) {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.cleanupLoop(interval)
}

func (s *Storage) cleanupLoop(interval time.Duration) {
	defer close(s.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := s.CleanExpired()
			if err != nil {
				s.opts.Logger.Error("scheduled expiry cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				s.opts.Logger.Debug("scheduled expiry cleanup", "removed", removed)
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Storage) stopCleanup() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}
