// Package storage implements the capability-probing secure session store.
//
// Values are routed by the rememberMe flag decided at login time: true goes
// to the most durable capability available (a transactional SQLite store,
// else a persistent file with a reversible obfuscation pass keyed off a
// coarse device fingerprint), false goes to a volatile in-process store.
// Keys are namespaced by install mode so an installed app and a portable
// copy do not collide. Once rememberMe has been decided a missing backend
// is a hard error, never a silent downgrade.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/quackmore/mycoRegister/internal/common"
	"github.com/quackmore/mycoRegister/internal/logging"
)

// SecureStore persists opaque structured values for the session manager.
// It is the only component that touches the underlying backends.
type SecureStore struct {
	keyPrefix string
	log       logging.Logger

	durable  backend // sqlite if available, else obfuscated file, else nil
	volatile backend

	mu         sync.Mutex
	rememberMe *bool // nil until decided
}

// NewSecureStore probes storage capabilities under stateDir and returns a
// store namespacing all keys with installMode. A failed SQLite open demotes
// the durable capability to the obfuscated file backend; this probing
// happens once, before any rememberMe decision is made.
func NewSecureStore(stateDir, installMode string, log logging.Logger) (*SecureStore, error) {
	if err := ensureStateDir(stateDir); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}

	log = log.With("component", "storage")
	obf := newObfuscator(deviceFingerprint(stateDir))

	s := &SecureStore{
		keyPrefix: installMode + "_",
		log:       log,
		volatile:  newMemoryBackend(),
	}

	db, err := sql.Open("sqlite", filepath.Join(stateDir, "auth.db"))
	if err == nil {
		if durable, initErr := newSQLiteBackend(db, obf); initErr == nil {
			s.durable = durable
		} else {
			err = initErr
		}
	}
	if s.durable == nil {
		log.Warn(context.Background(), "durable store unavailable, falling back to obfuscated file", "error", err)
		s.durable = newFileBackend(filepath.Join(stateDir, "auth.dat"), obf)
	}

	return s, nil
}

// SetRememberMe records the durability decision made at login time.
func (s *SecureStore) SetRememberMe(remember bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rememberMe = &remember
}

// RememberMeDecided reports whether a durability decision is in effect.
func (s *SecureStore) RememberMeDecided() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rememberMe != nil
}

func (s *SecureStore) target() (backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rememberMe == nil {
		return nil, common.ErrRememberMeUndecided
	}
	if *s.rememberMe {
		if s.durable == nil {
			return nil, common.ErrStorageUnavailable
		}
		return s.durable, nil
	}
	return s.volatile, nil
}

// StoreSecurely serializes v and writes it to the backend selected by the
// rememberMe flag.
func (s *SecureStore) StoreSecurely(key string, v any) error {
	b, err := s.target()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", key, err)
	}
	return b.store(s.keyPrefix+key, string(payload))
}

// RetrieveSecurely reads key from the backend selected by the rememberMe
// flag and deserializes it into dst. Returns common.ErrorNotFound when the
// key is absent.
func (s *SecureStore) RetrieveSecurely(key string, dst any) error {
	b, err := s.target()
	if err != nil {
		return err
	}
	payload, err := b.retrieve(s.keyPrefix + key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(payload), dst)
}

// RemoveSecurely deletes key from every location, not just the decided
// backend, so a stale copy cannot resurrect a session.
func (s *SecureStore) RemoveSecurely(key string) error {
	s.mu.Lock()
	durable, volatile := s.durable, s.volatile
	s.mu.Unlock()

	namespaced := s.keyPrefix + key
	var firstErr error
	for _, b := range []backend{volatile, durable} {
		if b == nil {
			continue
		}
		if err := b.remove(namespaced); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FindExistingSession is the best-effort startup lookup: at boot the
// rememberMe flag itself is unknown until a session is found, so every
// backend is tried in order (volatile first, then durable). The backend
// that held the value is returned so the caller can adopt its durability.
func (s *SecureStore) FindExistingSession(key string, dst any) (Backend, error) {
	namespaced := s.keyPrefix + key
	for _, b := range []backend{s.volatile, s.durable} {
		if b == nil {
			continue
		}
		payload, err := b.retrieve(namespaced)
		if err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(payload), dst); err != nil {
			s.log.Warn(context.Background(), "discarding undecodable session", "backend", b.name(), "error", err)
			continue
		}
		return b.name(), nil
	}
	return "", common.ErrorNotFound
}
