// Package pairstore persists the pairing secrets encrypted-channel devices
// require across sessions, keyed by device identity. The on-disk format is
// an encrypted JSON envelope: Argon2id stretches the passphrase, the record
// set is sealed with XChaCha20-Poly1305, and writes are atomic.
package pairstore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrInvalidPassphraseOrCorrupt is returned when decryption fails. Kept
// generic to avoid leaking which of the two it was.
var ErrInvalidPassphraseOrCorrupt = errors.New("invalid passphrase or corrupted pairing store")

// envelope is what gets marshaled to disk.
type envelope struct {
	Version int `json:"version"`

	// Argon2id params
	ArgonTime    uint32 `json:"argon_time"`
	ArgonMemory  uint32 `json:"argon_memory_kib"`
	ArgonThreads uint8  `json:"argon_threads"`
	ArgonKeyLen  uint32 `json:"argon_key_len"`

	SaltB64  string `json:"salt_b64"`
	NonceB64 string `json:"nonce_b64"`
	CTB64    string `json:"ct_b64"`
}

// defaultEnvelope holds reasonable defaults for a local file.
var defaultEnvelope = envelope{
	Version:      1,
	ArgonTime:    2,
	ArgonMemory:  64 * 1024,
	ArgonThreads: 1,
	ArgonKeyLen:  32,
}

// Store is a file-backed pairing store. Safe for concurrent use.
type Store struct {
	path       string
	passphrase []byte

	mu sync.Mutex
}

// Open binds a store to path. The file is created on first Put.
func Open(path string, passphrase []byte) *Store {
	return &Store{path: path, passphrase: append([]byte(nil), passphrase...)}
}

// Get returns the pairing secret recorded for deviceID, or nil when the
// device is unknown.
func (s *Store) Get(deviceID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	b64, ok := records[deviceID]
	if !ok {
		return nil, nil
	}
	secret, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode pairing record: %w", err)
	}
	return secret, nil
}

// Put records the pairing secret for deviceID, replacing any previous one.
func (s *Store) Put(deviceID string, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	records[deviceID] = base64.StdEncoding.EncodeToString(secret)
	return s.save(records)
}

func (s *Store) load() (map[string]string, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pairing store: %w", err)
	}

	var ef envelope
	if err := json.Unmarshal(b, &ef); err != nil {
		return nil, fmt.Errorf("unmarshal pairing store: %w", err)
	}
	if ef.Version != 1 {
		return nil, fmt.Errorf("unsupported pairing store version: %d", ef.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(ef.SaltB64)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(ef.NonceB64)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(ef.CTB64)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	key := argon2.IDKey(s.passphrase, salt, ef.ArgonTime, ef.ArgonMemory, ef.ArgonThreads, ef.ArgonKeyLen)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrInvalidPassphraseOrCorrupt
	}

	records := make(map[string]string)
	if err := json.Unmarshal(plain, &records); err != nil {
		return nil, fmt.Errorf("unmarshal records: %w", err)
	}
	return records, nil
}

func (s *Store) save(records map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(s.path), err)
	}

	plain, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("rand salt: %w", err)
	}
	key := argon2.IDKey(s.passphrase, salt, defaultEnvelope.ArgonTime, defaultEnvelope.ArgonMemory,
		defaultEnvelope.ArgonThreads, defaultEnvelope.ArgonKeyLen)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("rand nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plain, nil)

	out := defaultEnvelope
	out.SaltB64 = base64.StdEncoding.EncodeToString(salt)
	out.NonceB64 = base64.StdEncoding.EncodeToString(nonce)
	out.CTB64 = base64.StdEncoding.EncodeToString(ct)

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return atomicWriteFile(s.path, b, 0o600)
}

// atomicWriteFile writes via a temp file in the same directory plus rename,
// so a crash never leaves a half-written store.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".pairstore-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	return os.Rename(tmpName, path)
}

// Memory is an in-process store for tests and callers that opt out of
// persistence.
type Memory struct {
	mu      sync.Mutex
	records map[string][]byte
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string][]byte)}
}

// Get returns the recorded secret or nil.
func (m *Memory) Get(deviceID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.records[deviceID]...), nil
}

// Put records the secret.
func (m *Memory) Put(deviceID string, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[deviceID] = append([]byte(nil), secret...)
	return nil
}
