// ABOUTME: Persistent per-installation device identity backed by a JSON document
// ABOUTME: Generates Ed25519 key pairs and self-heals a corrupted device id

package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/2389/coven-link/internal/edwards"
)

const identityFile = "identity.json"

// Identity errors.
var (
	// ErrCorruptIdentity is returned when the persisted key material cannot
	// be decoded. Unlike a stale device id, broken keys are never repaired.
	ErrCorruptIdentity = errors.New("identity: persisted key material is corrupt")
)

// Identity is the persisted device identity record. The private key is the
// base64url-encoded 32-byte seed; the device id is always the hex SHA-256
// digest of the encoded public key.
type Identity struct {
	Version    int    `json:"version"`
	DeviceID   string `json:"deviceId"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
	CreatedAt  int64  `json:"createdAt"`
}

// Seed decodes the 32-byte secret seed.
func (id *Identity) Seed() ([]byte, error) {
	seed, err := base64.RawURLEncoding.DecodeString(id.PrivateKey)
	if err != nil || len(seed) != edwards.SeedSize {
		return nil, ErrCorruptIdentity
	}
	return seed, nil
}

// PublicKeyBytes decodes the 32-byte encoded public point.
func (id *Identity) PublicKeyBytes() ([]byte, error) {
	pub, err := base64.RawURLEncoding.DecodeString(id.PublicKey)
	if err != nil || len(pub) != edwards.PublicKeySize {
		return nil, ErrCorruptIdentity
	}
	return pub, nil
}

// DeviceID computes the device id for an encoded public key: the hex
// digest of a fast hash, distinct from the engine's wide SHA-512.
func DeviceID(publicKey []byte) string {
	digest := sha256.Sum256(publicKey)
	return hex.EncodeToString(digest[:])
}

// Store persists the device identity under a data directory. One identity
// exists per installation; it is destroyed only by an explicit Reset.
type Store struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewStore creates an identity store rooted at dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}
}

// Load returns the persisted identity, generating and persisting a fresh
// one if none exists. A record whose device id does not match the digest
// of its public key is silently repaired in place; key material itself is
// never regenerated implicitly.
func (s *Store) Load() (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, identityFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s.generateLocked()
	}
	if err != nil {
		return nil, fmt.Errorf("reading identity: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}

	pub, err := id.PublicKeyBytes()
	if err != nil {
		return nil, err
	}
	if _, err := id.Seed(); err != nil {
		return nil, err
	}

	if want := DeviceID(pub); id.DeviceID != want {
		s.logger.Warn("device id does not match public key digest, repairing",
			"stored", id.DeviceID,
			"computed", want,
		)
		id.DeviceID = want
		if err := s.writeLocked(&id); err != nil {
			return nil, fmt.Errorf("repairing identity: %w", err)
		}
	}

	return &id, nil
}

// Generate creates a new identity from 32 cryptographically random bytes
// and persists it, replacing any existing record.
func (s *Store) Generate() (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generateLocked()
}

// Reset deletes the persisted identity. The next Load generates a new one.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, identityFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing identity: %w", err)
	}
	return nil
}

func (s *Store) generateLocked() (*Identity, error) {
	seed := make([]byte, edwards.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("drawing seed: %w", err)
	}

	key, err := edwards.ExpandSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("deriving key pair: %w", err)
	}

	id := &Identity{
		Version:    1,
		DeviceID:   DeviceID(key.PublicKey),
		PublicKey:  base64.RawURLEncoding.EncodeToString(key.PublicKey),
		PrivateKey: base64.RawURLEncoding.EncodeToString(seed),
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := s.writeLocked(id); err != nil {
		return nil, err
	}

	s.logger.Info("generated device identity", "device_id", id.DeviceID)
	return id, nil
}

func (s *Store) writeLocked(id *Identity) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}
	return os.WriteFile(filepath.Join(s.dir, identityFile), data, 0o600)
}
