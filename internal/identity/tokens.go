// ABOUTME: Per-device, per-role bearer token store over a JSON document
// ABOUTME: Read-modify-write under a lock so one role never clobbers another

package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// TokenRecord is one stored bearer token for a (device, role) pair.
type TokenRecord struct {
	Token       string   `json:"token"`
	Role        string   `json:"role"`
	Scopes      []string `json:"scopes"`
	UpdatedAtMs int64    `json:"updatedAtMs"`
}

// tokenDocument is the persisted per-device token file.
type tokenDocument struct {
	Version  int                    `json:"version"`
	DeviceID string                 `json:"deviceId"`
	Tokens   map[string]TokenRecord `json:"tokens"`
}

// TokenStore persists gateway-issued device tokens. Tokens rotate and
// revoke independently of the device identity.
type TokenStore struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewTokenStore creates a token store rooted at dir.
func NewTokenStore(dir string, logger *slog.Logger) *TokenStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenStore{dir: dir, logger: logger}
}

// Save upserts the token for (deviceID, role), preserving entries for
// other roles and other devices.
func (s *TokenStore) Save(deviceID, role, token string, scopes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked(deviceID)
	if err != nil {
		return err
	}
	doc.Tokens[role] = TokenRecord{
		Token:       token,
		Role:        role,
		Scopes:      append([]string(nil), scopes...),
		UpdatedAtMs: time.Now().UnixMilli(),
	}
	if err := s.writeLocked(deviceID, doc); err != nil {
		return err
	}

	s.logger.Debug("stored device token", "device_id", deviceID, "role", role)
	return nil
}

// Load returns the token record for (deviceID, role), or ok=false when no
// token is stored.
func (s *TokenStore) Load(deviceID, role string) (TokenRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked(deviceID)
	if err != nil {
		return TokenRecord{}, false, err
	}
	rec, ok := doc.Tokens[role]
	return rec, ok, nil
}

// Clear deletes exactly the (deviceID, role) entry. Tokens for other roles
// on the same device are preserved.
func (s *TokenStore) Clear(deviceID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked(deviceID)
	if err != nil {
		return err
	}
	if _, ok := doc.Tokens[role]; !ok {
		return nil
	}
	delete(doc.Tokens, role)
	if err := s.writeLocked(deviceID, doc); err != nil {
		return err
	}

	s.logger.Debug("cleared device token", "device_id", deviceID, "role", role)
	return nil
}

// List returns every stored token record for the device, ordered by role.
func (s *TokenStore) List(deviceID string) ([]TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked(deviceID)
	if err != nil {
		return nil, err
	}
	records := make([]TokenRecord, 0, len(doc.Tokens))
	for _, rec := range doc.Tokens {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Role < records[j].Role })
	return records, nil
}

// tokenPath keys the document file by a device-id prefix: long enough to
// never collide between real devices, short enough to stay readable.
func (s *TokenStore) tokenPath(deviceID string) string {
	name := deviceID
	if len(name) > 16 {
		name = name[:16]
	}
	return filepath.Join(s.dir, fmt.Sprintf("tokens-%s.json", name))
}

func (s *TokenStore) readLocked(deviceID string) (*tokenDocument, error) {
	doc := &tokenDocument{Version: 1, DeviceID: deviceID, Tokens: map[string]TokenRecord{}}

	data, err := os.ReadFile(s.tokenPath(deviceID))
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token store: %w", err)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parsing token store: %w", err)
	}
	if doc.Tokens == nil {
		doc.Tokens = map[string]TokenRecord{}
	}
	return doc, nil
}

func (s *TokenStore) writeLocked(deviceID string, doc *tokenDocument) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token store: %w", err)
	}
	return os.WriteFile(s.tokenPath(deviceID), data, 0o600)
}
