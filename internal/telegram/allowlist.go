package telegram

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Allowlist controls which chats are allowed to submit batches and which
// client each chat maps to by default. It is stored as a small JSON file so
// an operator can edit it without restarting the daemon; /setclient updates
// persist back to the same file.
type Allowlist struct {
	AllowedChatIDs      []int64           `json:"allowed_chat_ids"`
	DefaultClientByChat map[string]string `json:"default_client_by_chat"`
	GlobalDefaultClient string            `json:"global_default_client,omitempty"`
}

// AllowlistStore is a concurrency-safe view over the allowlist file.
type AllowlistStore struct {
	path string

	mu   sync.RWMutex
	data Allowlist
}

func LoadAllowlist(path string) (*AllowlistStore, error) {
	store := &AllowlistStore{path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			store.data = Allowlist{DefaultClientByChat: map[string]string{}}
			return store, nil
		}
		return nil, fmt.Errorf("read allowlist: %w", err)
	}
	if err := json.Unmarshal(raw, &store.data); err != nil {
		return nil, fmt.Errorf("parse allowlist %s: %w", path, err)
	}
	if store.data.DefaultClientByChat == nil {
		store.data.DefaultClientByChat = map[string]string{}
	}
	return store, nil
}

func (s *AllowlistStore) Allowed(chatID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.data.AllowedChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// DefaultClient returns the per-chat default, falling back to the global
// default. Empty string means no default is configured.
func (s *AllowlistStore) DefaultClient(chatID int64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.data.DefaultClientByChat[chatKey(chatID)]; ok && id != "" {
		return id
	}
	return s.data.GlobalDefaultClient
}

// SetDefaultClient records a per-chat default and writes the allowlist back
// to disk atomically.
func (s *AllowlistStore) SetDefaultClient(chatID int64, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.DefaultClientByChat[chatKey(chatID)] = clientID
	return s.save()
}

func (s *AllowlistStore) save() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func chatKey(chatID int64) string {
	return fmt.Sprintf("%d", chatID)
}
