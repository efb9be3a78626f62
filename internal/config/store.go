package config

import (
	"log/slog"
	"sync"
)

// Snapshot is an immutable, versioned view of the validated configuration.
// Consumers hold the snapshot they were handed for the lifetime of a batch;
// a reload produces a new snapshot rather than mutating this one.
type Snapshot struct {
	Version     int
	ClientsRoot string
	doc         Document
}

// ClientIDs lists the configured clients in sorted order.
func (s *Snapshot) ClientIDs() []string {
	return sortedIDs(s.doc)
}

// HasClient reports whether clientID is configured.
func (s *Snapshot) HasClient(clientID string) bool {
	_, ok := s.doc[clientID]
	return ok
}

// Resolve returns the effective settings for clientID.
func (s *Snapshot) Resolve(clientID string) (Settings, error) {
	return Resolve(s.doc, clientID, s.ClientsRoot)
}

// Store owns the current configuration snapshot for the process. Reload
// replaces the snapshot wholesale; in-flight batches keep the version they
// started with.
type Store struct {
	path        string
	clientsRoot string
	logger      *slog.Logger

	mu      sync.RWMutex
	current *Snapshot
}

func NewStore(path, clientsRoot string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, clientsRoot: clientsRoot, logger: logger}
}

// Load reads, validates, and installs a new snapshot. On any error the
// previously installed snapshot stays in place.
func (st *Store) Load() (*Snapshot, error) {
	doc, err := Load(st.path)
	if err != nil {
		return nil, err
	}
	if err := Validate(doc); err != nil {
		return nil, err
	}

	st.mu.Lock()
	version := 1
	if st.current != nil {
		version = st.current.Version + 1
	}
	snap := &Snapshot{Version: version, ClientsRoot: st.clientsRoot, doc: doc}
	st.current = snap
	st.mu.Unlock()

	st.logger.Info("config.loaded", "path", st.path, "version", version, "clients", len(doc))
	return snap, nil
}

// Snapshot returns the currently installed snapshot, or nil before Load.
func (st *Store) Snapshot() *Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}
