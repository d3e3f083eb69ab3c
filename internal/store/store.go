// internal/store/store.go
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/switchboard/internal/types"
)

// Store is a JSON-file-backed session registry. Session metadata lives in
// sessions/sessions.json; each session owns a directory sessions/<id>/
// holding messages.json and the agent's free-form memory.md. Metadata for
// every persisted session is resident in memory after Open; message history
// is loaded lazily on first Get.
type Store struct {
	root string

	mu       sync.RWMutex
	sessions map[types.SessionID]*types.Session
	loaded   map[types.SessionID]bool
}

// CreateOptions configures a new session. An empty PermissionMode defaults
// to allow-all, the default for programmatically created sessions.
type CreateOptions struct {
	Name           string
	Labels         []string
	PermissionMode types.PermissionMode
	WorkingDir     string
	Messages       []types.Message
}

// Open creates a Store rooted at the given directory and loads the session
// index. A missing index is not an error; the store starts empty.
func Open(root string) (*Store, error) {
	s := &Store{
		root:     root,
		sessions: make(map[types.SessionID]*types.Session),
		loaded:   make(map[types.SessionID]bool),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) indexPath() string {
	return filepath.Join(s.root, "sessions", "sessions.json")
}

// SessionDir returns the session's on-disk directory.
func (s *Store) SessionDir(id types.SessionID) string {
	return filepath.Join(s.root, "sessions", string(id))
}

// MemoryPath returns the contracted location of the session's free-form
// memory artifact. The store never reads or writes this file; the agent
// does. The path convention is part of the persisted-state contract.
func (s *Store) MemoryPath(id types.SessionID) string {
	return filepath.Join(s.SessionDir(id), "memory.md")
}

func (s *Store) messagesPath(id types.SessionID) string {
	return filepath.Join(s.SessionDir(id), "messages.json")
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session index: %w", err)
	}

	var sessions []*types.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return fmt.Errorf("unmarshal session index: %w", err)
	}
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess
	}
	return nil
}

// saveIndex marshals all session metadata and writes it atomically.
// Caller must hold the lock.
func (s *Store) saveIndex() error {
	sessions := make([]*types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	if err := os.MkdirAll(filepath.Join(s.root, "sessions"), 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	return writeJSON(s.indexPath(), sessions)
}

// writeJSON marshals v with indentation and writes it atomically via a temp
// file and rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(tmp), err)
	}
	return nil
}

// Create allocates a new session, applies defaults, creates its directory,
// and persists immediately.
func (s *Store) Create(workspaceID types.WorkspaceID, opts CreateOptions) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mode := opts.PermissionMode
	if mode == "" {
		mode = types.PermissionAllowAll
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid permission mode %q", mode)
	}

	now := time.Now()
	sess := &types.Session{
		ID:             types.NewSessionID(),
		WorkspaceID:    workspaceID,
		Name:           opts.Name,
		Labels:         append([]string(nil), opts.Labels...),
		PermissionMode: mode,
		WorkingDir:     opts.WorkingDir,
		CreatedAt:      now,
		UpdatedAt:      now,
		Messages:       append([]types.Message(nil), opts.Messages...),
	}

	if err := os.MkdirAll(s.SessionDir(sess.ID), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if err := writeJSON(s.messagesPath(sess.ID), sess.Messages); err != nil {
		return nil, err
	}

	s.sessions[sess.ID] = sess
	s.loaded[sess.ID] = true
	if err := s.saveIndex(); err != nil {
		delete(s.sessions, sess.ID)
		delete(s.loaded, sess.ID)
		return nil, err
	}
	return s.snapshot(sess, true), nil
}

// snapshot copies the session so callers can read it after the store lock
// is released. The engine keeps appending to the resident session between
// turns; handing out the live pointer would race with those writes. Must be
// called with s.mu held.
func (s *Store) snapshot(sess *types.Session, withMessages bool) *types.Session {
	cp := *sess
	cp.Labels = append([]string(nil), sess.Labels...)
	if withMessages {
		cp.Messages = append([]types.Message(nil), sess.Messages...)
	} else {
		cp.Messages = nil
	}
	return &cp
}

// Get returns a snapshot of the session with the given id, loading its
// message history from disk if it is not already resident. Mutations go
// through the store's own methods; writing to the returned value changes
// nothing.
func (s *Store) Get(id types.SessionID) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if !s.loaded[id] {
		data, err := os.ReadFile(s.messagesPath(id))
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read messages for %s: %w", id, err)
			}
		} else if err := json.Unmarshal(data, &sess.Messages); err != nil {
			return nil, fmt.Errorf("unmarshal messages for %s: %w", id, err)
		}
		s.loaded[id] = true
	}
	return s.snapshot(sess, true), nil
}

// List returns snapshots of all resident sessions. Message history is not
// force-loaded; callers needing a specific session's messages must Get it.
func (s *Store) List() []*types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, s.snapshot(sess, s.loaded[sess.ID]))
	}
	return sessions
}

// Delete removes the session from the index and deletes its directory.
// It fails if the session is processing unless force is set; callers that
// own in-flight work (the engine) must stop it first.
func (s *Store) Delete(id types.SessionID, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	if sess.Processing && !force {
		return fmt.Errorf("session %s is processing; stop it first or force", id)
	}

	delete(s.sessions, id)
	delete(s.loaded, id)
	if err := s.saveIndex(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.SessionDir(id)); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}

// mutate applies fn to the session under the write lock, bumps UpdatedAt,
// and persists the index.
func (s *Store) mutate(id types.SessionID, fn func(*types.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	if err := fn(sess); err != nil {
		return err
	}
	sess.UpdatedAt = time.Now()
	return s.saveIndex()
}

// SetLabels replaces the session's label set.
func (s *Store) SetLabels(id types.SessionID, labels []string) error {
	return s.mutate(id, func(sess *types.Session) error {
		sess.Labels = append([]string(nil), labels...)
		return nil
	})
}

// Rename sets the session's display name.
func (s *Store) Rename(id types.SessionID, name string) error {
	return s.mutate(id, func(sess *types.Session) error {
		sess.Name = name
		return nil
	})
}

// SetPermissionMode changes the session's permission mode.
func (s *Store) SetPermissionMode(id types.SessionID, mode types.PermissionMode) error {
	return s.mutate(id, func(sess *types.Session) error {
		if !mode.Valid() {
			return fmt.Errorf("invalid permission mode %q", mode)
		}
		sess.PermissionMode = mode
		return nil
	})
}

// SetSDKSessionID records (or clears) the opaque agent-runtime handle.
func (s *Store) SetSDKSessionID(id types.SessionID, sdkID string) error {
	return s.mutate(id, func(sess *types.Session) error {
		sess.SDKSessionID = sdkID
		return nil
	})
}

// AddUsage accumulates token usage onto the session.
func (s *Store) AddUsage(id types.SessionID, usage types.TokenUsage) error {
	return s.mutate(id, func(sess *types.Session) error {
		sess.Usage.Add(usage)
		return nil
	})
}

// SetProcessing flips the runtime-only processing flag. It is not persisted.
func (s *Store) SetProcessing(id types.SessionID, processing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Processing = processing
	}
}

// AppendMessage appends a message to the session's history and persists it.
func (s *Store) AppendMessage(id types.SessionID, msg types.Message) error {
	return s.mutate(id, func(sess *types.Session) error {
		sess.Messages = append(sess.Messages, msg)
		return writeJSON(s.messagesPath(id), sess.Messages)
	})
}

// SetMessages replaces the session's history wholesale and persists it.
// Used by rewind, which truncates, and branch, which seeds a copy.
func (s *Store) SetMessages(id types.SessionID, msgs []types.Message) error {
	return s.mutate(id, func(sess *types.Session) error {
		sess.Messages = append([]types.Message(nil), msgs...)
		return writeJSON(s.messagesPath(id), sess.Messages)
	})
}
