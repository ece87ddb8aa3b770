// Package registry is the single shared mutable core of the server: the
// session table, per-library and per-file mutual exclusion, and the idle
// reaper. Every public method is a short critical section with no I/O
// inside; operations that touch more than one lock always acquire
// library before file to avoid cycles.
package registry

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jeffvan302/fileharbor/internal/ferrors"
)

// State is a session's position in the Fresh -> Authenticated ->
// (Idle | Transferring) -> Closed machine.
type State string

const (
	StateFresh         State = "Fresh"
	StateAuthenticated State = "Authenticated"
	StateIdle          State = "Idle"
	StateTransferring  State = "Transferring"
	StateClosed        State = "Closed"
)

// TransferState tracks one in-flight upload. Downloads are stateless on
// the server beyond the open file, so this only ever describes uploads.
type TransferState struct {
	Path             string
	ExpectedSize     int64
	ExpectedChecksum string
	BytesReceived    int64
	ChunkSize        int
	TempPath         string
	LastActivity     time.Time
}

// Session is one authenticated client's view into a single library.
type Session struct {
	ID              string
	ClientID        string
	LibraryID       string
	ConnectedAt     time.Time
	LastActivity    time.Time
	State           State
	ActiveTransfers map[string]*TransferState
	HeldFileLocks   map[string]bool

	// Close, if set, tears down the session's connection; the reaper
	// calls it to force the handler's next read to fail.
	Close func()
}

// IsIdle reports whether the session has been inactive longer than
// timeout.
func (s *Session) IsIdle(timeout time.Duration) bool {
	return time.Since(s.LastActivity) > timeout
}

// Registry is the global server state described in spec.md §3.
type Registry struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	libraryLocks map[string]string // library_id -> client_id
	fileLocks    map[string]string // abs_path -> session_id

	log logr.Logger
}

// New builds an empty Registry.
func New(log logr.Logger) *Registry {
	return &Registry{
		sessions:     make(map[string]*Session),
		libraryLocks: make(map[string]string),
		fileLocks:    make(map[string]string),
		log:          log.WithName("registry"),
	}
}

// CreateSession installs the library lock for (libraryID, clientID) and
// registers a new session, failing LibraryInUse if another client already
// holds the library.
func (r *Registry) CreateSession(clientID, libraryID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, ok := r.libraryLocks[libraryID]; ok && holder != clientID {
		return nil, ferrors.New(ferrors.KindLibraryInUse, "library "+libraryID+" is in use by another client")
	}

	now := time.Now()
	s := &Session{
		ID:              uuid.NewString(),
		ClientID:        clientID,
		LibraryID:       libraryID,
		ConnectedAt:     now,
		LastActivity:    now,
		State:           StateAuthenticated,
		ActiveTransfers: make(map[string]*TransferState),
		HeldFileLocks:   make(map[string]bool),
	}

	r.libraryLocks[libraryID] = clientID
	r.sessions[s.ID] = s
	r.log.Info("session created", "session_id", s.ID, "client_id", clientID, "library_id", libraryID)
	return s, nil
}

// Get looks up a session by ID.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Touch refreshes a session's last-activity timestamp.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.LastActivity = time.Now()
	}
}

// CloseSession releases the session's library lock and every file lock it
// holds, then removes it from the table. Safe to call more than once.
func (r *Registry) CloseSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeSessionLocked(sessionID)
}

func (r *Registry) closeSessionLocked(sessionID string) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}

	if holder, ok := r.libraryLocks[s.LibraryID]; ok && holder == s.ClientID {
		delete(r.libraryLocks, s.LibraryID)
	}
	for path := range s.HeldFileLocks {
		if holder, ok := r.fileLocks[path]; ok && holder == sessionID {
			delete(r.fileLocks, path)
		}
	}
	s.State = StateClosed
	delete(r.sessions, sessionID)
	r.log.Info("session closed", "session_id", sessionID)
}

// LockFile acquires the upload lock on absPath for sessionID, failing
// FileLocked if another session already holds it. Re-acquiring a lock this
// session already holds is a no-op success.
func (r *Registry) LockFile(sessionID, absPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, ok := r.fileLocks[absPath]; ok {
		if holder == sessionID {
			return nil
		}
		return ferrors.New(ferrors.KindFileLocked, "file is locked by another session: "+absPath)
	}

	r.fileLocks[absPath] = sessionID
	if s, ok := r.sessions[sessionID]; ok {
		s.HeldFileLocks[absPath] = true
		s.State = StateTransferring
	}
	return nil
}

// UnlockFile releases the upload lock on absPath held by sessionID.
func (r *Registry) UnlockFile(sessionID, absPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, ok := r.fileLocks[absPath]; ok && holder == sessionID {
		delete(r.fileLocks, absPath)
	}
	if s, ok := r.sessions[sessionID]; ok {
		delete(s.HeldFileLocks, absPath)
		if len(s.HeldFileLocks) == 0 {
			s.State = StateIdle
		}
	}
}

// StartTransfer records a new TransferState for the given session/path.
func (r *Registry) StartTransfer(sessionID, absPath, tempPath string, expectedSize int64, expectedChecksum string, chunkSize int, resumeOffset int64) (*TransferState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ferrors.New(ferrors.KindInternal, "session not found: "+sessionID)
	}

	t := &TransferState{
		Path:             absPath,
		ExpectedSize:     expectedSize,
		ExpectedChecksum: expectedChecksum,
		BytesReceived:    resumeOffset,
		ChunkSize:        chunkSize,
		TempPath:         tempPath,
		LastActivity:     time.Now(),
	}
	s.ActiveTransfers[absPath] = t
	return t, nil
}

// UpdateTransfer advances bytes-received and touches both the transfer's
// and the session's activity clocks.
func (r *Registry) UpdateTransfer(sessionID, absPath string, bytesWritten int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	s.LastActivity = time.Now()
	if t, ok := s.ActiveTransfers[absPath]; ok {
		t.BytesReceived += bytesWritten
		if t.BytesReceived > t.ExpectedSize {
			t.BytesReceived = t.ExpectedSize
		}
		t.LastActivity = time.Now()
	}
}

// CompleteTransfer removes the TransferState for absPath.
func (r *Registry) CompleteTransfer(sessionID, absPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		delete(s.ActiveTransfers, absPath)
	}
}

// GetTransfer returns the current TransferState for absPath, if any.
func (r *Registry) GetTransfer(sessionID, absPath string) (*TransferState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	t, ok := s.ActiveTransfers[absPath]
	return t, ok
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ReapIdle closes every session idle longer than timeout and returns how
// many it closed. Each closed session's Close hook (if set) is invoked
// after its locks are released, outside the registry's own critical
// section, so a slow socket shutdown never blocks other registry callers.
func (r *Registry) ReapIdle(timeout time.Duration) int {
	r.mu.Lock()
	var toClose []*Session
	for _, s := range r.sessions {
		if s.IsIdle(timeout) {
			toClose = append(toClose, s)
		}
	}
	for _, s := range toClose {
		r.closeSessionLocked(s.ID)
	}
	r.mu.Unlock()

	for _, s := range toClose {
		if s.Close != nil {
			s.Close()
		}
	}
	if len(toClose) > 0 {
		r.log.Info("idle reaper closed sessions", "count", len(toClose))
	}
	return len(toClose)
}
