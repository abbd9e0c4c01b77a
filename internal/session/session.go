// Package session owns the single mutable record of an in-progress sync
// session: phase, counters, the incoming buffer, and the one-shot
// pending-confirmation slot. All mutation happens on the protocol
// driver's single driving goroutine — this type performs no internal
// locking and is not safe for concurrent use, by design.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/relaylink/syncengine/internal/model"
)

// Phase is one of the four protocol states.
type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhaseServerSending Phase = "SERVER_SENDING"
	PhaseClientSending Phase = "CLIENT_SENDING"
	PhaseFinalizing    Phase = "FINALIZING"
)

// ConfirmationDeadline bounds how long a sender waits for SYNC_DATA_CONFIRM
// before treating the session as failed.
const ConfirmationDeadline = 30 * time.Second

// ErrPendingOccupied is returned by RegisterPending when a confirmation
// is already outstanding.
var ErrPendingOccupied = errors.New("session: pending confirmation slot already occupied")

// Session is the single-owner sync-session record.
type Session struct {
	SessionID       string
	Phase           Phase
	StartTimeUnix   int64
	RecordsSent     int
	RecordsReceived int

	IncomingBuffer []model.ChangeRecord

	LocalChangesSent       bool
	RemoteCompleteReceived bool
	FinalizeSent           bool

	pendingEventID string
	pendingSet     bool
}

// New creates an IDLE session shell. A session only becomes "live" once
// InitiateSync assigns a start time and the host accepts with a
// session_id.
func New() *Session {
	return &Session{Phase: PhaseIdle}
}

// NewSessionID fabricates an opaque session id. Only the host peer calls
// this, on accepting an inbound SYNC_REQUEST.
func NewSessionID() string {
	return uuid.NewString()
}

// Reset returns the session to its IDLE shell, clearing every field.
// Called on finalize success and on every terminal failure.
func (s *Session) Reset() {
	*s = Session{Phase: PhaseIdle}
}

// RegisterPending occupies the one-shot confirmation slot for eventID.
// Returns ErrPendingOccupied if a confirmation is already outstanding —
// attempting to register a second waker while one is outstanding is a
// programming error.
func (s *Session) RegisterPending(eventID string) error {
	if s.pendingSet {
		return ErrPendingOccupied
	}
	s.pendingEventID = eventID
	s.pendingSet = true
	return nil
}

// HasPending reports whether a confirmation is currently outstanding.
func (s *Session) HasPending() bool {
	return s.pendingSet
}

// Matches reports whether eventID is the outstanding pending
// confirmation's id.
func (s *Session) Matches(eventID string) bool {
	return s.pendingSet && s.pendingEventID == eventID
}

// ResolvePending frees the outstanding confirmation slot. Callers must
// have already checked Matches.
func (s *Session) ResolvePending() {
	s.pendingEventID = ""
	s.pendingSet = false
}

// PendingEventID returns the outstanding event id, or "" if none.
func (s *Session) PendingEventID() string {
	return s.pendingEventID
}

// ClearPending abandons the outstanding confirmation without resolving
// it (used on session cancellation/teardown).
func (s *Session) ClearPending() {
	s.pendingEventID = ""
	s.pendingSet = false
}

// AppendIncoming buffers an inbound SYNC_DATA record. The protocol
// driver calls it while the other peer is sending: in SERVER_SENDING on
// the client side, in CLIENT_SENDING on the server side.
func (s *Session) AppendIncoming(rec model.ChangeRecord) {
	s.IncomingBuffer = append(s.IncomingBuffer, rec)
}

// ClearIncoming empties the incoming buffer, on apply success or on any
// apply/transaction failure.
func (s *Session) ClearIncoming() {
	s.IncomingBuffer = nil
}

// requirePhase reports a descriptive error if a phase transition from want
// is attempted while the session is actually in a different phase —
// used defensively at the top of protocol handlers.
func (s *Session) requirePhase(want Phase) error {
	if s.Phase != want {
		return fmt.Errorf("session: expected phase %s, got %s", want, s.Phase)
	}
	return nil
}

// RequirePhase is the exported form of requirePhase, for use by the
// protocol package.
func (s *Session) RequirePhase(want Phase) error {
	return s.requirePhase(want)
}
