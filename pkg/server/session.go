// Package server implements the collaborative editing session manager and
// HTTP/WebSocket front end that coordinates pkg/ot for a live document.
package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syncpad/syncpad/internal/protocol"
	"github.com/syncpad/syncpad/pkg/logger"
	"github.com/syncpad/syncpad/pkg/ot"
)

// state is the shared document state protected by Session.mu.
type state struct {
	Operations []protocol.UserOperation    // Complete operation history
	Text       string                      // Current document text
	Language   *string                     // Syntax highlighting language
	OTP        *string                     // One-time password for document protection
	Users      map[uint64]protocol.UserInfo
	Selections map[uint64]*ot.Selection
}

// Session is one collaboratively edited document: the authoritative text,
// its operation history, connected users, and their live selections. It has
// no transport or HTTP concerns of its own; Connection and Server drive it.
type Session struct {
	state *state
	mu    sync.RWMutex

	count        atomic.Uint64 // user ID counter
	killed       atomic.Bool
	lastEditTime atomic.Int64 // unix seconds of last edit, for idle detection

	lastPersistedRevision atomic.Int32
	lastCriticalWrite     atomic.Int64 // unix seconds of last OTP change

	lastTokenMu sync.Mutex
	lastToken   map[uint64]string // userID -> last accepted edit token, for resend dedup

	subscribers         map[uint64]chan *protocol.ServerMsg
	notify              chan struct{}
	maxDocumentSize     int
	broadcastBufferSize int
}

// NewSession creates a new, empty collaborative editing session.
func NewSession(maxDocumentSize, broadcastBufferSize int) *Session {
	return &Session{
		state: &state{
			Operations: make([]protocol.UserOperation, 0),
			Users:      make(map[uint64]protocol.UserInfo),
			Selections: make(map[uint64]*ot.Selection),
		},
		lastToken:           make(map[uint64]string),
		subscribers:         make(map[uint64]chan *protocol.ServerMsg),
		notify:              make(chan struct{}),
		maxDocumentSize:     maxDocumentSize,
		broadcastBufferSize: broadcastBufferSize,
	}
}

// FromPersistedDocument rehydrates a Session from a row loaded out of
// storage. The persisted edit history itself is not stored, so the session
// starts with a single system-authored insert that reproduces the text.
func FromPersistedDocument(text string, language, otp *string, maxDocumentSize, broadcastBufferSize int) *Session {
	s := NewSession(maxDocumentSize, broadcastBufferSize)
	s.state.OTP = otp

	if text != "" {
		op := ot.NewOperationSeq()
		op.Insert(text)

		s.state.Text = text
		s.state.Language = language
		s.state.Operations = []protocol.UserOperation{
			{ID: protocol.SystemUserID, Operation: op},
		}
	}

	return s
}

// NextUserID returns the next available user ID for a newly connecting client.
func (s *Session) NextUserID() uint64 {
	return s.count.Add(1) - 1
}

// Revision returns the number of operations accepted so far.
func (s *Session) Revision() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.Operations)
}

// Text returns a copy of the current document text.
func (s *Session) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Text
}

// Snapshot returns the session's text, language, and OTP for persistence.
func (s *Session) Snapshot() (text string, language, otp *string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Text, s.state.Language, s.state.OTP
}

// OTP returns the current OTP, or nil if the document is unprotected.
func (s *Session) OTP() *string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.OTP
}

// DisplayName returns userID's registered display name, or "" if it hasn't
// sent ClientInfo yet.
func (s *Session) DisplayName(userID uint64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Users[userID].Name
}

// UserCount returns the number of connected users.
func (s *Session) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.Users)
}

// LastEditTime returns when the document was last edited, or the zero Time
// if it has never been edited.
func (s *Session) LastEditTime() time.Time {
	ts := s.lastEditTime.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// LastCriticalWrite returns when the OTP was last changed, or the zero Time
// if it never has been.
func (s *Session) LastCriticalWrite() time.Time {
	ts := s.lastCriticalWrite.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// Kill marks the session as destroyed and disconnects every subscriber.
func (s *Session) Kill() {
	if s.killed.CompareAndSwap(false, true) {
		s.mu.Lock()
		for _, ch := range s.subscribers {
			close(ch)
		}
		s.subscribers = make(map[uint64]chan *protocol.ServerMsg)
		close(s.notify)
		s.mu.Unlock()
	}
}

// Killed reports whether Kill has been called.
func (s *Session) Killed() bool {
	return s.killed.Load()
}

// Subscribe returns a channel of metadata broadcasts (language, user info,
// cursor, OTP changes) for userID. Edit broadcasts instead ride the
// notify channel returned by NotifyChannel, since every connection must
// replay history from its own last-seen revision rather than receive a
// fixed message.
func (s *Session) Subscribe(userID uint64) <-chan *protocol.ServerMsg {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *protocol.ServerMsg, s.broadcastBufferSize)
	s.subscribers[userID] = ch
	return ch
}

// Unsubscribe closes and removes userID's metadata channel.
func (s *Session) Unsubscribe(userID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.subscribers[userID]; ok {
		close(ch)
		delete(s.subscribers, userID)
	}
}

// NotifyChannel returns the channel that is closed (and replaced) every
// time a new operation is accepted, waking connections blocked waiting for
// history to catch up.
func (s *Session) NotifyChannel() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notify
}

func (s *Session) broadcast(msg *protocol.ServerMsg) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- msg:
		default:
			// subscriber's buffer is full; this message is dropped for it.
		}
	}
}

// InitialState returns everything a newly connected client needs to catch
// up: operation history, language, connected users, and live selections.
func (s *Session) InitialState() (ops []protocol.UserOperation, lang *string, users map[uint64]protocol.UserInfo, cursors map[uint64]protocol.CursorData) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ops = make([]protocol.UserOperation, len(s.state.Operations))
	copy(ops, s.state.Operations)

	lang = s.state.Language

	users = make(map[uint64]protocol.UserInfo, len(s.state.Users))
	for k, v := range s.state.Users {
		users[k] = v
	}

	cursors = make(map[uint64]protocol.CursorData, len(s.state.Selections))
	for k, v := range s.state.Selections {
		cursors[k] = protocol.CursorData{Selection: v}
	}

	return
}

// History returns operations from revision start onward.
func (s *Session) History(start int) []protocol.UserOperation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if start >= len(s.state.Operations) {
		return nil
	}
	ops := make([]protocol.UserOperation, len(s.state.Operations)-start)
	copy(ops, s.state.Operations[start:])
	return ops
}

// IsDuplicateToken reports whether token is the last edit token accepted
// from any user of this session — i.e. this edit is a resend of one the
// server already applied, most likely because the client's connection
// dropped before it saw the ack. Every user ID is checked, not only userID,
// because a reconnecting client arrives under a new user ID.
func (s *Session) IsDuplicateToken(userID uint64, token string) bool {
	if token == "" {
		return false
	}
	s.lastTokenMu.Lock()
	defer s.lastTokenMu.Unlock()
	for _, last := range s.lastToken {
		if last == token {
			return true
		}
	}
	return false
}

func (s *Session) recordToken(userID uint64, token string) {
	if token == "" {
		return
	}
	s.lastTokenMu.Lock()
	s.lastToken[userID] = token
	s.lastTokenMu.Unlock()
}

// ApplyEdit transforms a client-submitted operation against every operation
// it had not yet seen (per spec.md §4.2's server algorithm), applies it to
// the document, transforms every connected user's live selection through
// it, and appends it to history.
func (s *Session) ApplyEdit(userID uint64, revision int, operation *ot.OperationSeq, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastEditTime.Store(time.Now().Unix())

	currentLen := len(s.state.Operations)
	if revision < 0 || revision > currentLen {
		return fmt.Errorf("%w: got %d, current is %d", ot.ErrRevisionOutOfRange, revision, currentLen)
	}

	transformed := operation
	for _, hist := range s.state.Operations[revision:] {
		aPrime, _, err := ot.Transform(transformed, hist.Operation)
		if err != nil {
			return fmt.Errorf("transform: %w", err)
		}
		transformed = aPrime
	}

	if transformed.TargetLen() > s.maxDocumentSize {
		return fmt.Errorf("target length %d exceeds maximum of %d runes", transformed.TargetLen(), s.maxDocumentSize)
	}

	newText, err := transformed.Apply(s.state.Text)
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}

	logger.Debug("ApplyEdit: user=%d revision=%d/%d op(base=%d,target=%d)",
		userID, revision, currentLen, transformed.BaseLen(), transformed.TargetLen())

	for id, sel := range s.state.Selections {
		s.state.Selections[id] = sel.Transform(transformed)
	}

	s.state.Operations = append(s.state.Operations, protocol.UserOperation{ID: userID, Operation: transformed})
	s.state.Text = newText
	s.recordToken(userID, token)

	if !s.killed.Load() {
		close(s.notify)
		s.notify = make(chan struct{})
	}

	return nil
}

// SetLanguage sets the document's syntax highlighting language and
// broadcasts the change.
func (s *Session) SetLanguage(lang string, userID uint64, userName string) {
	s.mu.Lock()
	s.state.Language = &lang
	s.mu.Unlock()

	s.lastEditTime.Store(time.Now().Unix())
	s.broadcast(protocol.NewLanguageMsg(lang, userID, userName))
}

// SetOTP updates the OTP and broadcasts the change to every connected
// client. Passing nil disables protection.
func (s *Session) SetOTP(otp *string, userID uint64, userName string) {
	s.mu.Lock()
	s.state.OTP = otp
	s.mu.Unlock()

	s.lastCriticalWrite.Store(time.Now().Unix())
	s.broadcast(protocol.NewOTPMsg(otp, userID, userName))
}

// SetUserInfo records userID's display info and broadcasts it.
func (s *Session) SetUserInfo(userID uint64, info protocol.UserInfo) {
	s.mu.Lock()
	s.state.Users[userID] = info
	s.mu.Unlock()

	s.broadcast(protocol.NewUserInfoMsg(userID, &info))
}

// SetSelection records userID's live selection and broadcasts it.
func (s *Session) SetSelection(userID uint64, sel *ot.Selection) {
	s.mu.Lock()
	s.state.Selections[userID] = sel
	s.mu.Unlock()

	s.broadcast(protocol.NewUserCursorMsg(userID, protocol.CursorData{Selection: sel}))
}

// RemoveUser disconnects userID: its presence and selection are dropped,
// its metadata channel is closed, and peers are told it left.
func (s *Session) RemoveUser(userID uint64) {
	s.mu.Lock()
	delete(s.state.Users, userID)
	delete(s.state.Selections, userID)
	s.mu.Unlock()

	s.Unsubscribe(userID)
	s.broadcast(protocol.NewUserInfoMsg(userID, nil))
}
