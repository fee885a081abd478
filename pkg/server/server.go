package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/syncpad/syncpad/internal/protocol"
	"github.com/syncpad/syncpad/pkg/database"
	"github.com/syncpad/syncpad/pkg/logger"
	"github.com/syncpad/syncpad/pkg/ot"
)

// Document pairs a live Session with the wall-clock time it was last
// touched, so the cleaner can find documents nobody has used in a while.
type Document struct {
	LastAccessed time.Time
	Session      *Session
}

// ServerState holds everything shared across every HTTP/WebSocket request:
// the in-memory document map and an optional database for persistence
// across restarts.
type ServerState struct {
	documents sync.Map // map[string]*Document
	startTime time.Time
	db        *database.Database
}

// Stats summarizes server-wide counters for /api/stats.
type Stats struct {
	StartTime    int64 `json:"start_time"`
	NumDocuments int   `json:"num_documents"`
	DatabaseSize int   `json:"database_size"`
}

// Server is the HTTP front end: it routes WebSocket upgrades and the
// document-management REST endpoints to Session operations.
type Server struct {
	state *ServerState
	mux   *http.ServeMux

	maxDocumentSize     int
	broadcastBufferSize int
	wsReadTimeout       time.Duration
	wsWriteTimeout      time.Duration
}

// NewServer creates an HTTP server. db may be nil, in which case documents
// live only in memory and OTP protection is unavailable (protect/unprotect
// return 503).
func NewServer(db *database.Database, maxDocumentSize, broadcastBufferSize int, wsReadTimeout, wsWriteTimeout time.Duration) *Server {
	s := &Server{
		state:               &ServerState{startTime: time.Now(), db: db},
		mux:                 http.NewServeMux(),
		maxDocumentSize:     maxDocumentSize,
		broadcastBufferSize: broadcastBufferSize,
		wsReadTimeout:       wsReadTimeout,
		wsWriteTimeout:      wsWriteTimeout,
	}

	s.mux.HandleFunc("/api/socket/", s.handleSocket)
	s.mux.HandleFunc("/api/text/", s.handleText)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/document/", s.handleDocument)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleSocket upgrades a client to a WebSocket and hands it off to a
// Connection. Route: /api/socket/{id}[?otp=...]
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/socket/")
	if id == "" {
		http.Error(w, "document ID required", http.StatusBadRequest)
		return
	}

	doc := s.getOrCreateDocument(id)
	doc.LastAccessed = time.Now()

	if want := doc.Session.OTP(); want != nil {
		if !ValidateOTP(*want, r.URL.Query().Get("otp")) {
			http.Error(w, "invalid otp", http.StatusUnauthorized)
			return
		}
	}

	if s.state.db != nil {
		go s.persister(r.Context(), id, doc.Session)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		logger.Error("websocket upgrade failed: %v", err)
		return
	}

	handler := NewConnection(doc.Session, conn, s.wsReadTimeout, s.wsWriteTimeout)
	if err := handler.Handle(r.Context()); err != nil {
		logger.Debug("connection %s ended: %v", id, err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// handleText returns the current document text as plain text, or — on PUT —
// ingests a whole replacement text as a diffed system edit. Route:
// GET/PUT /api/text/{id}
func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/text/")
	if id == "" {
		http.Error(w, "document ID required", http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodPut {
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(s.maxDocumentSize)*4))
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}
		doc := s.getOrCreateDocument(id)
		if err := s.ingestRawText(doc.Session, string(body)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if val, ok := s.state.documents.Load(id); ok {
		w.Write([]byte(val.(*Document).Session.Text()))
		return
	}

	if s.state.db != nil {
		if persisted, err := s.state.db.Load(id); err == nil && persisted != nil {
			w.Write([]byte(persisted.Text))
			return
		}
	}
}

// handleStats reports active-document and persisted-document counts.
// Route: GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	numDocs := 0
	s.state.documents.Range(func(_, _ interface{}) bool {
		numDocs++
		return true
	})

	dbSize := 0
	if s.state.db != nil {
		if count, err := s.state.db.Count(); err == nil {
			dbSize = count
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Stats{
		StartTime:    s.state.startTime.Unix(),
		NumDocuments: numDocs,
		DatabaseSize: dbSize,
	})
}

// protectRequest is the body of both the protect and unprotect endpoints.
type protectRequest struct {
	UserID   uint64 `json:"user_id"`
	UserName string `json:"user_name"`
	OTP      string `json:"otp"` // required (and validated) only for unprotect
}

// handleDocument dispatches the document-management REST endpoints.
// Route: POST/DELETE /api/document/{id}/protect
func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/document/"
	const suffix = "/protect"

	path := r.URL.Path
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		http.NotFound(w, r)
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if id == "" {
		http.Error(w, "document ID required", http.StatusBadRequest)
		return
	}

	if s.state.db == nil {
		http.Error(w, "database not configured", http.StatusServiceUnavailable)
		return
	}

	var req protectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	doc := s.getOrCreateDocument(id)

	switch r.Method {
	case http.MethodPost:
		otp := GenerateOTP()
		doc.Session.SetOTP(&otp, req.UserID, req.UserName)
		s.persistNow(id, doc.Session)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"otp": otp})

	case http.MethodDelete:
		current := doc.Session.OTP()
		if current != nil && !ValidateOTP(*current, req.OTP) {
			http.Error(w, "incorrect otp", http.StatusForbidden)
			return
		}
		doc.Session.SetOTP(nil, req.UserID, req.UserName)
		s.persistNow(id, doc.Session)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// getOrCreateDocument returns the in-memory Document for id, loading it
// from the database (or creating an empty one) if it isn't already live.
func (s *Server) getOrCreateDocument(id string) *Document {
	if val, ok := s.state.documents.Load(id); ok {
		return val.(*Document)
	}

	var session *Session
	if s.state.db != nil {
		if persisted, err := s.state.db.Load(id); err == nil && persisted != nil {
			logger.Info("loaded document %s from database", id)
			session = FromPersistedDocument(persisted.Text, persisted.Language, persisted.OTP, s.maxDocumentSize, s.broadcastBufferSize)
		}
	}
	if session == nil {
		session = NewSession(s.maxDocumentSize, s.broadcastBufferSize)
	}

	doc := &Document{LastAccessed: time.Now(), Session: session}
	actual, _ := s.state.documents.LoadOrStore(id, doc)
	return actual.(*Document)
}

// StartCleaner periodically evicts documents that haven't been accessed
// within expiryDays, checking every interval.
func (s *Server) StartCleaner(ctx context.Context, expiryDays int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupExpiredDocuments(expiryDays)
		}
	}
}

func (s *Server) cleanupExpiredDocuments(expiryDays int) {
	expiry := time.Duration(expiryDays) * 24 * time.Hour
	now := time.Now()
	var stale []string

	s.state.documents.Range(func(key, value interface{}) bool {
		if now.Sub(value.(*Document).LastAccessed) > expiry {
			stale = append(stale, key.(string))
		}
		return true
	})

	for _, id := range stale {
		if val, ok := s.state.documents.LoadAndDelete(id); ok {
			logger.Info("cleaner evicting document %s", id)
			val.(*Document).Session.Kill()
		}
	}
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	logger.Info("listening on %s", addr)
	return http.ListenAndServe(addr, s)
}

// Shutdown kills every live document so their connections close cleanly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.state.documents.Range(func(_, value interface{}) bool {
		value.(*Document).Session.Kill()
		return true
	})
	return nil
}

// persister periodically flushes a document's text/language/OTP to the
// database, with jitter to avoid every document persisting in lockstep.
func (s *Server) persister(ctx context.Context, id string, session *Session) {
	if s.state.db == nil {
		return
	}

	const persistInterval = 3 * time.Second
	const persistJitter = 1 * time.Second

	lastRevision := 0

	for {
		jitter := time.Duration(rand.Int63n(int64(persistJitter)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(persistInterval + jitter):
		}

		if session.Killed() {
			return
		}

		if revision := session.Revision(); revision > lastRevision {
			if err := s.persistNow(id, session); err != nil {
				logger.Error("persisting document %s: %v", id, err)
				continue
			}
			lastRevision = revision
		}
	}
}

// persistNow writes session's current snapshot to the database immediately,
// used both by the background persister and by OTP changes (which must not
// wait out the persist interval, or a crash right after protecting a
// document would leave it unrecoverably locked).
func (s *Server) persistNow(id string, session *Session) error {
	if s.state.db == nil {
		return nil
	}
	text, language, otp := session.Snapshot()
	return s.state.db.Store(&database.PersistedDocument{
		ID:       id,
		Text:     text,
		Language: language,
		OTP:      otp,
	})
}

// ingestRawText replaces a document's text with newText, diffing against
// the current text to produce a single system-authored operation rather
// than a destructive overwrite. Used by out-of-band writers (a paste, an
// external sync tool) that only have whole-document text, not an operation.
func (s *Server) ingestRawText(session *Session, newText string) error {
	op, err := ot.FromDiff(session.Text(), newText)
	if err != nil {
		return fmt.Errorf("diff: %w", err)
	}
	if op.IsNoop() {
		return nil
	}
	return session.ApplyEdit(protocol.SystemUserID, session.Revision(), op, "")
}
