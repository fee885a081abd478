package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/syncpad/syncpad/internal/protocol"
	"github.com/syncpad/syncpad/pkg/database"
	"github.com/syncpad/syncpad/pkg/ot"
)

// testServer creates a test server with an in-memory database.
func testServer(t *testing.T) *Server {
	t.Helper()

	db, err := database.New(":memory:")
	require.NoError(t, err, "failed to create test database")

	t.Cleanup(func() {
		db.Close()
	})

	// Create server with test-friendly settings
	const maxDocumentSize = 256 * 1024
	const broadcastBufferSize = 256
	const wsReadTimeout = 5 * time.Minute
	const wsWriteTimeout = 5 * time.Second

	return NewServer(db, maxDocumentSize, broadcastBufferSize, wsReadTimeout, wsWriteTimeout)
}

// testServerNoDb creates a test server without a database.
func testServerNoDb(t *testing.T) *Server {
	t.Helper()

	// Create server with test-friendly settings
	const maxDocumentSize = 256 * 1024
	const broadcastBufferSize = 256
	const wsReadTimeout = 5 * time.Minute
	const wsWriteTimeout = 5 * time.Second

	return NewServer(nil, maxDocumentSize, broadcastBufferSize, wsReadTimeout, wsWriteTimeout)
}

// connectWebSocket establishes a WebSocket connection to a test server.
func connectWebSocket(t *testing.T, server *httptest.Server, docID string, otp string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/socket/" + docID
	if otp != "" {
		url += "?otp=" + otp
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err, "failed to connect WebSocket")

	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
	})

	return conn
}

// readServerMsg reads a message from the WebSocket and returns the parsed ServerMsg.
func readServerMsg(t *testing.T, conn *websocket.Conn) *protocol.ServerMsg {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var msg protocol.ServerMsg
	require.NoError(t, wsjson.Read(ctx, conn, &msg), "failed to read message")

	return &msg
}

// sendClientMsg sends a ClientMsg to the server.
func sendClientMsg(t *testing.T, conn *websocket.Conn, msg *protocol.ClientMsg) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, wsjson.Write(ctx, conn, msg), "failed to send message")
}

// TestSingleUserConnection tests that a single user can connect and receive initial state.
func TestSingleUserConnection(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	// Connect client
	conn := connectWebSocket(t, ts, "test123", "")

	// Read Identity message
	msg := readServerMsg(t, conn)
	require.NotNil(t, msg.Identity, "expected Identity message, got %+v", msg)
	assert.Equal(t, uint64(0), *msg.Identity, "expected first user to get ID 0")

	// For a new document, we shouldn't receive a History message (empty document)
	// The connection should be waiting for operations
}

// TestMultipleUsersConnection tests that multiple users can connect to the same document.
func TestMultipleUsersConnection(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	// Connect first client
	conn1 := connectWebSocket(t, ts, "test123", "")
	msg1 := readServerMsg(t, conn1)
	require.NotNil(t, msg1.Identity, "expected first user Identity, got %+v", msg1)
	assert.Equal(t, uint64(0), *msg1.Identity, "expected first user to get ID 0")

	// Connect second client
	conn2 := connectWebSocket(t, ts, "test123", "")
	msg2 := readServerMsg(t, conn2)
	require.NotNil(t, msg2.Identity, "expected second user Identity, got %+v", msg2)
	assert.Equal(t, uint64(1), *msg2.Identity, "expected second user to get ID 1")
}

// TestEditBroadcast tests that edits are broadcast to all connected users.
func TestEditBroadcast(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	// Connect two clients
	conn1 := connectWebSocket(t, ts, "test123", "")
	readServerMsg(t, conn1) // Read Identity for client 1

	conn2 := connectWebSocket(t, ts, "test123", "")
	readServerMsg(t, conn2) // Read Identity for client 2

	// Client 1 sends an edit
	op := ot.NewOperationSeq()
	op.Insert("hello")

	sendClientMsg(t, conn1, &protocol.ClientMsg{
		Edit: &protocol.EditMsg{
			Revision:  0,
			Operation: op,
		},
	})

	// Both clients should receive the History message
	msg1 := readServerMsg(t, conn1)
	msg2 := readServerMsg(t, conn2)

	require.NotNil(t, msg1.History, "client 1 expected History message, got %+v", msg1)
	require.NotNil(t, msg2.History, "client 2 expected History message, got %+v", msg2)

	assert.Len(t, msg1.History.Operations, 1, "client 1 expected 1 operation")
	assert.Len(t, msg2.History.Operations, 1, "client 2 expected 1 operation")
}

// TestLanguageBroadcast tests that language changes are broadcast to all users.
func TestLanguageBroadcast(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	// Connect two clients
	conn1 := connectWebSocket(t, ts, "test123", "")
	readServerMsg(t, conn1) // Read Identity

	// Set client info for client 1
	sendClientMsg(t, conn1, &protocol.ClientMsg{
		ClientInfo: &protocol.UserInfo{
			Name: "Alice",
			Hue:  120,
		},
	})
	readServerMsg(t, conn1) // Read UserInfo broadcast

	conn2 := connectWebSocket(t, ts, "test123", "")
	readServerMsg(t, conn2) // Read Identity
	readServerMsg(t, conn2) // Read UserInfo for existing user

	// Client 1 changes language
	lang := "javascript"
	sendClientMsg(t, conn1, &protocol.ClientMsg{
		SetLanguage: &lang,
	})

	// Both clients should receive the Language broadcast
	msg1 := readServerMsg(t, conn1)
	msg2 := readServerMsg(t, conn2)

	require.NotNil(t, msg1.Language, "client 1 expected Language message, got %+v", msg1)
	require.NotNil(t, msg2.Language, "client 2 expected Language message, got %+v", msg2)

	assert.Equal(t, "javascript", msg1.Language.Language)
	assert.Equal(t, "javascript", msg2.Language.Language)

	assert.Equal(t, uint64(0), msg1.Language.UserID)
	assert.Equal(t, "Alice", msg1.Language.UserName)
}

// TestOTPProtection tests the OTP protection flow.
func TestOTPProtection(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	docID := "protected-doc"

	// Connect client without OTP (should succeed for unprotected document)
	conn1 := connectWebSocket(t, ts, docID, "")
	msg := readServerMsg(t, conn1)
	require.NotNil(t, msg.Identity, "expected Identity message, got %+v", msg)
	assert.Equal(t, uint64(0), *msg.Identity)

	// Send ClientInfo to register in session
	sendClientMsg(t, conn1, &protocol.ClientMsg{
		ClientInfo: &protocol.UserInfo{
			Name: "Alice",
			Hue:  0,
		},
	})
	readServerMsg(t, conn1) // Read UserInfo broadcast

	// Enable OTP protection via REST API
	reqBody := `{"user_id": 0, "user_name": "Alice"}`
	resp, err := http.Post(ts.URL+"/api/document/"+docID+"/protect", "application/json", strings.NewReader(reqBody))
	require.NoError(t, err, "failed to protect document")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var protectResp struct {
		OTP string `json:"otp"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&protectResp))
	require.NotEmpty(t, protectResp.OTP, "expected non-empty OTP")

	// Client 1 should receive OTP broadcast
	otpMsg := readServerMsg(t, conn1)
	require.NotNil(t, otpMsg.OTP, "expected OTP broadcast, got %+v", otpMsg)
	require.NotNil(t, otpMsg.OTP.OTP)
	assert.Equal(t, protectResp.OTP, *otpMsg.OTP.OTP)

	// Close first connection
	conn1.Close(websocket.StatusNormalClosure, "")

	// Try connecting without OTP (should fail)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/socket/" + docID
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err = websocket.Dial(ctx, url, nil)
	require.Error(t, err, "expected connection to fail without OTP")
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	// Connect with wrong OTP (should fail)
	url = "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/socket/" + docID + "?otp=wrong"
	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err = websocket.Dial(ctx, url, nil)
	require.Error(t, err, "expected connection to fail with wrong OTP")
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	// Connect with correct OTP (should succeed)
	conn2 := connectWebSocket(t, ts, docID, protectResp.OTP)
	msg2 := readServerMsg(t, conn2)
	require.NotNil(t, msg2.Identity, "expected Identity message, got %+v", msg2)
}

// TestOTPColdStart tests that OTP validation works for documents loaded from DB.
func TestOTPColdStart(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	docID := "cold-start-doc"

	// Connect and protect document
	conn1 := connectWebSocket(t, ts, docID, "")
	readServerMsg(t, conn1) // Read Identity

	// Send ClientInfo to register in session
	sendClientMsg(t, conn1, &protocol.ClientMsg{
		ClientInfo: &protocol.UserInfo{
			Name: "Bob",
			Hue:  60,
		},
	})
	readServerMsg(t, conn1) // Read UserInfo broadcast

	// Enable OTP
	reqBody := `{"user_id": 0, "user_name": "Bob"}`
	resp, err := http.Post(ts.URL+"/api/document/"+docID+"/protect", "application/json", strings.NewReader(reqBody))
	require.NoError(t, err, "failed to protect document")
	defer resp.Body.Close()

	var protectResp struct {
		OTP string `json:"otp"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&protectResp))

	// Close connection to evict from memory
	conn1.Close(websocket.StatusNormalClosure, "")

	// Wait for document to be flushed
	time.Sleep(100 * time.Millisecond)

	// Force evict from memory by accessing server state
	server.state.documents.Delete(docID)

	// Try connecting without OTP (should fail - cold start validation)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/socket/" + docID
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, httpResp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err, "expected connection to fail without OTP on cold start")
	if httpResp != nil {
		assert.Equal(t, http.StatusUnauthorized, httpResp.StatusCode)
	}

	// Connect with correct OTP (should succeed and load from DB)
	conn2 := connectWebSocket(t, ts, docID, protectResp.OTP)
	msg := readServerMsg(t, conn2)
	require.NotNil(t, msg.Identity, "expected Identity message on cold start, got %+v", msg)
}

// TestUnprotectDocument tests removing OTP protection.
func TestUnprotectDocument(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	docID := "unprotect-test"

	// Connect and protect document
	conn := connectWebSocket(t, ts, docID, "")
	readServerMsg(t, conn) // Read Identity

	// Send ClientInfo to register in session
	sendClientMsg(t, conn, &protocol.ClientMsg{
		ClientInfo: &protocol.UserInfo{
			Name: "Charlie",
			Hue:  180,
		},
	})
	readServerMsg(t, conn) // Read UserInfo broadcast

	// Enable OTP
	reqBody := `{"user_id": 0, "user_name": "Charlie"}`
	resp, err := http.Post(ts.URL+"/api/document/"+docID+"/protect", "application/json", strings.NewReader(reqBody))
	require.NoError(t, err, "failed to protect document")
	defer resp.Body.Close()

	var protectResp struct {
		OTP string `json:"otp"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&protectResp))
	otp := protectResp.OTP

	// Read OTP broadcast
	readServerMsg(t, conn)

	// Disable OTP
	unprotectBody := `{"user_id": 0, "user_name": "Charlie", "otp": "` + otp + `"}`
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/document/"+docID+"/protect", strings.NewReader(unprotectBody))
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{}
	resp, err = client.Do(req)
	require.NoError(t, err, "failed to unprotect document")
	defer resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Client should receive OTP broadcast with nil
	otpMsg := readServerMsg(t, conn)
	require.NotNil(t, otpMsg.OTP, "expected OTP broadcast, got %+v", otpMsg)
	assert.Nil(t, otpMsg.OTP.OTP, "expected nil OTP")

	// Close and reconnect without OTP (should succeed)
	conn.Close(websocket.StatusNormalClosure, "")

	conn2 := connectWebSocket(t, ts, docID, "")
	msg := readServerMsg(t, conn2)
	require.NotNil(t, msg.Identity, "expected to connect without OTP after unprotect, got %+v", msg)
}

// TestCursorBroadcast tests that cursor updates are broadcast.
func TestCursorBroadcast(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	// Connect two clients
	conn1 := connectWebSocket(t, ts, "cursor-test", "")
	readServerMsg(t, conn1) // Read Identity

	conn2 := connectWebSocket(t, ts, "cursor-test", "")
	readServerMsg(t, conn2) // Read Identity

	// Client 1 sends cursor data: a cursor at 5 and a selection from 0 to 5
	sendClientMsg(t, conn1, &protocol.ClientMsg{
		CursorData: &protocol.CursorData{
			Selection: ot.NewSelection(ot.Cursor(5), ot.NewRange(0, 5)),
		},
	})

	// Both clients should receive the UserCursor broadcast
	msg1 := readServerMsg(t, conn1)
	msg2 := readServerMsg(t, conn2)

	require.NotNil(t, msg1.UserCursor, "client 1 expected UserCursor message, got %+v", msg1)
	require.NotNil(t, msg2.UserCursor, "client 2 expected UserCursor message, got %+v", msg2)

	assert.Equal(t, uint64(0), msg1.UserCursor.ID)
	ranges := msg1.UserCursor.Data.Selection.Ranges
	require.Len(t, ranges, 2)
	assert.Equal(t, ot.Cursor(5), ranges[0], "expected a cursor at position 5")
}

// TestUserInfoBroadcast tests that user info updates are broadcast.
func TestUserInfoBroadcast(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	// Connect two clients
	conn1 := connectWebSocket(t, ts, "userinfo-test", "")
	readServerMsg(t, conn1) // Read Identity

	conn2 := connectWebSocket(t, ts, "userinfo-test", "")
	readServerMsg(t, conn2) // Read Identity

	// Client 1 sends user info
	sendClientMsg(t, conn1, &protocol.ClientMsg{
		ClientInfo: &protocol.UserInfo{
			Name: "TestUser",
			Hue:  180,
		},
	})

	// Both clients should receive the UserInfo broadcast
	msg1 := readServerMsg(t, conn1)
	msg2 := readServerMsg(t, conn2)

	require.NotNil(t, msg1.UserInfo, "client 1 expected UserInfo message, got %+v", msg1)
	require.NotNil(t, msg2.UserInfo, "client 2 expected UserInfo message, got %+v", msg2)

	assert.Equal(t, uint64(0), msg1.UserInfo.ID)
	require.NotNil(t, msg1.UserInfo.Info)
	assert.Equal(t, "TestUser", msg1.UserInfo.Info.Name)
}

// TestConcurrentEdits tests that concurrent edits from multiple users converge.
func TestConcurrentEdits(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	// Connect two clients
	conn1 := connectWebSocket(t, ts, "concurrent-test", "")
	readServerMsg(t, conn1) // Read Identity (user 0)

	conn2 := connectWebSocket(t, ts, "concurrent-test", "")
	readServerMsg(t, conn2) // Read Identity (user 1)

	// Client 1 inserts "hello"
	op1 := ot.NewOperationSeq()
	op1.Insert("hello")
	sendClientMsg(t, conn1, &protocol.ClientMsg{
		Edit: &protocol.EditMsg{
			Revision:  0,
			Operation: op1,
		},
	})

	// Read broadcasts
	readServerMsg(t, conn1) // History for client 1
	readServerMsg(t, conn2) // History for client 2

	// Client 2 inserts " world" at the end
	op2 := ot.NewOperationSeq()
	op2.Retain(5)
	op2.Insert(" world")
	sendClientMsg(t, conn2, &protocol.ClientMsg{
		Edit: &protocol.EditMsg{
			Revision:  1,
			Operation: op2,
		},
	})

	// Read final broadcasts
	readServerMsg(t, conn1)
	readServerMsg(t, conn2)

	// Verify final document text
	val, ok := server.state.documents.Load("concurrent-test")
	require.True(t, ok, "document not found in server state")
	doc := val.(*Document)
	assert.Equal(t, "hello world", doc.Session.Text())
}

// TestStatsEndpoint tests the /api/stats endpoint.
func TestStatsEndpoint(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	// Connect a client to create a document
	conn := connectWebSocket(t, ts, "stats-test", "")
	readServerMsg(t, conn) // Read Identity

	// Request stats
	resp, err := http.Get(ts.URL + "/api/stats")
	require.NoError(t, err, "failed to get stats")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))

	assert.Equal(t, 1, stats.NumDocuments, "expected 1 active document")
	assert.NotZero(t, stats.StartTime, "expected non-zero start time")
}

// TestServerWithoutDatabase tests that server works without a database.
func TestServerWithoutDatabase(t *testing.T) {
	server := testServerNoDb(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	// Connect client
	conn := connectWebSocket(t, ts, "no-db-test", "")
	msg := readServerMsg(t, conn)

	require.NotNil(t, msg.Identity, "expected Identity message, got %+v", msg)

	// Send an edit
	op := ot.NewOperationSeq()
	op.Insert("test")
	sendClientMsg(t, conn, &protocol.ClientMsg{
		Edit: &protocol.EditMsg{
			Revision:  0,
			Operation: op,
		},
	})

	// Should receive History
	histMsg := readServerMsg(t, conn)
	require.NotNil(t, histMsg.History, "expected History message, got %+v", histMsg)

	// Try to protect document (should fail - no DB)
	reqBody := `{"user_id": 0, "user_name": "Test"}`
	resp, err := http.Post(ts.URL+"/api/document/no-db-test/protect", "application/json", strings.NewReader(reqBody))
	require.NoError(t, err, "failed to call protect endpoint")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "expected 503 without database")
}

// TestInvalidDocumentID tests that requests with empty document IDs are rejected.
func TestInvalidDocumentID(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	// Try connecting without document ID
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/socket/"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err, "expected connection to fail with empty document ID")
	if resp != nil {
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
}

// TestInvalidRevision tests that edits with invalid revision numbers are rejected.
func TestInvalidRevision(t *testing.T) {
	server := testServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	// Connect client
	conn := connectWebSocket(t, ts, "invalid-rev", "")
	readServerMsg(t, conn) // Read Identity

	// Send edit with future revision
	op := ot.NewOperationSeq()
	op.Insert("test")
	sendClientMsg(t, conn, &protocol.ClientMsg{
		Edit: &protocol.EditMsg{
			Revision:  999, // Invalid future revision
			Operation: op,
		},
	})

	// Connection should be closed due to error
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var msg protocol.ServerMsg
	err := wsjson.Read(ctx, conn, &msg)
	assert.Error(t, err, "expected connection to close due to invalid revision")
}
