package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/syncpad/syncpad/internal/protocol"
	"github.com/syncpad/syncpad/pkg/logger"
)

// Connection drives a single client's WebSocket lifecycle against a Session:
// it sends the initial catch-up state, relays metadata broadcasts, and
// applies whatever the client sends until the socket closes.
type Connection struct {
	userID       uint64
	sessionID    string // opaque correlation id for log lines, one per connection
	session      *Session
	conn         *websocket.Conn
	ctx          context.Context
	cancel       context.CancelFunc
	sendMu       sync.Mutex
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConnection creates a connection handler for a newly accepted socket.
func NewConnection(session *Session, conn *websocket.Conn, readTimeout, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		userID:       session.NextUserID(),
		sessionID:    uuid.NewString(),
		session:      session,
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Handle runs the connection until the socket closes or ctx is canceled. A
// client that never sends anything still needs to receive other users'
// edits, so catching up on history runs on its own goroutine (woken by the
// session's NotifyChannel) rather than being interleaved with reading the
// client's own messages.
func (c *Connection) Handle(ctx context.Context) error {
	defer c.cleanup()

	logger.Info("connection: user=%d session=%s", c.userID, c.sessionID)

	revision, err := c.sendInitial()
	if err != nil {
		return fmt.Errorf("send initial: %w", err)
	}

	metadata := c.session.Subscribe(c.userID)
	relayDone := make(chan struct{})
	go c.relayMetadata(metadata, relayDone)

	historyErr := make(chan error, 1)
	go c.watchHistory(ctx, revision, historyErr)

	readErr := make(chan error, 1)
	go c.readLoop(ctx, readErr)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	case err := <-historyErr:
		return err
	case err := <-readErr:
		return err
	}
}

// watchHistory wakes on every operation the session accepts and forwards
// whatever this connection hasn't seen yet, independent of whether the
// client itself has sent anything.
func (c *Connection) watchHistory(ctx context.Context, revision int, errCh chan<- error) {
	for {
		ch := c.session.NotifyChannel()
		select {
		case <-ctx.Done():
			errCh <- nil
			return
		case <-c.ctx.Done():
			errCh <- nil
			return
		case <-ch:
		}

		if c.session.Killed() {
			errCh <- nil
			return
		}
		if c.session.Revision() <= revision {
			continue
		}
		newRev, err := c.sendHistory(revision)
		if err != nil {
			errCh <- fmt.Errorf("send history: %w", err)
			return
		}
		revision = newRev
	}
}

// readLoop blocks on incoming client messages and applies them until the
// socket closes or ctx is canceled.
func (c *Connection) readLoop(ctx context.Context, errCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			errCh <- nil
			return
		case <-c.ctx.Done():
			errCh <- nil
			return
		default:
		}

		readCtx, readCancel := context.WithTimeout(ctx, c.readTimeout)
		var msg protocol.ClientMsg
		err := wsjson.Read(readCtx, c.conn, &msg)
		readCancel()
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				errCh <- nil
				return
			}
			errCh <- fmt.Errorf("read message: %w", err)
			return
		}

		if err := c.handleMessage(&msg); err != nil {
			logger.Error("user %d: %v", c.userID, err)
			errCh <- err
			return
		}
	}
}

// sendInitial sends Identity, history, language, presence, and selections
// to a newly connected client and returns the revision it is now caught up
// to.
func (c *Connection) sendInitial() (int, error) {
	if err := c.send(protocol.NewIdentityMsg(c.userID)); err != nil {
		return 0, err
	}

	ops, lang, users, cursors := c.session.InitialState()

	if len(ops) > 0 {
		if err := c.send(protocol.NewHistoryMsg(0, ops)); err != nil {
			return 0, err
		}
	}

	if lang != nil {
		if err := c.send(protocol.NewLanguageMsg(*lang, protocol.SystemUserID, "")); err != nil {
			return 0, err
		}
	}

	for id, info := range users {
		infoCopy := info
		if err := c.send(protocol.NewUserInfoMsg(id, &infoCopy)); err != nil {
			return 0, err
		}
	}

	for id, data := range cursors {
		if err := c.send(protocol.NewUserCursorMsg(id, data)); err != nil {
			return 0, err
		}
	}

	return len(ops), nil
}

// sendHistory sends operations from start onward and returns the new caught-up revision.
func (c *Connection) sendHistory(start int) (int, error) {
	ops := c.session.History(start)
	if len(ops) == 0 {
		return start, nil
	}
	if err := c.send(protocol.NewHistoryMsg(start, ops)); err != nil {
		return start, err
	}
	return start + len(ops), nil
}

func (c *Connection) handleMessage(msg *protocol.ClientMsg) error {
	switch {
	case msg.Edit != nil:
		if c.session.IsDuplicateToken(c.userID, msg.Edit.Token) {
			logger.Debug("user %d: dropping resent edit token=%s", c.userID, msg.Edit.Token)
			return nil
		}
		if err := c.session.ApplyEdit(c.userID, msg.Edit.Revision, msg.Edit.Operation, msg.Edit.Token); err != nil {
			return fmt.Errorf("apply edit: %w", err)
		}
	case msg.SetLanguage != nil:
		c.session.SetLanguage(*msg.SetLanguage, c.userID, c.session.DisplayName(c.userID))
	case msg.ClientInfo != nil:
		c.session.SetUserInfo(c.userID, *msg.ClientInfo)
	case msg.CursorData != nil && msg.CursorData.Selection != nil:
		c.session.SetSelection(c.userID, msg.CursorData.Selection)
	}
	return nil
}

// relayMetadata forwards the session's metadata broadcasts to this
// connection's socket until the channel is closed (session killed) or the
// connection's own context ends.
func (c *Connection) relayMetadata(metadata <-chan *protocol.ServerMsg, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-metadata:
			if !ok {
				return
			}
			if err := c.send(msg); err != nil {
				logger.Error("broadcasting to user %d: %v", c.userID, err)
				c.cancel()
				return
			}
		}
	}
}

func (c *Connection) send(msg *protocol.ServerMsg) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	writeCtx, writeCancel := context.WithTimeout(c.ctx, c.writeTimeout)
	defer writeCancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *Connection) cleanup() {
	logger.Info("disconnection: user=%d session=%s", c.userID, c.sessionID)
	c.session.RemoveUser(c.userID)
	c.cancel()
}
