package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"folio/api/internal/chat"
	"folio/api/internal/identity"
)

const (
	sendQueueSize  = 128
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 10
)

// Actions a live client may send.
const (
	actionSend           = "send"
	actionTogglePin      = "togglePin"
	actionDelete         = "delete"
	actionSetReplyTarget = "setReplyTarget"
	actionSetDraft       = "setDraft"
	actionSignIn         = "signIn"
	actionSignOut        = "signOut"
	actionOpen           = "open"
)

type clientAction struct {
	Action     string `json:"action"`
	RequestID  string `json:"requestId,omitempty"`
	Text       string `json:"text,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
	ReplyToID  string `json:"replyToId,omitempty"`
	Credential string `json:"credential,omitempty"`
}

type viewMessage struct {
	Type string         `json:"type"`
	View chat.ViewModel `json:"view"`
}

type resultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type resultMessage struct {
	Type      string       `json:"type"`
	Action    string       `json:"action"`
	RequestID string       `json:"requestId,omitempty"`
	OK        bool         `json:"ok"`
	Error     *resultError `json:"error,omitempty"`
	Session   *AuthSession `json:"session,omitempty"`
}

func (s *HTTPServer) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	sess, err := s.service.Resolve(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	live := s.service.newLiveConn(conn)
	live.logger.Info("connected", zap.Bool("authenticated", sess != nil))
	if sess != nil {
		live.adapter.Restore(sess.Principal)
		live.setSession(token, sess.ExpiresAt)
	}
	live.run(r.Context())
	live.logger.Info("disconnected")
}

// liveConn is one websocket client driving its own chat engine.
type liveConn struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	closed  atomic.Int32
	logger  *zap.Logger
	service *Service
	adapter *identity.Adapter
	engine  *chat.Engine

	mu     sync.Mutex
	token  string
	expiry *time.Timer
}

func (s *Service) newLiveConn(conn *websocket.Conn) *liveConn {
	id := uuid.NewString()
	adapter := identity.NewAdapter(s.verifier)
	return &liveConn{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
		logger:  s.logger.With(zap.String("conn_id", id)),
		service: s,
		adapter: adapter,
		engine:  s.newEngine(adapter),
	}
}

func (c *liveConn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writeLoop()

	if err := c.engine.Open(ctx); err != nil {
		c.trySend(c.result(clientAction{Action: actionOpen}, err))
	}
	unwatch := c.engine.Watch(c.pushView)

	c.readLoop(ctx)

	unwatch()
	c.stopExpiry()
	c.service.release(c.engine)
	c.close(websocket.CloseNormalClosure, "server closing")
}

func (c *liveConn) pushView(view chat.ViewModel) {
	c.trySend(viewMessage{Type: "view", View: view})
}

// trySend never blocks. A client that cannot keep up is disconnected.
func (c *liveConn) trySend(payload any) bool {
	if c.closed.Load() == 1 {
		return false
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("encode outbound message", zap.Error(err))
		return false
	}
	select {
	case c.send <- raw:
		return true
	default:
		c.logger.Warn("backpressure overflow, dropping connection")
		c.close(websocket.CloseInternalServerErr, "backpressure overflow")
		return false
	}
}

func (c *liveConn) close(code int, reason string) {
	if !c.closed.CompareAndSwap(0, 1) {
		return
	}
	close(c.done)
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.conn.Close()
}

func (c *liveConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close(websocket.CloseNormalClosure, "server closing")
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *liveConn) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read loop error", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var action clientAction
		if err := json.Unmarshal(raw, &action); err != nil {
			c.trySend(resultMessage{
				Type:  "result",
				Error: &resultError{Code: "INVALID_BODY", Message: "invalid JSON body"},
			})
			continue
		}
		c.trySend(c.handle(ctx, action))
	}
}

func (c *liveConn) handle(ctx context.Context, action clientAction) resultMessage {
	var (
		err     error
		session *AuthSession
	)
	switch action.Action {
	case actionSend:
		err = c.sendMessage(ctx, action)
	case actionTogglePin:
		err = c.engine.TogglePin(ctx, action.MessageID)
	case actionDelete:
		err = c.engine.Delete(ctx, action.MessageID)
	case actionSetReplyTarget:
		err = c.setReplyTarget(action.MessageID)
	case actionSetDraft:
		c.engine.SetDraft(action.Text)
	case actionSignIn:
		session, err = c.signIn(ctx, action.Credential)
	case actionSignOut:
		err = c.signOut(ctx)
	default:
		err = domainError(http.StatusBadRequest, "UNKNOWN_ACTION", "unknown action "+action.Action, nil)
	}
	result := c.result(action, err)
	result.Session = session
	return result
}

func (c *liveConn) result(action clientAction, err error) resultMessage {
	result := resultMessage{Type: "result", Action: action.Action, RequestID: action.RequestID, OK: err == nil}
	if err != nil {
		status, code, message, _ := mapError(err)
		if status >= http.StatusInternalServerError {
			c.logger.Error("action failed", zap.String("action", action.Action), zap.Error(err))
		}
		result.Error = &resultError{Code: code, Message: message}
	}
	return result
}

func (c *liveConn) sendMessage(ctx context.Context, action clientAction) error {
	target := c.engine.ReplyTarget()
	if id := strings.TrimSpace(action.ReplyToID); id != "" {
		found, ok := c.engine.FindMessage(id)
		if !ok {
			return domainError(http.StatusUnprocessableEntity, string(chat.KindValidation), "unknown reply target", map[string]any{"replyToId": id})
		}
		target = &found
	}
	if err := c.service.chargeSend(c.adapter.CurrentUser(), action.Text); err != nil {
		return err
	}
	return c.engine.Send(ctx, action.Text, target)
}

func (c *liveConn) setReplyTarget(id string) error {
	if strings.TrimSpace(id) == "" {
		c.engine.SetReplyTarget(nil)
		return nil
	}
	target, ok := c.engine.FindMessage(id)
	if !ok {
		return domainError(http.StatusUnprocessableEntity, string(chat.KindValidation), "unknown message "+id, nil)
	}
	c.engine.SetReplyTarget(&target)
	return nil
}

func (c *liveConn) signIn(ctx context.Context, credential string) (*AuthSession, error) {
	principal, err := c.engine.SignIn(ctx, credential)
	if err != nil {
		return nil, err
	}
	auth, err := c.service.openSession(ctx, principal)
	if err != nil {
		_ = c.engine.SignOut(ctx)
		return nil, err
	}
	c.revokeCurrent(ctx)
	c.setSession(auth.Token, auth.ExpiresAt)
	return &auth, nil
}

func (c *liveConn) signOut(ctx context.Context) error {
	c.revokeCurrent(ctx)
	c.stopExpiry()
	return c.engine.SignOut(ctx)
}

// revokeCurrent drops the server session this connection signed in with.
func (c *liveConn) revokeCurrent(ctx context.Context) {
	c.mu.Lock()
	token := c.token
	c.token = ""
	c.mu.Unlock()
	if token == "" {
		return
	}
	if err := c.service.sessions.RevokeSession(ctx, token); err != nil {
		c.logger.Warn("revoke session failed", zap.Error(err))
	}
}

// setSession signs the connection out when the session lapses.
func (c *liveConn) setSession(token string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expiry != nil {
		c.expiry.Stop()
	}
	c.token = token
	c.expiry = time.AfterFunc(time.Until(expiresAt), func() {
		c.mu.Lock()
		if c.token != token {
			c.mu.Unlock()
			return
		}
		c.token = ""
		c.mu.Unlock()
		c.logger.Info("session expired")
		c.adapter.Expire()
	})
}

func (c *liveConn) stopExpiry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expiry != nil {
		c.expiry.Stop()
		c.expiry = nil
	}
}
