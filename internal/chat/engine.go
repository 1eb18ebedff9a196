// Package chat is the live chat engine: it keeps one view's subscription to
// the message feed, derives the view model and mediates every user action.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"folio/api/internal/feed"
	"folio/api/internal/identity"
	"folio/api/internal/notify"
	"folio/api/internal/observability"
	"folio/api/internal/rbac"
	"folio/api/internal/store"
)

const (
	DefaultLimit        = 100
	notificationTimeout = 30 * time.Second
)

// MessageFeed is the live message store the engine subscribes to and writes
// through.
type MessageFeed interface {
	Subscribe(ctx context.Context, limit int, onSnapshot func([]store.Message)) (func(), error)
	Create(ctx context.Context, msg store.Message) (store.Message, error)
	Update(ctx context.Context, id string, patch feed.Patch) error
	Delete(ctx context.Context, id string) error
}

// Identity is the signed-in user of this view.
type Identity interface {
	CurrentUser() *identity.Principal
	Watch(fn func(*identity.Principal)) func()
	SignIn(ctx context.Context, credential string) (identity.Principal, error)
	SignOut(ctx context.Context) error
}

type Deps struct {
	Feed     MessageFeed
	Identity Identity
	Policy   rbac.AdminChecker
	// Notifier may be nil, in which case no emails are sent.
	Notifier   notify.Dispatcher
	AdminEmail string
	SiteName   string
	Limit      int
	Logger     *zap.Logger
}

type Engine struct {
	feed       MessageFeed
	identity   Identity
	policy     rbac.AdminChecker
	notifier   notify.Dispatcher
	adminEmail string
	siteName   string
	limit      int
	logger     *zap.Logger

	// emitMu serializes watcher callbacks so they observe views in order.
	emitMu sync.Mutex

	mu          sync.Mutex
	state       State
	generation  uint64
	live        chan struct{}
	unsubscribe func()
	unwatchUser func()
	snapshot    []store.Message
	draft       string
	replyTarget *MessageView
	watchers    map[int]func(ViewModel)
	nextWatcher int

	pending sync.WaitGroup
}

func New(deps Deps) *Engine {
	limit := deps.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		feed:       deps.Feed,
		identity:   deps.Identity,
		policy:     deps.Policy,
		notifier:   deps.Notifier,
		adminEmail: deps.AdminEmail,
		siteName:   deps.SiteName,
		limit:      limit,
		logger:     logger,
		state:      StateClosed,
		watchers:   make(map[int]func(ViewModel)),
	}
}

// Open subscribes to the newest messages. ctx bounds the lifetime of the
// subscription. The engine becomes Live when the first snapshot arrives. When
// the subscription cannot be established the error is returned and the engine
// stays Subscribing until Close.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateClosed {
		e.mu.Unlock()
		return nil
	}
	e.generation++
	gen := e.generation
	e.state = StateSubscribing
	e.live = make(chan struct{})
	e.mu.Unlock()

	unwatch := e.identity.Watch(e.onUserChange)
	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		unwatch()
		return nil
	}
	e.unwatchUser = unwatch
	e.mu.Unlock()
	e.emit()

	unsubscribe, err := e.feed.Subscribe(ctx, e.limit, func(messages []store.Message) {
		e.onSnapshot(gen, messages)
	})
	if err != nil {
		e.logger.Error("chat: subscribe failed", zap.Error(err))
		return storeError("subscribe to messages", err)
	}

	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		unsubscribe()
		return nil
	}
	e.unsubscribe = unsubscribe
	e.mu.Unlock()
	observability.LiveViewsActive.Inc()
	return nil
}

// Close ends the subscription. Snapshots still in flight are discarded.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	e.generation++
	e.state = StateClosed
	e.snapshot = nil
	unsubscribe := e.unsubscribe
	unwatch := e.unwatchUser
	e.unsubscribe = nil
	e.unwatchUser = nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
		observability.LiveViewsActive.Dec()
	}
	if unwatch != nil {
		unwatch()
	}
	e.emit()
}

// AwaitLive blocks until the first snapshot has been applied.
func (e *Engine) AwaitLive(ctx context.Context) error {
	e.mu.Lock()
	state, live := e.state, e.live
	e.mu.Unlock()
	if state == StateClosed {
		return storeError("chat is closed", nil)
	}
	select {
	case <-live:
		return nil
	case <-ctx.Done():
		return storeError("waiting for messages", ctx.Err())
	}
}

// Wait blocks until every notification dispatched so far has finished.
func (e *Engine) Wait() {
	e.pending.Wait()
}

// Watch calls fn with the current view and again after every change. fn must
// not call mutating Engine methods.
func (e *Engine) Watch(fn func(ViewModel)) func() {
	e.emitMu.Lock()
	e.mu.Lock()
	id := e.nextWatcher
	e.nextWatcher++
	e.watchers[id] = fn
	view := e.viewLocked()
	e.mu.Unlock()
	fn(view)
	e.emitMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.watchers, id)
			e.mu.Unlock()
		})
	}
}

func (e *Engine) View() ViewModel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Send posts text as the current user, optionally as a reply. On failure the
// draft keeps the text so it can be retried.
func (e *Engine) Send(ctx context.Context, text string, replyTo *MessageView) error {
	if strings.TrimSpace(text) == "" {
		return e.finish("send", validationError("message text is required"))
	}
	user := e.identity.CurrentUser()
	if user == nil {
		return e.finish("send", validationError("sign in to send messages"))
	}

	isAdmin := e.isAdmin(user)
	msg := store.Message{
		Text:              text,
		AuthorID:          user.ID,
		AuthorDisplayName: user.DisplayName,
		AuthorPhotoURL:    user.PhotoURL,
		AuthorEmail:       user.Email,
		IsAdminAuthored:   isAdmin,
		ReplyTo:           e.replySnapshot(replyTo),
	}

	saved, err := e.feed.Create(ctx, msg)
	if err != nil {
		e.mu.Lock()
		e.draft = text
		e.mu.Unlock()
		e.emit()
		e.logger.Warn("chat: send failed", zap.String("author_id", user.ID), zap.Error(err))
		return e.finish("send", storeError("send message", err))
	}

	e.mu.Lock()
	e.draft = ""
	e.replyTarget = nil
	e.mu.Unlock()
	e.emit()

	e.dispatch(ctx, *user, isAdmin, saved)
	return e.finish("send", nil)
}

// TogglePin flips the pinned flag of a message in the current snapshot. The
// view changes only when the store reports the update.
func (e *Engine) TogglePin(ctx context.Context, id string) error {
	if err := e.requireModerator(); err != nil {
		return e.finish("toggle_pin", err)
	}

	e.mu.Lock()
	var (
		pinned bool
		found  bool
	)
	for _, msg := range e.snapshot {
		if msg.ID == id {
			pinned, found = msg.IsPinned, true
			break
		}
	}
	e.mu.Unlock()
	if !found {
		return e.finish("toggle_pin", validationError("unknown message "+id))
	}

	next := !pinned
	if err := e.feed.Update(ctx, id, feed.Patch{IsPinned: &next}); err != nil {
		return e.finish("toggle_pin", storeError("update message", err))
	}
	return e.finish("toggle_pin", nil)
}

// Delete removes a message. Deleting a message that is already gone succeeds.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.requireModerator(); err != nil {
		return e.finish("delete", err)
	}
	if err := e.feed.Delete(ctx, id); err != nil {
		return e.finish("delete", storeError("delete message", err))
	}
	return e.finish("delete", nil)
}

// SetReplyTarget selects the message the next Send replies to. nil clears it.
func (e *Engine) SetReplyTarget(target *MessageView) {
	e.mu.Lock()
	if target == nil {
		e.replyTarget = nil
	} else {
		cp := *target
		e.replyTarget = &cp
	}
	e.mu.Unlock()
	e.emit()
}

// ReplyTarget returns the selected reply target, or nil.
func (e *Engine) ReplyTarget() *MessageView {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replyTarget == nil {
		return nil
	}
	cp := *e.replyTarget
	return &cp
}

// FindMessage looks up a message of the current view by id.
func (e *Engine) FindMessage(id string) (MessageView, bool) {
	view := e.View()
	for _, msg := range view.Messages {
		if msg.ID == id {
			return msg, true
		}
	}
	return MessageView{}, false
}

func (e *Engine) SetDraft(text string) {
	e.mu.Lock()
	e.draft = text
	e.mu.Unlock()
	e.emit()
}

func (e *Engine) SignIn(ctx context.Context, credential string) (identity.Principal, error) {
	principal, err := e.identity.SignIn(ctx, credential)
	if err != nil {
		return identity.Principal{}, e.finish("sign_in", authError(err))
	}
	e.finish("sign_in", nil)
	return principal, nil
}

func (e *Engine) SignOut(ctx context.Context) error {
	if err := e.identity.SignOut(ctx); err != nil {
		return e.finish("sign_out", authError(err))
	}
	return e.finish("sign_out", nil)
}

func (e *Engine) onSnapshot(gen uint64, messages []store.Message) {
	if len(messages) > e.limit {
		messages = messages[len(messages)-e.limit:]
	}

	e.mu.Lock()
	if gen != e.generation || e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	e.snapshot = messages
	if e.state == StateSubscribing {
		e.state = StateLive
		close(e.live)
	}
	e.mu.Unlock()
	e.emit()
}

func (e *Engine) onUserChange(user *identity.Principal) {
	e.mu.Lock()
	if user == nil {
		e.replyTarget = nil
	}
	e.mu.Unlock()
	e.emit()
}

func (e *Engine) emit() {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	view := e.viewLocked()
	watchers := make([]func(ViewModel), 0, len(e.watchers))
	for _, fn := range e.watchers {
		watchers = append(watchers, fn)
	}
	e.mu.Unlock()

	for _, fn := range watchers {
		fn(view)
	}
}

func (e *Engine) viewLocked() ViewModel {
	user := e.identity.CurrentUser()
	messages, canModerate := DeriveView(e.snapshot, user, e.policy)
	var target *MessageView
	if e.replyTarget != nil {
		cp := *e.replyTarget
		target = &cp
	}
	return ViewModel{
		State:           e.state,
		Messages:        messages,
		CurrentUser:     user,
		IsAuthenticated: user != nil,
		CanModerate:     canModerate,
		Draft:           e.draft,
		ReplyTarget:     target,
	}
}

func (e *Engine) requireModerator() error {
	user := e.identity.CurrentUser()
	if user == nil {
		return permissionError("sign in as an admin to moderate")
	}
	if !e.isAdmin(user) {
		return permissionError("only admins can moderate messages")
	}
	return nil
}

func (e *Engine) isAdmin(user *identity.Principal) bool {
	return user != nil && e.policy != nil && e.policy.IsAdmin(user.Email)
}

// replySnapshot copies the reply target. The stored message is preferred over
// the caller's view so that the author's email survives redaction.
func (e *Engine) replySnapshot(target *MessageView) *store.ReplySnapshot {
	if target == nil || target.ID == "" {
		return nil
	}
	snapshot := &store.ReplySnapshot{
		ID:          target.ID,
		DisplayName: target.Author.DisplayName,
		Text:        truncatePreview(target.Text),
		Email:       target.Author.Email,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, msg := range e.snapshot {
		if msg.ID == target.ID {
			snapshot.DisplayName = msg.AuthorDisplayName
			snapshot.Text = truncatePreview(msg.Text)
			snapshot.Email = msg.AuthorEmail
			break
		}
	}
	return snapshot
}

// dispatch sends the notification for a stored message in the background.
// Non-admin messages go to the site admin; admin replies go to the author of
// the replied-to message.
func (e *Engine) dispatch(ctx context.Context, sender identity.Principal, senderIsAdmin bool, msg store.Message) {
	if e.notifier == nil {
		return
	}

	var (
		email notify.Email
		kind  string
		err   error
	)
	switch {
	case !senderIsAdmin:
		if e.adminEmail == "" {
			return
		}
		kind = "new_message"
		email, err = notify.NewMessageEmail(e.adminEmail, notify.NewMessageData{
			SiteName:    e.siteName,
			AuthorName:  sender.DisplayName,
			AuthorEmail: sender.Email,
			Text:        msg.Text,
		})
	case msg.ReplyTo != nil && msg.ReplyTo.Email != "" && msg.ReplyTo.Email != sender.Email:
		kind = "reply"
		email, err = notify.ReplyEmail(msg.ReplyTo.Email, notify.ReplyData{
			SiteName:     e.siteName,
			AdminName:    sender.DisplayName,
			OriginalText: msg.ReplyTo.Text,
			ReplyText:    msg.Text,
		})
	default:
		return
	}
	if err != nil {
		e.logger.Error("chat: build notification", zap.String("kind", kind), zap.Error(err))
		observability.NotificationsTotal.WithLabelValues(kind, "error").Inc()
		return
	}

	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notificationTimeout)
		defer cancel()
		if err := e.notifier.SendEmail(sendCtx, email); err != nil {
			result := "error"
			if errors.Is(err, notify.ErrNotConfigured) {
				result = "skipped"
			}
			e.logger.Warn("chat: notification failed",
				zap.String("kind", kind),
				zap.String("message_id", msg.ID),
				zap.Error(err))
			observability.NotificationsTotal.WithLabelValues(kind, result).Inc()
			return
		}
		observability.NotificationsTotal.WithLabelValues(kind, "sent").Inc()
	}()
}

func (e *Engine) finish(action string, err error) error {
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(KindOf(err)))
		if outcome == "" {
			outcome = "error"
		}
	}
	observability.ChatActionsTotal.WithLabelValues(action, outcome).Inc()
	return err
}
