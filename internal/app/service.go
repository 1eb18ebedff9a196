package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"folio/api/internal/chat"
	"folio/api/internal/config"
	"folio/api/internal/identity"
	"folio/api/internal/notify"
	"folio/api/internal/observability"
	"folio/api/internal/rbac"
	"folio/api/internal/search"
	"folio/api/internal/session"
)

const (
	liveTimeout       = 10 * time.Second
	defaultSessionTTL = 24 * time.Hour
	defaultSearchSize = 20
	maxSearchSize     = 100
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type Deps struct {
	Feed     chat.MessageFeed
	Verifier identity.Verifier
	Sessions session.Store
	// Notifier, Search and Database may be nil.
	Notifier notify.Dispatcher
	Search   Searcher
	Database Pinger
	Logger   *zap.Logger
}

// Service owns everything a request or live connection needs to run a chat
// engine on behalf of one caller.
type Service struct {
	cfg      config.Config
	feed     chat.MessageFeed
	verifier identity.Verifier
	policy   identity.AdminPolicy
	sessions session.Store
	notifier notify.Dispatcher
	search   Searcher
	database Pinger
	limiter  *limiterPool
	logger   *zap.Logger
	now      func() time.Time

	pending sync.WaitGroup
}

// AuthSession is returned by sign-in.
type AuthSession struct {
	Token     string             `json:"token"`
	User      identity.Principal `json:"user"`
	IsAdmin   bool               `json:"isAdmin"`
	ExpiresAt time.Time          `json:"expiresAt"`
}

type SendInput struct {
	Text      string `json:"text"`
	ReplyToID string `json:"replyToId"`
}

func NewService(cfg config.Config, deps Deps) *Service {
	sessions := deps.Sessions
	if sessions == nil {
		sessions = session.NewMemoryStore()
	}
	return &Service{
		cfg:      cfg,
		feed:     deps.Feed,
		verifier: deps.Verifier,
		policy:   identity.NewAdminPolicy(cfg.AdminEmails),
		sessions: sessions,
		notifier: deps.Notifier,
		search:   deps.Search,
		database: deps.Database,
		limiter:  newLimiterPool(cfg.SendRPS, cfg.SendBurst),
		logger:   observability.Named(deps.Logger, "app"),
		now:      time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if s.database == nil {
		return nil
	}
	return s.database.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// Wait blocks until notifications started by finished requests are done.
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) Close() {
	s.limiter.Shutdown()
}

func (s *Service) IsAdmin(p *identity.Principal) bool {
	if p == nil {
		return false
	}
	return s.policy.IsAdmin(p.Email)
}

// SignIn completes the provider flow and opens a server session for it.
func (s *Service) SignIn(ctx context.Context, credential string) (AuthSession, error) {
	adapter := identity.NewAdapter(s.verifier)
	principal, err := adapter.SignIn(ctx, credential)
	if err != nil {
		s.logger.Info("sign-in rejected", zap.Error(err))
		return AuthSession{}, err
	}
	return s.openSession(ctx, principal)
}

func (s *Service) openSession(ctx context.Context, principal identity.Principal) (AuthSession, error) {
	token, err := session.NewToken()
	if err != nil {
		return AuthSession{}, err
	}
	ttl := s.cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	expiresAt := s.now().Add(ttl).UTC()
	if err := s.sessions.SaveSession(ctx, token, principal, expiresAt); err != nil {
		return AuthSession{}, err
	}
	return AuthSession{
		Token:     token,
		User:      principal,
		IsAdmin:   s.IsAdmin(&principal),
		ExpiresAt: expiresAt,
	}, nil
}

// Resolve returns the session behind token. An empty token is an anonymous
// caller and yields nil.
func (s *Service) Resolve(ctx context.Context, token string) (*session.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	sess, err := s.sessions.LookupSession(ctx, token)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, errUnauthorized
		}
		return nil, err
	}
	return &sess, nil
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return errUnauthorized
	}
	return s.sessions.RevokeSession(ctx, token)
}

func (s *Service) newEngine(user chat.Identity) *chat.Engine {
	return chat.New(chat.Deps{
		Feed:       s.feed,
		Identity:   user,
		Policy:     s.policy,
		Notifier:   s.notifier,
		AdminEmail: s.cfg.AdminNotifyAddress(),
		SiteName:   s.cfg.SiteName,
		Limit:      s.cfg.MessageLimit,
		Logger:     observability.Named(s.logger, "chat"),
	})
}

// release closes engine and keeps the service busy until its notifications
// are delivered.
func (s *Service) release(engine *chat.Engine) {
	engine.Close()
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		engine.Wait()
	}()
}

// withEngine runs fn against a live engine acting as the caller behind token.
func (s *Service) withEngine(ctx context.Context, token string, fn func(*chat.Engine) error) error {
	sess, err := s.Resolve(ctx, token)
	if err != nil {
		return err
	}
	adapter := identity.NewAdapter(s.verifier)
	if sess != nil {
		adapter.Restore(sess.Principal)
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	engine := s.newEngine(adapter)
	defer s.release(engine)
	if err := engine.Open(subCtx); err != nil {
		return err
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, liveTimeout)
	defer cancelWait()
	if err := engine.AwaitLive(waitCtx); err != nil {
		return err
	}
	return fn(engine)
}

func (s *Service) Messages(ctx context.Context, token string) (chat.ViewModel, error) {
	var view chat.ViewModel
	err := s.withEngine(ctx, token, func(engine *chat.Engine) error {
		view = engine.View()
		return nil
	})
	return view, err
}

func (s *Service) SendMessage(ctx context.Context, token string, input SendInput) error {
	return s.withEngine(ctx, token, func(engine *chat.Engine) error {
		var replyTo *chat.MessageView
		if id := strings.TrimSpace(input.ReplyToID); id != "" {
			target, ok := engine.FindMessage(id)
			if !ok {
				return domainError(http.StatusUnprocessableEntity, string(chat.KindValidation), "unknown reply target", map[string]any{"replyToId": id})
			}
			replyTo = &target
		}
		if err := s.chargeSend(engine.View().CurrentUser, input.Text); err != nil {
			return err
		}
		return engine.Send(ctx, input.Text, replyTo)
	})
}

// chargeSend takes a rate-limit token for a send by user. Sends the engine
// will reject as invalid are not charged.
func (s *Service) chargeSend(user *identity.Principal, text string) error {
	if user == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	if !s.limiter.Allow(user.ID) {
		return errRateLimited
	}
	return nil
}

func (s *Service) TogglePin(ctx context.Context, token, id string) error {
	return s.withEngine(ctx, token, func(engine *chat.Engine) error {
		return engine.TogglePin(ctx, id)
	})
}

func (s *Service) DeleteMessage(ctx context.Context, token, id string) error {
	return s.withEngine(ctx, token, func(engine *chat.Engine) error {
		return engine.Delete(ctx, id)
	})
}

// Search is limited to moderators.
func (s *Service) Search(ctx context.Context, token, query string, limit int) (search.Response, error) {
	sess, err := s.Resolve(ctx, token)
	if err != nil {
		return search.Response{}, err
	}
	if sess == nil {
		return search.Response{}, errUnauthorized
	}
	role := rbac.RoleOf(s.policy, true, sess.Principal.Email)
	if !rbac.Can(role, rbac.ActionModerate) {
		return search.Response{}, domainError(http.StatusForbidden, string(chat.KindPermission), "only moderators can search messages", nil)
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return search.Response{}, domainError(http.StatusBadRequest, "INVALID_QUERY", "q is required", nil)
	}
	if limit <= 0 {
		limit = defaultSearchSize
	}
	if limit > maxSearchSize {
		limit = maxSearchSize
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query}, nil
	}
	return s.search.Search(ctx, search.Query{Text: query, Limit: limit}), nil
}
