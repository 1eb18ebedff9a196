package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"folio/api/internal/chat"
	"folio/api/internal/config"
	"folio/api/internal/feed"
	"folio/api/internal/identity"
	"folio/api/internal/notify"
	"folio/api/internal/search"
	"folio/api/internal/session"
)

const testSecret = "test-secret"

var (
	visitor = identity.Principal{ID: "user-visitor", DisplayName: "Visitor", Email: "visitor@example.com"}
	admin   = identity.Principal{ID: "user-admin", DisplayName: "Owner", Email: "owner@example.com"}
)

type fakePinger struct {
	pingFn func(context.Context) error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Email
}

func (f *fakeNotifier) SendEmail(_ context.Context, email notify.Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, email)
	return nil
}

func (f *fakeNotifier) emails() []notify.Email {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Email(nil), f.sent...)
}

type fakeSearcher struct {
	searchFn func(context.Context, search.Query) search.Response
}

func (f *fakeSearcher) Search(ctx context.Context, q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(ctx, q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

type testEnv struct {
	svc      *Service
	feed     *feed.Memory
	verifier *identity.JWTVerifier
	notifier *fakeNotifier
	database *fakePinger
	searcher *fakeSearcher
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Config{
		AdminEmails:  []string{admin.Email},
		SiteName:     "Portfolio",
		MessageLimit: 100,
		SendRPS:      100,
		SendBurst:    100,
		SessionTTL:   time.Hour,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	env := &testEnv{
		feed:     feed.NewMemory(),
		verifier: identity.NewJWTVerifier(testSecret, "", ""),
		notifier: &fakeNotifier{},
		database: &fakePinger{},
		searcher: &fakeSearcher{},
	}
	env.svc = NewService(cfg, Deps{
		Feed:     env.feed,
		Verifier: env.verifier,
		Sessions: session.NewMemoryStore(),
		Notifier: env.notifier,
		Search:   env.searcher,
		Database: env.database,
	})
	t.Cleanup(env.svc.Close)
	return env
}

func (e *testEnv) credential(t *testing.T, p identity.Principal) string {
	t.Helper()
	token, err := e.verifier.IssueCredential(p, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("IssueCredential() error = %v", err)
	}
	return token
}

func (e *testEnv) signIn(t *testing.T, p identity.Principal) string {
	t.Helper()
	auth, err := e.svc.SignIn(context.Background(), e.credential(t, p))
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	return auth.Token
}

func TestPingMethod(t *testing.T) {
	tests := []struct {
		name      string
		pingError error
		wantError bool
	}{
		{name: "healthy database", pingError: nil, wantError: false},
		{name: "unhealthy database", pingError: errors.New("connection failed"), wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.database.pingFn = func(context.Context) error { return tt.pingError }

			err := env.svc.Ping(context.Background())
			if (err != nil) != tt.wantError {
				t.Errorf("Ping() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestPingWithoutDatabase(t *testing.T) {
	svc := NewService(config.Config{}, Deps{Feed: feed.NewMemory()})
	defer svc.Close()
	if err := svc.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v, want nil for in-memory mode", err)
	}
}

func TestSignInOpensSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	auth, err := env.svc.SignIn(ctx, env.credential(t, admin))
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if auth.Token == "" || !auth.IsAdmin || auth.User.ID != admin.ID {
		t.Fatalf("unexpected auth session %+v", auth)
	}

	sess, err := env.svc.Resolve(ctx, auth.Token)
	if err != nil || sess == nil {
		t.Fatalf("Resolve() = %v, %v", sess, err)
	}
	if sess.Principal.Email != admin.Email {
		t.Fatalf("resolved principal = %+v", sess.Principal)
	}

	if err := env.svc.SignOut(ctx, auth.Token); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if _, err := env.svc.Resolve(ctx, auth.Token); err == nil {
		t.Fatal("expected revoked token to be rejected")
	}
}

func TestSignInRejectsCredential(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.SignIn(context.Background(), "not-a-token")
	var authErr *identity.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("SignIn() error = %v, want *identity.AuthError", err)
	}
	status, code, _, _ := mapError(err)
	if status != http.StatusUnauthorized || code != "AUTH_ERROR" {
		t.Fatalf("mapError() = %d %s", status, code)
	}
}

func TestResolveAnonymous(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.svc.Resolve(context.Background(), "  ")
	if err != nil || sess != nil {
		t.Fatalf("Resolve(blank) = %v, %v; want nil, nil", sess, err)
	}
}

func TestSendMessageNotifiesAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	token := env.signIn(t, visitor)

	if err := env.svc.SendMessage(ctx, token, SendInput{Text: "hello there"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	env.svc.Wait()

	emails := env.notifier.emails()
	if len(emails) != 1 {
		t.Fatalf("expected 1 email, got %d", len(emails))
	}
	if emails[0].To != admin.Email {
		t.Fatalf("email sent to %q, want %q", emails[0].To, admin.Email)
	}

	view, err := env.svc.Messages(ctx, token)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(view.Messages) != 1 || !view.Messages[0].IsMine {
		t.Fatalf("unexpected messages %+v", view.Messages)
	}
}

func TestSendMessageReplyFromAdminNotifiesAuthor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	visitorToken := env.signIn(t, visitor)
	adminToken := env.signIn(t, admin)

	if err := env.svc.SendMessage(ctx, visitorToken, SendInput{Text: "question"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	view, err := env.svc.Messages(ctx, adminToken)
	if err != nil || len(view.Messages) != 1 {
		t.Fatalf("Messages() = %+v, %v", view.Messages, err)
	}

	err = env.svc.SendMessage(ctx, adminToken, SendInput{Text: "answer", ReplyToID: view.Messages[0].ID})
	if err != nil {
		t.Fatalf("SendMessage(reply) error = %v", err)
	}
	env.svc.Wait()

	var toVisitor int
	for _, email := range env.notifier.emails() {
		if email.To == visitor.Email {
			toVisitor++
		}
	}
	if toVisitor != 1 {
		t.Fatalf("expected one reply email to the author, got %d", toVisitor)
	}

	view, err = env.svc.Messages(ctx, visitorToken)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	reply := view.Messages[1]
	if reply.ReplyPreview == nil || reply.ReplyPreview.Text != "question" {
		t.Fatalf("reply preview = %+v", reply.ReplyPreview)
	}
}

func TestSendMessageRateLimited(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.SendRPS = 0.001
		cfg.SendBurst = 1
	})
	ctx := context.Background()
	token := env.signIn(t, visitor)

	if err := env.svc.SendMessage(ctx, token, SendInput{Text: "one"}); err != nil {
		t.Fatalf("first SendMessage() error = %v", err)
	}
	err := env.svc.SendMessage(ctx, token, SendInput{Text: "two"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusTooManyRequests {
		t.Fatalf("second SendMessage() error = %v, want rate limited", err)
	}
}

func TestSendMessageBlankTextIsNotCharged(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.SendRPS = 0.001
		cfg.SendBurst = 1
	})
	ctx := context.Background()
	token := env.signIn(t, visitor)

	for _, text := range []string{"", "   "} {
		err := env.svc.SendMessage(ctx, token, SendInput{Text: text})
		if !chat.IsKind(err, chat.KindValidation) {
			t.Fatalf("SendMessage(%q) error = %v, want validation error", text, err)
		}
	}
	if err := env.svc.SendMessage(ctx, token, SendInput{Text: "real message"}); err != nil {
		t.Fatalf("SendMessage() after rejected sends error = %v", err)
	}
}

func TestSearchRequiresModerator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		token      string
		query      string
		wantStatus int
	}{
		{name: "anonymous", token: "", query: "hello", wantStatus: http.StatusUnauthorized},
		{name: "member", token: env.signIn(t, visitor), query: "hello", wantStatus: http.StatusForbidden},
		{name: "blank query", token: env.signIn(t, admin), query: "  ", wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Search(ctx, tt.token, tt.query, 0)
			status, _, _, _ := mapError(err)
			if status != tt.wantStatus {
				t.Fatalf("Search() status = %d (%v), want %d", status, err, tt.wantStatus)
			}
		})
	}
}

func TestSearchClampsLimit(t *testing.T) {
	env := newTestEnv(t)
	var got search.Query
	env.searcher.searchFn = func(_ context.Context, q search.Query) search.Response {
		got = q
		return search.Response{Results: []search.Result{{ID: "msg_1"}}, Total: 1, Query: q.Text}
	}

	resp, err := env.svc.Search(context.Background(), env.signIn(t, admin), " hello ", 1000)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if got.Text != "hello" || got.Limit != maxSearchSize {
		t.Fatalf("query = %+v", got)
	}
	if resp.Total != 1 || len(resp.Results) != 1 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestLimiterPoolPrunesIdleKeys(t *testing.T) {
	pool := newLimiterPool(1, 1)
	defer pool.Shutdown()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	pool.now = func() time.Time { return now }

	if !pool.Allow("a") {
		t.Fatal("first call should be allowed")
	}
	now = now.Add(time.Hour)
	pool.prune()

	pool.mu.Lock()
	_, ok := pool.m["a"]
	pool.mu.Unlock()
	if ok {
		t.Fatal("expected idle limiter to be pruned")
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "domain", err: errRateLimited, wantStatus: http.StatusTooManyRequests, wantCode: "RATE_LIMITED"},
		{name: "session missing", err: session.ErrNotFound, wantStatus: http.StatusUnauthorized, wantCode: "UNAUTHORIZED"},
		{name: "feed not found", err: feed.ErrNotFound, wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND"},
		{name: "auth", err: &identity.AuthError{Err: identity.ErrInvalidCredential}, wantStatus: http.StatusUnauthorized, wantCode: "AUTH_ERROR"},
		{name: "unknown", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: "SERVER_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, _, _ := mapError(tt.err)
			if status != tt.wantStatus || code != tt.wantCode {
				t.Fatalf("mapError() = %d %s, want %d %s", status, code, tt.wantStatus, tt.wantCode)
			}
		})
	}
}
