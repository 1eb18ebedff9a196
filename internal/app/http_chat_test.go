package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"folio/api/internal/chat"
)

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeInto(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	decodeInto(t, rr, &body)
	code, _ := body["code"].(string)
	return code
}

func listMessages(t *testing.T, handler http.Handler, token string) chat.ViewModel {
	t.Helper()
	rr := doJSON(t, handler, http.MethodGet, "/api/chat/messages", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list messages status = %d body = %s", rr.Code, rr.Body.String())
	}
	var view chat.ViewModel
	decodeInto(t, rr, &view)
	return view
}

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()

	rr := doJSON(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]string{
		"credential": env.credential(t, visitor),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("signin status = %d body = %s", rr.Code, rr.Body.String())
	}
	var auth AuthSession
	decodeInto(t, rr, &auth)
	if auth.Token == "" || auth.User.ID != visitor.ID || auth.IsAdmin {
		t.Fatalf("unexpected signin response %+v", auth)
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/session", auth.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("session status = %d", rr.Code)
	}
	var current struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
		IsAdmin bool `json:"isAdmin"`
	}
	decodeInto(t, rr, &current)
	if current.User.ID != visitor.ID || current.IsAdmin {
		t.Fatalf("unexpected session %+v", current)
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/auth/signout", auth.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("signout status = %d", rr.Code)
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/session", auth.Token, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("session after signout status = %d, want 401", rr.Code)
	}
}

func TestSignInFailures(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{name: "bad credential", body: map[string]string{"credential": "garbage"}, wantStatus: http.StatusUnauthorized, wantCode: "AUTH_ERROR"},
		{name: "cancelled flow", body: map[string]string{"credential": ""}, wantStatus: http.StatusUnauthorized, wantCode: "AUTH_ERROR"},
		{name: "no body", body: nil, wantStatus: http.StatusBadRequest, wantCode: "INVALID_BODY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(t, handler, http.MethodPost, "/api/auth/signin", "", tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if code := errorCode(t, rr); code != tt.wantCode {
				t.Fatalf("code = %s, want %s", code, tt.wantCode)
			}
		})
	}
}

func TestSendAndListMessages(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()
	token := env.signIn(t, visitor)

	rr := doJSON(t, handler, http.MethodPost, "/api/chat/messages", token, SendInput{Text: "Hi, love the portfolio"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("send status = %d body = %s", rr.Code, rr.Body.String())
	}

	anonymous := listMessages(t, handler, "")
	if anonymous.State != chat.StateLive || anonymous.IsAuthenticated || anonymous.CanModerate {
		t.Fatalf("unexpected anonymous view %+v", anonymous)
	}
	if len(anonymous.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(anonymous.Messages))
	}
	msg := anonymous.Messages[0]
	if msg.IsMine || msg.Author.Email != "" {
		t.Fatalf("anonymous viewer should not own or see email: %+v", msg)
	}

	mine := listMessages(t, handler, token)
	if !mine.Messages[0].IsMine || mine.CurrentUser == nil || mine.CurrentUser.ID != visitor.ID {
		t.Fatalf("expected message to be mine: %+v", mine)
	}

	moderator := listMessages(t, handler, env.signIn(t, admin))
	if !moderator.CanModerate || moderator.Messages[0].Author.Email != visitor.Email {
		t.Fatalf("moderator view = %+v", moderator)
	}
}

func TestSendValidation(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()
	token := env.signIn(t, visitor)

	tests := []struct {
		name       string
		token      string
		body       SendInput
		wantStatus int
		wantCode   string
	}{
		{name: "blank text", token: token, body: SendInput{Text: "   "}, wantStatus: http.StatusUnprocessableEntity, wantCode: "VALIDATION_ERROR"},
		{name: "signed out", token: "", body: SendInput{Text: "hello"}, wantStatus: http.StatusUnprocessableEntity, wantCode: "VALIDATION_ERROR"},
		{name: "unknown reply target", token: token, body: SendInput{Text: "hello", ReplyToID: "msg_missing"}, wantStatus: http.StatusUnprocessableEntity, wantCode: "VALIDATION_ERROR"},
		{name: "invalid session", token: "stale-token", body: SendInput{Text: "hello"}, wantStatus: http.StatusUnauthorized, wantCode: "UNAUTHORIZED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(t, handler, http.MethodPost, "/api/chat/messages", tt.token, tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if code := errorCode(t, rr); code != tt.wantCode {
				t.Fatalf("code = %s, want %s", code, tt.wantCode)
			}
		})
	}

	if view := listMessages(t, handler, ""); len(view.Messages) != 0 {
		t.Fatalf("rejected sends must not store anything, got %d messages", len(view.Messages))
	}
}

func TestModerationEndpoints(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()
	visitorToken := env.signIn(t, visitor)
	adminToken := env.signIn(t, admin)

	for _, text := range []string{"first", "second"} {
		rr := doJSON(t, handler, http.MethodPost, "/api/chat/messages", visitorToken, SendInput{Text: text})
		if rr.Code != http.StatusCreated {
			t.Fatalf("send status = %d", rr.Code)
		}
	}
	view := listMessages(t, handler, adminToken)
	second := view.Messages[1]

	rr := doJSON(t, handler, http.MethodPost, "/api/chat/messages/"+second.ID+"/pin", visitorToken, nil)
	if rr.Code != http.StatusForbidden || errorCode(t, rr) != "PERMISSION_ERROR" {
		t.Fatalf("member pin status = %d body = %s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, handler, http.MethodPost, "/api/chat/messages/"+second.ID+"/pin", "", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("anonymous pin status = %d", rr.Code)
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/chat/messages/"+second.ID+"/pin", adminToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin pin status = %d body = %s", rr.Code, rr.Body.String())
	}
	view = listMessages(t, handler, "")
	if view.Messages[0].ID != second.ID || !view.Messages[0].IsPinned {
		t.Fatalf("pinned message should lead the view: %+v", view.Messages)
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/chat/messages/msg_missing/pin", adminToken, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("pin unknown status = %d", rr.Code)
	}

	rr = doJSON(t, handler, http.MethodDelete, "/api/chat/messages/"+second.ID, visitorToken, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("member delete status = %d", rr.Code)
	}
	for i := 0; i < 2; i++ {
		rr = doJSON(t, handler, http.MethodDelete, "/api/chat/messages/"+second.ID, adminToken, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("admin delete #%d status = %d body = %s", i+1, rr.Code, rr.Body.String())
		}
	}

	view = listMessages(t, handler, "")
	if len(view.Messages) != 1 || view.Messages[0].Text != "first" {
		t.Fatalf("unexpected messages after delete %+v", view.Messages)
	}
}

func TestSearchEndpoint(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.svc, "*").Handler()

	rr := doJSON(t, handler, http.MethodGet, "/api/chat/search?q=hello", env.signIn(t, visitor), nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("member search status = %d", rr.Code)
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/chat/search?q=hello&limit=5", env.signIn(t, admin), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin search status = %d body = %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	decodeInto(t, rr, &body)
	if body["query"] != "hello" {
		t.Fatalf("unexpected search response %v", body)
	}
	if _, ok := body["results"].([]any); !ok {
		t.Fatalf("expected results array, got %v", body["results"])
	}
}
