// Package identity adapts an external OAuth-style identity provider into a
// reactive "current user" for one chat view.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Principal is an authenticated user as reported by the identity provider.
type Principal struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoUrl,omitempty"`
	Email       string `json:"email,omitempty"`
}

var (
	ErrCancelled           = errors.New("sign-in cancelled")
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrExpiredCredential   = errors.New("expired credential")
	ErrProviderUnavailable = errors.New("identity provider unavailable")
)

// AuthError reports a failed or abandoned sign-in flow.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	if e == nil || e.Err == nil {
		return "authentication failed"
	}
	return "authentication failed: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Verifier completes the external authentication flow for a credential
// produced by the provider's consent popup.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Principal, error)
}

// Adapter holds the signed-in principal of one chat view. Watchers are told
// about every change; there is no polling.
type Adapter struct {
	verifier Verifier

	mu       sync.Mutex
	current  *Principal
	watchers map[int]func(*Principal)
	nextID   int
}

func NewAdapter(verifier Verifier) *Adapter {
	return &Adapter{
		verifier: verifier,
		watchers: make(map[int]func(*Principal)),
	}
}

// CurrentUser returns a copy of the signed-in principal, or nil.
func (a *Adapter) CurrentUser() *Principal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return clonePrincipal(a.current)
}

// Watch calls fn with the current principal immediately and again after every
// change. The returned func stops further calls.
func (a *Adapter) Watch(fn func(*Principal)) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.watchers[id] = fn
	current := clonePrincipal(a.current)
	a.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.watchers, id)
			a.mu.Unlock()
		})
	}
}

// SignIn verifies the provider credential and makes its principal current.
func (a *Adapter) SignIn(ctx context.Context, credential string) (Principal, error) {
	if strings.TrimSpace(credential) == "" {
		return Principal{}, &AuthError{Err: ErrCancelled}
	}
	if a.verifier == nil {
		return Principal{}, &AuthError{Err: ErrProviderUnavailable}
	}
	principal, err := a.verifier.Verify(ctx, credential)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return Principal{}, authErr
		}
		if ctx.Err() != nil {
			return Principal{}, &AuthError{Err: fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())}
		}
		return Principal{}, &AuthError{Err: err}
	}
	a.set(&principal)
	return principal, nil
}

// Restore makes an already-established session current without running the
// interactive flow again.
func (a *Adapter) Restore(principal Principal) {
	a.set(&principal)
}

// SignOut terminates the session.
func (a *Adapter) SignOut(context.Context) error {
	a.set(nil)
	return nil
}

// Expire is called when the provider session lapses.
func (a *Adapter) Expire() {
	a.set(nil)
}

func (a *Adapter) set(principal *Principal) {
	a.mu.Lock()
	a.current = clonePrincipal(principal)
	watchers := make([]func(*Principal), 0, len(a.watchers))
	for _, fn := range a.watchers {
		watchers = append(watchers, fn)
	}
	a.mu.Unlock()

	for _, fn := range watchers {
		fn(clonePrincipal(principal))
	}
}

func clonePrincipal(p *Principal) *Principal {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
