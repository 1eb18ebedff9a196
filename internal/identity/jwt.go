package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type providerClaims struct {
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
	Email   string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 ID tokens minted by the identity provider.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

func NewJWTVerifier(secret, issuer, audience string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, audience: audience}
}

func (v *JWTVerifier) Verify(ctx context.Context, credential string) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, &AuthError{Err: ErrCancelled}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &providerClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(credential), claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, &AuthError{Err: ErrExpiredCredential}
		}
		return Principal{}, &AuthError{Err: ErrInvalidCredential}
	}
	if claims.Subject == "" {
		return Principal{}, &AuthError{Err: ErrInvalidCredential}
	}

	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = strings.TrimSpace(claims.Email)
	}
	return Principal{
		ID:          claims.Subject,
		DisplayName: name,
		PhotoURL:    claims.Picture,
		Email:       strings.TrimSpace(claims.Email),
	}, nil
}

// IssueCredential mints a provider token; used by local tooling and tests that
// stand in for the external provider.
func (v *JWTVerifier) IssueCredential(principal Principal, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = principal.ID
	if v.issuer != "" && claims.Issuer == "" {
		claims.Issuer = v.issuer
	}
	if v.audience != "" && len(claims.Audience) == 0 {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, providerClaims{
		Name:             principal.DisplayName,
		Picture:          principal.PhotoURL,
		Email:            principal.Email,
		RegisteredClaims: claims,
	})
	return token.SignedString(v.secret)
}
