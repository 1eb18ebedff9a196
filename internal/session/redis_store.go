// Package session stores signed-in chat principals behind opaque bearer tokens.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"folio/api/internal/identity"
)

var ErrNotFound = errors.New("session not found or expired")

const defaultTTL = 24 * time.Hour

// Session is what a bearer token resolves to.
type Session struct {
	Principal identity.Principal `json:"principal"`
	CreatedAt time.Time          `json:"created_at"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// Store persists sessions keyed by token hash.
type Store interface {
	SaveSession(ctx context.Context, token string, principal identity.Principal, expiresAt time.Time) error
	LookupSession(ctx context.Context, token string) (Session, error)
	RevokeSession(ctx context.Context, token string) error
	Ping(ctx context.Context) error
}

// NewToken returns a random opaque bearer token.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken is the storage key for a token; raw tokens are never persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// RedisStore implements session storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "chat:session:",
	}
}

func (s *RedisStore) key(token string) string {
	return s.prefix + HashToken(token)
}

func (s *RedisStore) SaveSession(ctx context.Context, token string, principal identity.Principal, expiresAt time.Time) error {
	now := time.Now().UTC()
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = defaultTTL
		expiresAt = now.Add(ttl)
	}

	data, err := json.Marshal(Session{Principal: principal, CreatedAt: now, ExpiresAt: expiresAt.UTC()})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupSession(ctx context.Context, token string) (Session, error) {
	raw, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return session, nil
}

// RevokeSession deletes a session. Revoking an unknown token is not an error.
func (s *RedisStore) RevokeSession(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// Client exposes the connection so the message feed can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
