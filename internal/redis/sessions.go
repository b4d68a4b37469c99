package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mapsync-redis/internal/domain"
	"github.com/redis/go-redis/v9"
)

// SessionStore resolves session tokens into the requesting user identity.
// Sessions are written by the authentication collaborator; this subsystem
// only reads them.
type SessionStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewSessionStore creates a session store on an existing Redis client
func NewSessionStore(client *redis.Client, logger *slog.Logger) *SessionStore {
	return &SessionStore{
		client: client,
		logger: logger,
	}
}

func (s *SessionStore) sessionKey(token string) string {
	return fmt.Sprintf("session:%s", token)
}

// Get resolves a session token. An unknown or empty token yields
// ErrUnauthorized before any other request work happens.
func (s *SessionStore) Get(ctx context.Context, token string) (*domain.Session, error) {
	if token == "" {
		return nil, domain.ErrUnauthorized
	}

	vals, err := s.client.HGetAll(ctx, s.sessionKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	if len(vals) == 0 {
		return nil, domain.ErrUnauthorized
	}

	userID, err := strconv.ParseInt(vals["user_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt session", domain.ErrUnauthorized)
	}
	tribeID, _ := strconv.ParseInt(vals["tribe_id"], 10, 64)

	return &domain.Session{
		Token:   token,
		UserID:  userID,
		TribeID: tribeID,
	}, nil
}

// Put stores a session with a TTL. Used by tooling and tests; production
// sessions come from the auth collaborator.
func (s *SessionStore) Put(ctx context.Context, session domain.Session, ttl time.Duration) error {
	key := s.sessionKey(session.Token)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"user_id", session.UserID,
		"tribe_id", session.TribeID,
	)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}
