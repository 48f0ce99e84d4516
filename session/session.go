// Package session issues and validates the short-lived bearer tokens agents
// present to the MCP gateway. Tokens are opaque 128-bit random values stored
// in Redis with a TTL; validation is a single key lookup so the gateway adds
// no database round-trip to the hot path.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reconflow/reconflow/rferr"
)

// tokenPrefix distinguishes gateway session tokens from other bearer
// credentials in logs and error reports.
const tokenPrefix = "rfs_"

type (
	// Session binds a token to a run and its tool allowlist.
	Session struct {
		RunID          string    `json:"runId"`
		OrganizationID string    `json:"organizationId,omitempty"`
		// AllowedNodeIDs restricts which registered tools the session may
		// see and call. Nil means all of the run's tools.
		AllowedNodeIDs []string  `json:"allowedNodeIds,omitempty"`
		CreatedAt      time.Time `json:"createdAt"`
		ExpiresAt      time.Time `json:"expiresAt"`
	}

	// Store mints and validates sessions.
	Store struct {
		rdb *redis.Client
		ttl time.Duration
	}
)

// New builds a session store. A non-positive ttl defaults to one hour.
func New(rdb *redis.Client, ttl time.Duration) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{rdb: rdb, ttl: ttl}, nil
}

// Mint creates a session and returns its token. The token is the only copy;
// it is never persisted outside Redis.
func (s *Store) Mint(ctx context.Context, sess Session) (string, error) {
	if sess.RunID == "" {
		return "", rferr.New(rferr.KindValidation, "session requires a run id")
	}
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	token := tokenPrefix + hex.EncodeToString(buf[:])
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.ExpiresAt = now.Add(s.ttl)
	raw, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	if err := s.rdb.Set(ctx, sessionKey(token), raw, s.ttl).Err(); err != nil {
		return "", rferr.Wrap(rferr.KindDependency, err, "store session")
	}
	return token, nil
}

// Validate resolves a token to its session. Unknown, malformed and expired
// tokens all yield an authentication error so callers cannot distinguish
// them.
func (s *Store) Validate(ctx context.Context, token string) (Session, error) {
	if len(token) <= len(tokenPrefix) || token[:len(tokenPrefix)] != tokenPrefix {
		return Session{}, errInvalidSession()
	}
	raw, err := s.rdb.Get(ctx, sessionKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, errInvalidSession()
	}
	if err != nil {
		return Session{}, rferr.Wrap(rferr.KindDependency, err, "read session")
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return sess, nil
}

// Revoke deletes a token. Revoking an unknown token is not an error.
func (s *Store) Revoke(ctx context.Context, token string) error {
	if err := s.rdb.Del(ctx, sessionKey(token)).Err(); err != nil {
		return rferr.Wrap(rferr.KindDependency, err, "revoke session")
	}
	return nil
}

func errInvalidSession() error {
	return rferr.New(rferr.KindAuthentication, "invalid or expired session token")
}

func sessionKey(token string) string {
	return "mcp:session:" + token
}
