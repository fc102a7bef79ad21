package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"mentorchat/internal/redis"
)

const redisTokenPrefix = "mentorchat:token:"

var (
	ErrTokenRequired = errors.New("token required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
)

// Service issues, validates, and revokes client tokens.
type Service struct {
	db             *sql.DB
	cache          *redis.Client
	tokenTTL       time.Duration
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs an auth service. cache may be nil.
func NewService(db *sql.DB, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		db:             db,
		cache:          cache,
		tokenTTL:       ttl,
		cookieName:     "mentor_token",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

// IssueToken mints a new random token for the client and persists it.
func (s *Service) IssueToken(ctx context.Context, clientID int64) (string, error) {
	if clientID <= 0 {
		return "", errors.New("invalid client id")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO client_tokens (token, client_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			token, clientID, now, expiresAt,
		)
		if err == nil {
			s.cacheToken(ctx, token, clientID, s.tokenTTL)
			return token, nil
		}
	}
	return "", errors.New("could not issue token")
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

// ValidateToken verifies the token exists and has not expired, returning the client id.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (int64, error) {
	if authToken == "" {
		return 0, ErrTokenRequired
	}
	if s.cache.Available() {
		if val, err := s.cache.Get(ctx, redisTokenPrefix+authToken); err == nil {
			if id, perr := strconv.ParseInt(val, 10, 64); perr == nil && id > 0 {
				return id, nil
			}
		} else if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("[auth] token cache lookup failed: %v", err)
		}
	}

	var clientID int64
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT client_id, expires_at FROM client_tokens WHERE token = ?`, authToken,
	).Scan(&clientID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrInvalidToken
		}
		return 0, fmt.Errorf("lookup token: %w", err)
	}
	remaining := time.Until(expires)
	if remaining <= 0 {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM client_tokens WHERE token = ?`, authToken)
		return 0, ErrTokenExpired
	}
	s.cacheToken(ctx, authToken, clientID, remaining)
	return clientID, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM client_tokens WHERE token = ?`, authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	s.uncacheTokens(ctx, authToken)
	return nil
}

// RevokeClientTokens removes all tokens belonging to the client.
func (s *Service) RevokeClientTokens(ctx context.Context, clientID int64) error {
	if clientID <= 0 {
		return nil
	}
	var tokens []string
	if s.cache.Available() {
		rows, err := s.db.QueryContext(ctx, `SELECT token FROM client_tokens WHERE client_id = ?`, clientID)
		if err != nil {
			return fmt.Errorf("list client tokens: %w", err)
		}
		for rows.Next() {
			var token string
			if err := rows.Scan(&token); err != nil {
				rows.Close()
				return fmt.Errorf("scan client token: %w", err)
			}
			tokens = append(tokens, token)
		}
		rows.Close()
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM client_tokens WHERE client_id = ?`, clientID); err != nil {
		return fmt.Errorf("revoke client tokens: %w", err)
	}
	s.uncacheTokens(ctx, tokens...)
	return nil
}

func (s *Service) cacheToken(ctx context.Context, token string, clientID int64, ttl time.Duration) {
	if !s.cache.Available() {
		return
	}
	if err := s.cache.Set(ctx, redisTokenPrefix+token, strconv.FormatInt(clientID, 10), ttl); err != nil {
		log.Printf("[auth] cache token failed: %v", err)
	}
}

func (s *Service) uncacheTokens(ctx context.Context, tokens ...string) {
	if !s.cache.Available() || len(tokens) == 0 {
		return
	}
	keys := make([]string, 0, len(tokens))
	for _, t := range tokens {
		keys = append(keys, redisTokenPrefix+t)
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		log.Printf("[auth] drop cached tokens failed: %v", err)
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
