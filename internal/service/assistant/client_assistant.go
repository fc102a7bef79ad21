package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"mentorchat/internal/models"
)

// Service handles client lifecycle and stored credentials.
type Service struct {
	db     *sql.DB
	cipher *keyCipher
}

// NewService builds the assistant service. Stored keys are encrypted when
// MENTORCHAT_APIKEY_KEY is set; a malformed key is an error.
func NewService(db *sql.DB) (*Service, error) {
	if db == nil {
		return nil, errors.New("database required")
	}
	cipher, err := newKeyCipherFromEnv()
	if err != nil {
		if !errors.Is(err, errCipherKeyMissing) {
			return nil, err
		}
		log.Printf("[assistant] %s not set, api keys are stored unencrypted", apiKeyCipherEnv)
	}
	return &Service{db: db, cipher: cipher}, nil
}

// CreateClient registers a new client identity.
func (s *Service) CreateClient(ctx context.Context, label string) (*models.Client, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "browser"
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (label, created_at) VALUES (?, ?)`,
		label, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("client id: %w", err)
	}
	return &models.Client{ID: id, Label: label, CreatedAt: now}, nil
}

// GetClient loads one client; sql.ErrNoRows when absent.
func (s *Service) GetClient(ctx context.Context, id int64) (*models.Client, error) {
	var c models.Client
	err := s.db.QueryRowContext(ctx,
		`SELECT id, label, created_at FROM clients WHERE id = ?`, id,
	).Scan(&c.ID, &c.Label, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get client: %w", err)
	}
	return &c, nil
}

// EnsureClient returns the oldest client carrying label, creating it when missing.
func (s *Service) EnsureClient(ctx context.Context, label string) (*models.Client, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, errors.New("label is required")
	}
	var c models.Client
	err := s.db.QueryRowContext(ctx,
		`SELECT id, label, created_at FROM clients WHERE label = ? ORDER BY id ASC LIMIT 1`, label,
	).Scan(&c.ID, &c.Label, &c.CreatedAt)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find client: %w", err)
	}
	return s.CreateClient(ctx, label)
}

// DeleteClient removes a client together with its keys and tokens.
func (s *Service) DeleteClient(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid client id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
