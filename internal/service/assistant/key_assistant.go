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
	"mentorchat/internal/service/chat"
)

// SetAPIKey stores or replaces the named credential for a client.
func (s *Service) SetAPIKey(ctx context.Context, clientID int64, name, key string) error {
	if clientID <= 0 {
		return errors.New("invalid client id")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("key name is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("api key is required")
	}
	stored, err := s.sealKey(clientID, name, key)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM clients WHERE id = ?)`, clientID).Scan(&exists); err != nil {
		return fmt.Errorf("verify client: %w", err)
	}
	if !exists {
		return errors.New("client not found")
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE api_keys SET api_key = ?, created_at = ? WHERE client_id = ? AND name = ?`,
		stored, now, clientID, name,
	)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO api_keys (client_id, name, api_key, created_at) VALUES (?, ?, ?, ?)`,
			clientID, name, stored, now,
		); err != nil {
			return fmt.Errorf("store api key: %w", err)
		}
	}
	return tx.Commit()
}

// APIKey returns the decrypted credential, or "" when none is stored.
func (s *Service) APIKey(ctx context.Context, clientID int64, name string) (string, error) {
	if clientID <= 0 {
		return "", errors.New("invalid client id")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("key name is required")
	}
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT api_key FROM api_keys WHERE client_id = ? AND name = ? LIMIT 1`,
		clientID, name,
	).Scan(&stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("lookup api key: %w", err)
	}
	return s.openKey(clientID, name, stored)
}

// DeleteAPIKey removes the named credential; sql.ErrNoRows when absent.
func (s *Service) DeleteAPIKey(ctx context.Context, clientID int64, name string) error {
	if clientID <= 0 {
		return errors.New("invalid client id")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("key name is required")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE client_id = ? AND name = ?`, clientID, name)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListAPIKeys returns masked views of every stored credential.
func (s *Service) ListAPIKeys(ctx context.Context, clientID int64) ([]models.StoredKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, api_key, created_at FROM api_keys WHERE client_id = ? ORDER BY name ASC`, clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]models.StoredKey, 0)
	for rows.Next() {
		var (
			k      models.StoredKey
			stored string
		)
		if err := rows.Scan(&k.Name, &stored, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		plain, err := s.openKey(clientID, k.Name, stored)
		if err != nil {
			log.Printf("[assistant] client %d key %s: %v", clientID, k.Name, err)
		}
		k.Masked = MaskKey(plain)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CredentialStore exposes one client's stored keys to a chat session.
func (s *Service) CredentialStore(clientID int64) chat.CredentialStore {
	return &clientStore{svc: s, clientID: clientID}
}

type clientStore struct {
	svc      *Service
	clientID int64
}

func (c *clientStore) Lookup(ctx context.Context, name string) (string, error) {
	return c.svc.APIKey(ctx, c.clientID, name)
}

// MaskKey keeps the last four characters of long keys.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func (s *Service) sealKey(clientID int64, name, key string) (string, error) {
	if s.cipher == nil {
		return key, nil
	}
	sealed, err := s.cipher.seal(clientID, name, key)
	if err != nil {
		return "", fmt.Errorf("encrypt api key: %w", err)
	}
	return sealed, nil
}

// openKey returns the plaintext of a stored key. Unsealed rows predate
// encryption and are returned as stored; a sealed row that does not open
// yields ErrKeyUnreadable and is never handed out.
func (s *Service) openKey(clientID int64, name, stored string) (string, error) {
	if !isSealed(stored) {
		return stored, nil
	}
	if s.cipher == nil {
		return "", ErrKeyUnreadable
	}
	return s.cipher.open(clientID, name, stored)
}
