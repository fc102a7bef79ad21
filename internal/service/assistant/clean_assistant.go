package assistant

import (
	"context"
	"fmt"
	"log"
	"time"
)

const (
	DefaultCleanupInterval = time.Hour
	// DefaultAbandonedClientAge is how long a client without tokens or keys is kept.
	DefaultAbandonedClientAge = 24 * time.Hour
)

// StartCleaner periodically drops expired client tokens and abandoned clients.
func (s *Service) StartCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx, time.Now().UTC()); err != nil {
				log.Printf("[assistant] cleanup error: %v", err)
			}
		}
	}
}

// Cleanup removes tokens expired at now and clients older than
// DefaultAbandonedClientAge that hold neither a token nor a key. It returns
// the number of clients removed.
func (s *Service) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM client_tokens WHERE expires_at <= ?`, now); err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM clients
		WHERE created_at <= ?
		  AND NOT EXISTS (SELECT 1 FROM client_tokens t WHERE t.client_id = clients.id)
		  AND NOT EXISTS (SELECT 1 FROM api_keys k WHERE k.client_id = clients.id)`,
		now.Add(-DefaultAbandonedClientAge),
	)
	if err != nil {
		return 0, fmt.Errorf("delete abandoned clients: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("[assistant] removed %d abandoned clients", n)
	}
	return n, nil
}
