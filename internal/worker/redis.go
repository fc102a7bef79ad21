package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"mentorchat/internal/models"
	"mentorchat/internal/redis"
)

const (
	redisInvalidateChannel = "mentorchat:worker:invalidate"
	redisSessionPrefix     = "mentorchat:session:"
	defaultStateTTL        = 30 * time.Minute
)

const (
	scopeClient  = "client"
	scopeSession = "session"
)

type invalidateMessage struct {
	Origin    string `json:"origin"`
	ClientID  int64  `json:"client_id"`
	SessionID string `json:"session_id,omitempty"`
	Scope     string `json:"scope"`
}

// sessionSnapshot is what another instance needs to resume a conversation.
type sessionSnapshot struct {
	Info  models.SessionInfo `json:"info"`
	Turns []models.Turn      `json:"turns"`
}

type stateRedis struct {
	client *redis.Client
	ttl    time.Duration
}

func newStateCache(client *redis.Client, ttl time.Duration) *stateRedis {
	if !client.Available() {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &stateRedis{client: client, ttl: ttl}
}

// listen delivers invalidation messages to handler until ctx ends.
func (r *stateRedis) listen(ctx context.Context, handler func(invalidateMessage)) error {
	if r == nil || handler == nil {
		<-ctx.Done()
		return nil
	}
	return r.client.Subscribe(ctx, redisInvalidateChannel, func(payload string) {
		var inv invalidateMessage
		if err := json.Unmarshal([]byte(payload), &inv); err != nil {
			log.Printf("[worker] invalidation decode failed: %v", err)
			return
		}
		handler(inv)
	})
}

func (r *stateRedis) publishInvalidation(msg invalidateMessage) {
	if r == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[worker] invalidation marshal failed: %v", err)
		return
	}
	if err := r.client.Publish(context.Background(), redisInvalidateChannel, payload); err != nil {
		log.Printf("[worker] publish invalidation failed: %v", err)
	}
}

func (r *stateRedis) storeSession(info models.SessionInfo, turns []models.Turn) {
	if r == nil || info.ID == "" {
		return
	}
	data, err := json.Marshal(sessionSnapshot{Info: info, Turns: turns})
	if err != nil {
		log.Printf("[worker] snapshot marshal failed: %v", err)
		return
	}
	if err := r.client.Set(context.Background(), redisSessionPrefix+info.ID, data, r.ttl); err != nil {
		log.Printf("[worker] snapshot store failed: %v", err)
	}
}

// loadSession returns the snapshot when it exists and belongs to clientID.
func (r *stateRedis) loadSession(clientID int64, sessionID string) (*sessionSnapshot, bool) {
	if r == nil || sessionID == "" {
		return nil, false
	}
	data, err := r.client.GetBytes(context.Background(), redisSessionPrefix+sessionID)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("[worker] snapshot load failed: %v", err)
		}
		return nil, false
	}
	var snap sessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Printf("[worker] snapshot decode failed: %v", err)
		return nil, false
	}
	if snap.Info.ClientID != clientID {
		return nil, false
	}
	// a resumed session gets a full idle period again
	if err := r.client.Expire(context.Background(), redisSessionPrefix+sessionID, r.ttl); err != nil {
		log.Printf("[worker] snapshot ttl refresh failed: %v", err)
	}
	return &snap, true
}

func (r *stateRedis) invalidateSessions(sessionIDs ...string) {
	if r == nil || len(sessionIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		keys = append(keys, redisSessionPrefix+id)
	}
	if err := r.client.Del(context.Background(), keys...); err != nil {
		log.Printf("[worker] snapshot invalidate failed: %v", err)
	}
}
