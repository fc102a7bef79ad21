package worker

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"mentorchat/internal/conversation"
	"mentorchat/internal/models"
	"mentorchat/internal/redis"
	"mentorchat/internal/service/assistant"
	"mentorchat/internal/service/chat"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrDispatcherBusy  = errors.New("too many pending requests")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrClientReset     = errors.New("client was reset")
)

const janitorInterval = time.Minute

// SessionFactory builds the chat session for a client around log.
type SessionFactory func(clientID int64, log *conversation.Log) *chat.Session

// TitleGenerator names a conversation after its first message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, clientID int64, message string) (string, error)
}

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
	// SessionIdle is how long an untouched session is kept.
	SessionIdle       time.Duration
	RequestsPerMinute int
}

// SendResult is the outcome of a successful send.
type SendResult struct {
	Reply   string
	Session models.SessionInfo
}

// Manager owns the in-memory sessions of every client and funnels sends
// through the dispatcher.
type Manager struct {
	newSession SessionFactory
	titler     TitleGenerator
	cfg        DispatcherConfig
	dispatcher *Dispatcher
	cache      *stateRedis
	origin     string

	mu      sync.Mutex
	clients map[int64]*clientState
}

// Option customizes a Manager.
type Option func(*Manager)

// WithTitler generates titles with t instead of deriving them from the message.
func WithTitler(t TitleGenerator) Option {
	return func(m *Manager) { m.titler = t }
}

// WithStateCache snapshots sessions to redis so other instances can resume them.
func WithStateCache(client *redis.Client) Option {
	return func(m *Manager) { m.cache = newStateCache(client, m.cfg.SessionIdle) }
}

func NewManager(factory SessionFactory, cfg DispatcherConfig, opts ...Option) *Manager {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = time.Hour
	}
	m := &Manager{
		newSession: factory,
		cfg:        cfg,
		origin:     uuid.NewString(),
		clients:    make(map[int64]*clientState),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.dispatcher = NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, cfg.WorkerIdleTimeout, m.handleJob)
	return m
}

// InitSession starts an empty conversation for the client.
func (m *Manager) InitSession(clientID int64) (models.SessionInfo, error) {
	if clientID <= 0 {
		return models.SessionInfo{}, errors.New("invalid client id")
	}
	if m.newSession == nil {
		return models.SessionInfo{}, errors.New("session factory missing")
	}
	now := time.Now().UTC()
	entry := &sessionEntry{
		info: models.SessionInfo{
			ID:        uuid.NewString(),
			ClientID:  clientID,
			Title:     assistant.DefaultTitle,
			CreatedAt: now,
			UpdatedAt: now,
		},
		session: m.newSession(clientID, conversation.NewLog()),
	}
	m.ensureState(clientID).addSession(entry)
	debugLog("[manager] client %d new session %s", clientID, entry.info.ID)
	return entry.info, nil
}

// Send queues text for the session and waits for the reply. Sends of one
// client run one at a time in submission order.
func (m *Manager) Send(ctx context.Context, clientID int64, sessionID, text string) (*SendResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, conversation.ErrEmptyMessage
	}
	state, entry, err := m.lookup(clientID, sessionID)
	if err != nil {
		return nil, err
	}
	if state.limiter != nil && !state.limiter.Allow() {
		return nil, ErrRateLimited
	}

	resultCh := make(chan sendReturn, 1)
	job := Job{
		Type:     Send,
		ClientID: clientID,
		send: &sendTask{
			ctx:      ctx,
			state:    state,
			entry:    entry,
			text:     text,
			resultCh: resultCh,
		},
	}
	if err := m.dispatcher.Submit(job); err != nil {
		return nil, err
	}

	select {
	case ret := <-resultCh:
		if ret.err != nil {
			return nil, ret.err
		}
		return &SendResult{Reply: ret.reply, Session: ret.session}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// History returns a copy of the session's turns.
func (m *Manager) History(clientID int64, sessionID string) ([]models.Turn, error) {
	_, entry, err := m.lookup(clientID, sessionID)
	if err != nil {
		return nil, err
	}
	return entry.session.Log().Turns(), nil
}

// Session returns the session summary.
func (m *Manager) Session(clientID int64, sessionID string) (models.SessionInfo, error) {
	state, entry, err := m.lookup(clientID, sessionID)
	if err != nil {
		return models.SessionInfo{}, err
	}
	info, _ := state.info(entry.info.ID)
	return info, nil
}

// Sessions lists the client's sessions held by this instance, oldest first.
func (m *Manager) Sessions(clientID int64) []models.SessionInfo {
	state := m.getState(clientID)
	if state == nil {
		return []models.SessionInfo{}
	}
	return state.list()
}

// Purge drops one session here and in the shared cache.
func (m *Manager) Purge(clientID int64, sessionID string) error {
	removed := false
	if state := m.getState(clientID); state != nil {
		removed = state.removeSession(sessionID)
	}
	if !removed {
		if _, ok := m.cache.loadSession(clientID, sessionID); !ok {
			return ErrSessionNotFound
		}
	}
	m.cache.invalidateSessions(sessionID)
	m.cache.publishInvalidation(invalidateMessage{Origin: m.origin, ClientID: clientID, SessionID: sessionID, Scope: scopeSession})
	return nil
}

// ResetClient cancels the client's queued sends and forgets its sessions.
func (m *Manager) ResetClient(clientID int64) {
	m.dispatcher.CancelClient(clientID)
	m.mu.Lock()
	state := m.clients[clientID]
	delete(m.clients, clientID)
	m.mu.Unlock()
	if state == nil {
		return
	}
	m.cache.invalidateSessions(state.ids()...)
	state.reset()
	m.cache.publishInvalidation(invalidateMessage{Origin: m.origin, ClientID: clientID, Scope: scopeClient})
}

// Run expires idle sessions and follows invalidations from other instances
// until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.cache.listen(ctx, m.applyInvalidation)
	}()

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errCh != nil {
				<-errCh
			}
			return nil
		case err := <-errCh:
			if err != nil {
				log.Printf("[worker] invalidation listener stopped: %v", err)
			}
			errCh = nil
		case <-ticker.C:
			m.expireIdle(time.Now().UTC())
		}
	}
}

// Close stops the worker pool.
func (m *Manager) Close() {
	m.dispatcher.Close()
}

func (m *Manager) expireIdle(now time.Time) int {
	cutoff := now.Add(-m.cfg.SessionIdle)
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for clientID, state := range m.clients {
		dropped := state.expire(cutoff)
		total += len(dropped)
		if state.empty() && m.dispatcher.pending(clientID) == 0 {
			delete(m.clients, clientID)
		}
	}
	if total > 0 {
		log.Printf("[worker] expired %d idle sessions", total)
	}
	return total
}

func (m *Manager) applyInvalidation(msg invalidateMessage) {
	if msg.Origin == m.origin {
		return
	}
	debugLog("[manager] invalidation %s for client %d session %s", msg.Scope, msg.ClientID, msg.SessionID)
	switch msg.Scope {
	case scopeClient:
		m.dispatcher.CancelClient(msg.ClientID)
		m.mu.Lock()
		delete(m.clients, msg.ClientID)
		m.mu.Unlock()
	case scopeSession:
		if state := m.getState(msg.ClientID); state != nil {
			state.removeSession(msg.SessionID)
		}
	}
}

func (m *Manager) handleJob(job Job) {
	if job.Type != Send || job.send == nil {
		return
	}
	task := job.send
	ctx := task.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		task.resultCh <- sendReturn{err: err}
		return
	}

	first := task.entry.session.Log().Len() == 0
	reply, err := task.entry.session.Send(ctx, task.text)
	if err != nil {
		debugLog("[manager] client %d send failed: %s", job.ClientID, conversation.Kind(err))
		task.resultCh <- sendReturn{err: err}
		return
	}

	title := ""
	if first {
		title = m.title(ctx, job.ClientID, task.text)
	}
	turns := task.entry.session.Log().Turns()
	info := task.state.update(task.entry, func(info *models.SessionInfo) {
		info.Turns = len(turns)
		info.UpdatedAt = time.Now().UTC()
		if title != "" {
			info.Title = title
		}
	})
	if task.state.getSession(info.ID) == task.entry {
		m.cache.storeSession(info, turns)
		m.cache.publishInvalidation(invalidateMessage{Origin: m.origin, ClientID: job.ClientID, SessionID: info.ID, Scope: scopeSession})
	}
	task.resultCh <- sendReturn{reply: reply, session: info}
}

func (m *Manager) title(ctx context.Context, clientID int64, message string) string {
	if m.titler == nil {
		return assistant.FallbackTitle(message)
	}
	title, err := m.titler.GenerateTitle(ctx, clientID, message)
	if err != nil {
		log.Printf("[worker] title generation for client %d failed: %v", clientID, err)
		return assistant.FallbackTitle(message)
	}
	return title
}

// lookup finds the session, resuming it from the shared cache when this
// instance does not hold it.
func (m *Manager) lookup(clientID int64, sessionID string) (*clientState, *sessionEntry, error) {
	if clientID <= 0 || sessionID == "" {
		return nil, nil, ErrSessionNotFound
	}
	if state := m.getState(clientID); state != nil {
		if entry := state.getSession(sessionID); entry != nil {
			return state, entry, nil
		}
	}
	snap, ok := m.cache.loadSession(clientID, sessionID)
	if !ok || m.newSession == nil {
		return nil, nil, ErrSessionNotFound
	}
	state := m.ensureState(clientID)
	entry := state.addSession(&sessionEntry{
		info:    snap.Info,
		session: m.newSession(clientID, conversation.NewLog(snap.Turns...)),
	})
	debugLog("[manager] client %d resumed session %s with %d turns", clientID, sessionID, len(snap.Turns))
	return state, entry, nil
}

func (m *Manager) ensureState(clientID int64) *clientState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.clients[clientID]; ok {
		return state
	}
	var limiter *rate.Limiter
	if rpm := m.cfg.RequestsPerMinute; rpm > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm)
	}
	state := newClientState(limiter)
	m.clients[clientID] = state
	return state
}

func (m *Manager) getState(clientID int64) *clientState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[clientID]
}
