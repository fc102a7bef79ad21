package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"mentorchat/internal/conversation"
	"mentorchat/internal/gemini"
	"mentorchat/internal/models"
	"mentorchat/internal/service/assistant"
	"mentorchat/internal/service/chat"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	block chan struct{}
}

func (f *fakeGenerator) Generate(ctx context.Context, _ string, req *gemini.Request) (*gemini.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	last := req.Contents[len(req.Contents)-1]
	body, _ := json.Marshal(gemini.TextResponse("echo: " + last.Parts[len(last.Parts)-1].Text))
	return &gemini.Result{StatusCode: http.StatusOK, Body: body}, nil
}

func factoryFor(gen chat.Generator) SessionFactory {
	return func(clientID int64, log *conversation.Log) *chat.Session {
		return chat.NewSession(chat.Options{
			Generator:   gen,
			Credentials: chat.StaticStore{chat.KeyName: fmt.Sprintf("key-%d", clientID)},
			Log:         log,
		})
	}
}

func newTestManager(t *testing.T, gen chat.Generator, cfg DispatcherConfig, opts ...Option) *Manager {
	t.Helper()
	if cfg.MaxWorkers == 0 {
		cfg = DispatcherConfig{MinWorkers: 2, MaxWorkers: 2, QueueSize: 10}
	}
	m := NewManager(factoryFor(gen), cfg, opts...)
	t.Cleanup(m.Close)
	return m
}

type fakeTitler struct {
	title string
	err   error
}

func (f fakeTitler) GenerateTitle(context.Context, int64, string) (string, error) {
	return f.title, f.err
}

func TestClientStateOperations(t *testing.T) {
	state := newClientState(nil)
	now := time.Now().UTC()

	first := &sessionEntry{info: models.SessionInfo{ID: "a", CreatedAt: now, UpdatedAt: now}}
	if got := state.addSession(first); got != first {
		t.Fatalf("addSession returned a different entry")
	}
	dup := &sessionEntry{info: models.SessionInfo{ID: "a"}}
	if got := state.addSession(dup); got != first {
		t.Fatalf("duplicate id must keep the stored entry")
	}
	state.addSession(&sessionEntry{info: models.SessionInfo{ID: "b", CreatedAt: now.Add(time.Second), UpdatedAt: now.Add(-2 * time.Hour)}})

	info := state.update(first, func(info *models.SessionInfo) { info.Title = "Greetings" })
	if info.Title != "Greetings" {
		t.Fatalf("update not applied: %+v", info)
	}
	list := state.list()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("unexpected list order: %+v", list)
	}

	dropped := state.expire(now.Add(-time.Hour))
	if len(dropped) != 1 || dropped[0] != "b" {
		t.Fatalf("expected b to expire, got %v", dropped)
	}
	if !state.removeSession("a") || state.removeSession("a") {
		t.Fatalf("removeSession reported wrong result")
	}
	if !state.empty() {
		t.Fatalf("state should be empty")
	}
	state.addSession(&sessionEntry{info: models.SessionInfo{ID: "c"}})
	state.reset()
	if len(state.ids()) != 0 {
		t.Fatalf("reset did not clear sessions")
	}
}

func TestManagerInitSendHistory(t *testing.T) {
	gen := &fakeGenerator{}
	manager := newTestManager(t, gen, DispatcherConfig{})

	info, err := manager.InitSession(1)
	if err != nil {
		t.Fatalf("InitSession error: %v", err)
	}
	if info.ID == "" || info.Title != assistant.DefaultTitle {
		t.Fatalf("unexpected session info: %+v", info)
	}

	res, err := manager.Send(context.Background(), 1, info.ID, "hello there")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if res.Reply != "echo: hello there" {
		t.Fatalf("unexpected reply: %q", res.Reply)
	}
	if res.Session.Turns != 2 || res.Session.Title != "hello there" {
		t.Fatalf("session info not updated: %+v", res.Session)
	}

	if _, err := manager.Send(context.Background(), 1, info.ID, "again"); err != nil {
		t.Fatalf("second Send error: %v", err)
	}
	history, err := manager.History(1, info.ID)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(history) != 4 || history[2].Text != "again" || history[3].Role != models.RoleAssistant {
		t.Fatalf("unexpected history: %+v", history)
	}
	got, err := manager.Session(1, info.ID)
	if err != nil || got.Title != "hello there" {
		t.Fatalf("title must stay after later sends: %+v err=%v", got, err)
	}

	if sessions := manager.Sessions(1); len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	if sessions := manager.Sessions(2); len(sessions) != 0 {
		t.Fatalf("other client must see no sessions")
	}
	if _, err := manager.History(2, info.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("sessions must be scoped to their client, got %v", err)
	}
}

func TestManagerUsesTitler(t *testing.T) {
	manager := newTestManager(t, &fakeGenerator{}, DispatcherConfig{}, WithTitler(fakeTitler{title: "Travel Plans"}))
	info, _ := manager.InitSession(3)
	res, err := manager.Send(context.Background(), 3, info.ID, "I want go to London")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if res.Session.Title != "Travel Plans" {
		t.Fatalf("unexpected title %q", res.Session.Title)
	}

	failing := newTestManager(t, &fakeGenerator{}, DispatcherConfig{}, WithTitler(fakeTitler{err: errors.New("boom")}))
	info, _ = failing.InitSession(3)
	res, err = failing.Send(context.Background(), 3, info.ID, "fallback please")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if res.Session.Title != "fallback please" {
		t.Fatalf("expected fallback title, got %q", res.Session.Title)
	}
}

func TestManagerSendErrors(t *testing.T) {
	manager := newTestManager(t, &fakeGenerator{}, DispatcherConfig{})
	if _, err := manager.Send(context.Background(), 1, "missing", "hi"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	info, _ := manager.InitSession(1)
	if _, err := manager.Send(context.Background(), 1, info.ID, "   "); !errors.Is(err, conversation.ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := manager.InitSession(0); err == nil {
		t.Fatalf("expected error for invalid client")
	}

	noKey := NewManager(func(int64, *conversation.Log) *chat.Session {
		return chat.NewSession(chat.Options{Generator: &fakeGenerator{}})
	}, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	defer noKey.Close()
	info, _ = noKey.InitSession(1)
	if _, err := noKey.Send(context.Background(), 1, info.ID, "hi"); !errors.Is(err, conversation.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if history, _ := noKey.History(1, info.ID); len(history) != 0 {
		t.Fatalf("failed send must not touch history")
	}
}

func TestManagerRateLimit(t *testing.T) {
	manager := newTestManager(t, &fakeGenerator{}, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4, RequestsPerMinute: 1})
	info, _ := manager.InitSession(1)
	if _, err := manager.Send(context.Background(), 1, info.ID, "one"); err != nil {
		t.Fatalf("first Send error: %v", err)
	}
	if _, err := manager.Send(context.Background(), 1, info.ID, "two"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	other, _ := manager.InitSession(2)
	if _, err := manager.Send(context.Background(), 2, other.ID, "one"); err != nil {
		t.Fatalf("limits are per client: %v", err)
	}
}

func TestManagerSendHonorsContext(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{})}
	manager := newTestManager(t, gen, DispatcherConfig{})
	info, _ := manager.InitSession(1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := manager.Send(ctx, 1, info.ID, "hello")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(gen.block)

	deadline := time.Now().Add(time.Second)
	for manager.dispatcher.pending(1) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if history, _ := manager.History(1, info.ID); len(history) != 0 {
		t.Fatalf("cancelled send must not touch history: %+v", history)
	}
}

func TestManagerConcurrentSendsKeepAlternation(t *testing.T) {
	manager := newTestManager(t, &fakeGenerator{}, DispatcherConfig{MinWorkers: 2, MaxWorkers: 4, QueueSize: 32})
	info, _ := manager.InitSession(1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := manager.Send(context.Background(), 1, info.ID, fmt.Sprintf("msg-%d", i)); err != nil {
				t.Errorf("Send error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	history, _ := manager.History(1, info.ID)
	if len(history) != 16 {
		t.Fatalf("expected 16 turns, got %d", len(history))
	}
	for i, turn := range history {
		want := models.RoleUser
		if i%2 == 1 {
			want = models.RoleAssistant
		}
		if turn.Role != want {
			t.Fatalf("turn %d has role %s", i, turn.Role)
		}
		if want == models.RoleAssistant && turn.Text != "echo: "+history[i-1].Text {
			t.Fatalf("reply %d does not answer its message: %q", i, turn.Text)
		}
	}
}

func TestManagerPurgeAndReset(t *testing.T) {
	manager := newTestManager(t, &fakeGenerator{}, DispatcherConfig{})
	first, _ := manager.InitSession(42)
	second, _ := manager.InitSession(42)

	if err := manager.Purge(42, first.ID); err != nil {
		t.Fatalf("Purge error: %v", err)
	}
	if _, err := manager.History(42, first.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("purged session still present")
	}
	if err := manager.Purge(42, first.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second purge, got %v", err)
	}

	manager.ResetClient(42)
	if _, err := manager.History(42, second.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("reset client still holds sessions")
	}
	manager.mu.Lock()
	_, ok := manager.clients[42]
	manager.mu.Unlock()
	if ok {
		t.Fatalf("client state not removed after reset")
	}
	manager.ResetClient(42)
}

func TestManagerExpireIdle(t *testing.T) {
	manager := newTestManager(t, &fakeGenerator{}, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4, SessionIdle: time.Minute})
	stale, _ := manager.InitSession(7)
	fresh, _ := manager.InitSession(8)

	state := manager.getState(7)
	state.update(state.getSession(stale.ID), func(info *models.SessionInfo) {
		info.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	})

	if n := manager.expireIdle(time.Now().UTC()); n != 1 {
		t.Fatalf("expected 1 expired session, got %d", n)
	}
	if manager.getState(7) != nil {
		t.Fatalf("empty client state should be dropped")
	}
	if _, err := manager.History(8, fresh.ID); err != nil {
		t.Fatalf("fresh session expired: %v", err)
	}
}

func TestManagerRunStopsWithContext(t *testing.T) {
	manager := newTestManager(t, &fakeGenerator{}, DispatcherConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestApplyInvalidationIgnoresOwnMessages(t *testing.T) {
	manager := newTestManager(t, &fakeGenerator{}, DispatcherConfig{})
	info, _ := manager.InitSession(5)

	manager.applyInvalidation(invalidateMessage{Origin: manager.origin, ClientID: 5, SessionID: info.ID, Scope: scopeSession})
	if _, err := manager.History(5, info.ID); err != nil {
		t.Fatalf("own invalidation must be ignored: %v", err)
	}
	manager.applyInvalidation(invalidateMessage{Origin: "other", ClientID: 5, SessionID: info.ID, Scope: scopeSession})
	if _, err := manager.History(5, info.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("remote invalidation must drop the session")
	}
	other, _ := manager.InitSession(5)
	manager.applyInvalidation(invalidateMessage{Origin: "other", ClientID: 5, Scope: scopeClient})
	if _, err := manager.History(5, other.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("client invalidation must drop every session")
	}
}

func TestManagerSendRejectsBeyondQueueSize(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{})}
	manager := newTestManager(t, gen, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 2})
	info, _ := manager.InitSession(1)

	var wg sync.WaitGroup
	accepted := func(text string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := manager.Send(context.Background(), 1, info.ID, text); err != nil {
				t.Errorf("Send(%q) error: %v", text, err)
			}
		}()
	}
	waitFor := func(what string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(time.Second)
		for !cond() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if !cond() {
			t.Fatalf("timed out waiting for %s", what)
		}
	}

	accepted("first")
	waitFor("first call", func() bool {
		gen.mu.Lock()
		defer gen.mu.Unlock()
		return gen.calls == 1
	})
	accepted("second")
	accepted("third")
	waitFor("two pending sends", func() bool { return manager.dispatcher.pending(1) == 2 })

	busy := 0
	for i := 0; i < 17; i++ {
		if _, err := manager.Send(context.Background(), 1, info.ID, "extra"); errors.Is(err, ErrDispatcherBusy) {
			busy++
		}
	}
	if busy != 17 {
		t.Fatalf("expected 17 rejected sends, got %d", busy)
	}

	close(gen.block)
	wg.Wait()
	history, _ := manager.History(1, info.ID)
	if len(history) != 6 {
		t.Fatalf("expected 3 exchanges, got %d turns", len(history))
	}
}
