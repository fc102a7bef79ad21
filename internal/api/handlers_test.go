package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"mentorchat/internal/auth"
	"mentorchat/internal/config"
	"mentorchat/internal/conversation"
	"mentorchat/internal/gemini"
	"mentorchat/internal/service/assistant"
	"mentorchat/internal/service/chat"
	"mentorchat/internal/storage"
	"mentorchat/internal/worker"
)

type scriptedGenerator struct{}

func (scriptedGenerator) Generate(_ context.Context, apiKey string, req *gemini.Request) (*gemini.Result, error) {
	last := req.Contents[len(req.Contents)-1]
	text := last.Parts[len(last.Parts)-1].Text
	switch {
	case apiKey == "bad-key":
		return &gemini.Result{StatusCode: http.StatusBadRequest, Body: []byte(`{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`)}, nil
	case text == "garbled":
		return &gemini.Result{StatusCode: http.StatusOK, Body: []byte(`{"candidates":[]}`)}, nil
	case text == "offline":
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}
	body, _ := json.Marshal(gemini.TextResponse("**Nice!** You said: " + text))
	return &gemini.Result{StatusCode: http.StatusOK, Body: body}, nil
}

func TestHandlersEndToEndFlow(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	clientID, authHeader := registerClient(t, router)
	if clientID <= 0 {
		t.Fatalf("expected client id")
	}

	// No key yet.
	keyResp := doJSONRequest(t, router, http.MethodGet, "/api/key", nil, authHeader)
	assertStatus(t, keyResp, http.StatusOK)
	var keyBody struct {
		Configured bool   `json:"configured"`
		Masked     string `json:"masked"`
	}
	decodeJSON(t, keyResp.Body.Bytes(), &keyBody)
	if keyBody.Configured {
		t.Fatalf("fresh client must not have a key")
	}

	startResp := doJSONRequest(t, router, http.MethodPost, "/api/sessions", nil, authHeader)
	assertStatus(t, startResp, http.StatusCreated)
	var session struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	decodeJSON(t, startResp.Body.Bytes(), &session)
	if session.ID == "" {
		t.Fatalf("expected session id")
	}
	msgPath := fmt.Sprintf("/api/sessions/%s/messages", session.ID)

	// Sending without a key is rejected and leaves the session empty.
	missing := doJSONRequest(t, router, http.MethodPost, msgPath, map[string]string{"content": "hello"}, authHeader)
	assertStatus(t, missing, http.StatusBadRequest)
	assertErrorBody(t, missing, "missing_credential", "Please set your Gemini API Key in the settings.")

	assertStatus(t, doJSONRequest(t, router, http.MethodPut, "/api/key", map[string]string{"api_key": "AIza-test-1234"}, authHeader), http.StatusNoContent)
	keyResp = doJSONRequest(t, router, http.MethodGet, "/api/key", nil, authHeader)
	decodeJSON(t, keyResp.Body.Bytes(), &keyBody)
	if !keyBody.Configured || keyBody.Masked != "****1234" {
		t.Fatalf("unexpected key view: %+v", keyBody)
	}

	sendResp := doJSONRequest(t, router, http.MethodPost, msgPath, map[string]string{"content": "I goed to school"}, authHeader)
	assertStatus(t, sendResp, http.StatusOK)
	var sendBody struct {
		Reply   string `json:"reply"`
		HTML    string `json:"html"`
		Session struct {
			Title string `json:"title"`
			Turns int    `json:"turns"`
		} `json:"session"`
		Turns []struct {
			Role string `json:"role"`
			Text string `json:"text"`
		} `json:"turns"`
	}
	decodeJSON(t, sendResp.Body.Bytes(), &sendBody)
	if sendBody.Reply != "**Nice!** You said: I goed to school" {
		t.Fatalf("unexpected reply %q", sendBody.Reply)
	}
	if !strings.Contains(sendBody.HTML, "<strong>Nice!</strong>") {
		t.Fatalf("reply html not rendered: %q", sendBody.HTML)
	}
	if sendBody.Session.Turns != 2 || sendBody.Session.Title != "I goed to school" {
		t.Fatalf("unexpected session info: %+v", sendBody.Session)
	}
	if len(sendBody.Turns) != 2 || sendBody.Turns[0].Role != "user" || sendBody.Turns[1].Role != "assistant" {
		t.Fatalf("unexpected turns: %+v", sendBody.Turns)
	}

	// Failures do not change the history.
	for _, tc := range []struct {
		content string
		status  int
		kind    string
	}{
		{content: "garbled", status: http.StatusBadGateway, kind: "protocol_error"},
		{content: "offline", status: http.StatusGatewayTimeout, kind: "transport_error"},
		{content: "   ", status: http.StatusBadRequest, kind: "empty_message"},
	} {
		resp := doJSONRequest(t, router, http.MethodPost, msgPath, map[string]string{"content": tc.content}, authHeader)
		assertStatus(t, resp, tc.status)
		assertErrorBody(t, resp, tc.kind, "")
	}

	historyResp := doJSONRequest(t, router, http.MethodGet, msgPath, nil, authHeader)
	assertStatus(t, historyResp, http.StatusOK)
	var historyBody struct {
		Turns []json.RawMessage `json:"turns"`
	}
	decodeJSON(t, historyResp.Body.Bytes(), &historyBody)
	if len(historyBody.Turns) != 2 {
		t.Fatalf("expected 2 turns after failures, got %d", len(historyBody.Turns))
	}

	listResp := doJSONRequest(t, router, http.MethodGet, "/api/sessions", nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if len(listBody.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(listBody.Sessions))
	}

	assertStatus(t, doJSONRequest(t, router, http.MethodDelete, "/api/sessions/"+session.ID, nil, authHeader), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, msgPath, nil, authHeader), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, router, http.MethodDelete, "/api/key", nil, authHeader), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, router, http.MethodDelete, "/api/key", nil, authHeader), http.StatusNotFound)
}

func TestSendReportsProviderError(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()
	_, authHeader := registerClient(t, router)

	assertStatus(t, doJSONRequest(t, router, http.MethodPut, "/api/key", map[string]string{"api_key": "bad-key"}, authHeader), http.StatusNoContent)
	startResp := doJSONRequest(t, router, http.MethodPost, "/api/sessions", nil, authHeader)
	var session struct {
		ID string `json:"id"`
	}
	decodeJSON(t, startResp.Body.Bytes(), &session)

	resp := doJSONRequest(t, router, http.MethodPost, "/api/sessions/"+session.ID+"/messages", map[string]string{"content": "hi"}, authHeader)
	assertStatus(t, resp, http.StatusBadGateway)
	assertErrorBody(t, resp, "api_error", "Error: API key not valid")
}

func TestSessionsAreScopedToClient(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()
	_, alice := registerClient(t, router)
	_, bob := registerClient(t, router)

	startResp := doJSONRequest(t, router, http.MethodPost, "/api/sessions", nil, alice)
	var session struct {
		ID string `json:"id"`
	}
	decodeJSON(t, startResp.Body.Bytes(), &session)

	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/api/sessions/"+session.ID+"/messages", nil, bob), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, router, http.MethodDelete, "/api/sessions/"+session.ID, nil, bob), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/api/sessions/"+session.ID+"/messages", nil, alice), http.StatusOK)
}

func TestAuthAndCSRFRequired(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/api/sessions", nil, nil), http.StatusUnauthorized)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/healthz", nil, nil), http.StatusOK)

	regResp := doJSONRequest(t, router, http.MethodPost, "/api/clients", map[string]string{"label": "browser"}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var cookies []*http.Cookie
	cookies = append(cookies, regResp.Result().Cookies()...)
	if len(cookies) < 2 {
		t.Fatalf("expected auth and csrf cookies, got %d", len(cookies))
	}
	var csrf string
	for _, ck := range cookies {
		if ck.Name == "csrf_token" {
			csrf = ck.Value
		}
	}

	// cookie-authenticated writes need the csrf header
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusForbidden)

	req = httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	req.Header.Set("X-CSRF-Token", csrf)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusCreated)
}

func TestLogoutAndDeleteClient(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	clientID, authHeader := registerClient(t, router)
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/api/logout", nil, authHeader), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/api/sessions", nil, authHeader), http.StatusUnauthorized)

	clientID, authHeader = registerClient(t, router)
	assertStatus(t, doJSONRequest(t, router, http.MethodPut, "/api/key", map[string]string{"api_key": "AIza-gone"}, authHeader), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, router, http.MethodDelete, "/api/clients/me", nil, authHeader), http.StatusNoContent)
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM clients WHERE id = ?`, clientID).Scan(&count); err != nil {
		t.Fatalf("count clients: %v", err)
	}
	if count != 0 {
		t.Fatalf("client not deleted")
	}
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/api/key", nil, authHeader), http.StatusUnauthorized)
}

func TestWriteSendErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &Handler{}
	cases := []struct {
		err    error
		status int
	}{
		{worker.ErrSessionNotFound, http.StatusNotFound},
		{worker.ErrDispatcherBusy, http.StatusServiceUnavailable},
		{worker.ErrRateLimited, http.StatusTooManyRequests},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{conversation.ErrMissingCredential, http.StatusBadRequest},
		{&conversation.APIError{Message: "quota"}, http.StatusBadGateway},
		{&conversation.ProtocolError{Reason: "no candidates"}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		h.writeSendError(c, tc.err)
		if rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
	}
}

func newTestServer(t *testing.T) (*gin.Engine, *sql.DB, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	asst, err := assistant.NewService(db)
	if err != nil {
		t.Fatalf("assistant service: %v", err)
	}
	authSvc := auth.NewService(db, nil, time.Hour)
	manager := worker.NewManager(func(clientID int64, log *conversation.Log) *chat.Session {
		return chat.NewSession(chat.Options{
			Generator:   scriptedGenerator{},
			Credentials: asst.CredentialStore(clientID),
			Log:         log,
		})
	}, worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 8})
	t.Cleanup(manager.Close)
	handler := NewHandler(asst, authSvc, manager, 5*time.Second)

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, db, handler
}

func registerClient(t *testing.T, router *gin.Engine) (int64, map[string]string) {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodPost, "/api/clients", nil, nil)
	assertStatus(t, resp, http.StatusCreated)
	var body struct {
		ID        int64  `json:"id"`
		AuthToken string `json:"auth_token"`
		ExpiresIn int64  `json:"expires_in"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.AuthToken == "" {
		t.Fatalf("expected auth token")
	}
	if body.ExpiresIn != int64(time.Hour.Seconds()) {
		t.Fatalf("expected expires_in of one hour, got %d", body.ExpiresIn)
	}
	return body.ID, map[string]string{"Authorization": "Bearer " + body.AuthToken}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func assertErrorBody(t *testing.T, rec *httptest.ResponseRecorder, kind, message string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%s)", kind, body.Kind, body.Error)
	}
	if message != "" && body.Error != message {
		t.Fatalf("expected message %q, got %q", message, body.Error)
	}
}
