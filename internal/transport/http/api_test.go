package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"lumatalk-server/internal/domain/auth"
	"lumatalk-server/internal/domain/transcript"
	lttesting "lumatalk-server/internal/platform/testing"
	"lumatalk-server/internal/util/work"
)

type apiFixture struct {
	engine  *gin.Engine
	store   transcript.Store
	phrases transcript.PhraseStore
	tokens  *auth.Tokens
	users   auth.UserStore
}

type staticCounts map[string]int

func (s staticCounts) Counts() map[string]int { return s }

type staticSink struct{}

func (staticSink) Stats() work.Stats { return work.Stats{Processed: 7} }

func newAPIFixture(t *testing.T, secured bool) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := lttesting.SetupTestConfig(t)
	logger := lttesting.SetupTestLogger(t)

	f := &apiFixture{
		store:   transcript.NewMemory(),
		phrases: transcript.NewMemoryPhrases(),
		tokens:  auth.NewTokens("http-test-secret"),
		users:   auth.NewMemoryUsers(),
	}

	opts := Options{Config: cfg, Logger: logger, StaticRoot: t.TempDir()}
	if secured {
		opts.AuthMiddleware = JWTMiddleware(f.tokens, logger)
	}
	router, err := Build(opts)
	lttesting.AssertNoError(t, err)

	NewHealthHandler(HealthSources{
		Sessions: staticCounts{"active": 2},
		Sink:     staticSink{},
		Store:    f.store,
	}, logger).RegisterRoutes(router)
	NewAuthHandler(auth.NewAccounts(f.users, f.tokens, bcrypt.MinCost), f.tokens, logger).RegisterRoutes(router)
	NewSessionsHandler(f.store, logger).RegisterRoutes(router)
	NewPhrasesHandler(f.phrases, logger).RegisterRoutes(router)

	f.engine = router.Engine
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, header http.Header) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		lttesting.AssertNoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)

	var resp APIResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func (f *apiFixture) seed(t *testing.T, id, user string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	lttesting.AssertNoError(t, f.store.SaveSession(ctx, transcript.Session{
		ID: id, UserID: user, SourceLang: "en", TargetLang: "fr", StartedAt: now,
	}))
	_, err := f.store.AppendUtterance(ctx, transcript.Utterance{
		SessionID: id, UtteranceID: 1, SourceText: "hello", TranslatedText: "bonjour", DeliveredAt: now,
	})
	lttesting.AssertNoError(t, err)
}

func TestHealthReportsComponents(t *testing.T) {
	f := newAPIFixture(t, false)
	rec, resp := f.do(t, http.MethodGet, "/api/health", nil, nil)
	lttesting.AssertEqual(t, http.StatusOK, rec.Code)

	data, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("unexpected data %T", resp.Data)
	}
	lttesting.AssertEqual(t, "ok", data["status"])
	for _, key := range []string{"host", "metrics", "sessions", "persistence", "store"} {
		if _, ok := data[key]; !ok {
			t.Errorf("health response missing %q", key)
		}
	}
	if _, ok := data["pool"]; ok {
		t.Error("pool should be omitted when not configured")
	}
}

func TestSessionsCRUD(t *testing.T) {
	f := newAPIFixture(t, false)
	f.seed(t, "s1", "alice")
	f.seed(t, "s2", "bob")

	rec, resp := f.do(t, http.MethodGet, "/api/sessions?user_id=alice", nil, nil)
	lttesting.AssertEqual(t, http.StatusOK, rec.Code)
	if list, ok := resp.Data.([]any); !ok || len(list) != 1 {
		t.Fatalf("expected one session for alice, got %+v", resp.Data)
	}

	rec, resp = f.do(t, http.MethodGet, "/api/sessions/s1", nil, nil)
	lttesting.AssertEqual(t, http.StatusOK, rec.Code)
	detail := resp.Data.(map[string]any)
	if utts := detail["utterances"].([]any); len(utts) != 1 {
		t.Fatalf("expected one utterance, got %d", len(utts))
	}

	rec, resp = f.do(t, http.MethodPatch, "/api/sessions/s1", map[string]any{"title": "Trip", "saved": true}, nil)
	lttesting.AssertEqual(t, http.StatusOK, rec.Code)
	updated := resp.Data.(map[string]any)
	lttesting.AssertEqual(t, "Trip", updated["title"])
	lttesting.AssertEqual(t, true, updated["saved"])

	rec, _ = f.do(t, http.MethodDelete, "/api/sessions/s1", nil, nil)
	lttesting.AssertEqual(t, http.StatusOK, rec.Code)
	rec, resp = f.do(t, http.MethodGet, "/api/sessions/s1", nil, nil)
	lttesting.AssertEqual(t, http.StatusNotFound, rec.Code)
	lttesting.AssertEqual(t, false, resp.Success)
}

func TestPhrasesLifecycle(t *testing.T) {
	f := newAPIFixture(t, false)
	header := http.Header{"Client-Id": {"alice"}}

	rec, _ := f.do(t, http.MethodPost, "/api/phrases", map[string]any{"source_text": "hi"}, header)
	lttesting.AssertEqual(t, http.StatusBadRequest, rec.Code)

	rec, resp := f.do(t, http.MethodPost, "/api/phrases", map[string]any{
		"source_text":     "Where is the station?",
		"translated_text": "Où est la gare ?",
		"source_lang":     "en",
		"target_lang":     "fr",
		"tags":            []string{"travel"},
	}, header)
	lttesting.AssertEqual(t, http.StatusCreated, rec.Code)
	created := resp.Data.(map[string]any)
	id := created["id"].(string)
	lttesting.AssertEqual(t, "alice", created["user_id"])

	rec, resp = f.do(t, http.MethodGet, "/api/phrases?q=STATION&target_lang=fr", nil, nil)
	lttesting.AssertEqual(t, http.StatusOK, rec.Code)
	if list := resp.Data.([]any); len(list) != 1 {
		t.Fatalf("search returned %d phrases", len(list))
	}

	rec, resp = f.do(t, http.MethodPost, "/api/phrases/"+id+"/review", nil, nil)
	lttesting.AssertEqual(t, http.StatusOK, rec.Code)
	reviewed := resp.Data.(map[string]any)
	lttesting.AssertEqual(t, float64(1), reviewed["review_count"])

	rec, _ = f.do(t, http.MethodDelete, "/api/phrases/"+id, nil, nil)
	lttesting.AssertEqual(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodPost, "/api/phrases/"+id+"/review", nil, nil)
	lttesting.AssertEqual(t, http.StatusNotFound, rec.Code)
}

// login registers an account and returns its user id and bearer header.
func (f *apiFixture) login(t *testing.T, email string) (string, http.Header) {
	t.Helper()
	creds := map[string]string{"email": email, "password": "pass-" + email}
	rec, _ := f.do(t, http.MethodPost, "/api/auth/register", creds, nil)
	lttesting.AssertEqual(t, http.StatusCreated, rec.Code)

	rec, resp := f.do(t, http.MethodPost, "/api/auth/login", creds, nil)
	lttesting.AssertEqual(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]any)
	return data["user_id"].(string), http.Header{"Authorization": {"Bearer " + data["token"].(string)}}
}

func TestSecuredRoutesRequireToken(t *testing.T) {
	f := newAPIFixture(t, true)
	aliceID, bearer := f.login(t, "alice@example.com")
	bobID, _ := f.login(t, "bob@example.com")
	f.seed(t, "s1", aliceID)
	f.seed(t, "s2", bobID)

	rec, _ := f.do(t, http.MethodGet, "/api/sessions", nil, nil)
	lttesting.AssertEqual(t, http.StatusUnauthorized, rec.Code)

	rec, resp := f.do(t, http.MethodGet, "/api/sessions", nil, bearer)
	lttesting.AssertEqual(t, http.StatusOK, rec.Code)
	if list := resp.Data.([]any); len(list) != 1 {
		t.Fatalf("token must scope sessions to its user, got %d", len(list))
	}

	rec, _ = f.do(t, http.MethodGet, "/api/sessions/s2", nil, bearer)
	lttesting.AssertEqual(t, http.StatusNotFound, rec.Code)

	// A token signed with another secret is rejected.
	forged, err := auth.NewTokens("other-secret").IssueAPIToken(bobID)
	lttesting.AssertNoError(t, err)
	rec, _ = f.do(t, http.MethodGet, "/api/sessions", nil, http.Header{"Authorization": {"Bearer " + forged}})
	lttesting.AssertEqual(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/health", nil, nil)
	lttesting.AssertEqual(t, http.StatusOK, rec.Code)
}

func TestRegisterAndLogin(t *testing.T) {
	f := newAPIFixture(t, false)
	creds := map[string]string{"email": "Carol@Example.com", "password": "s3cret-words", "full_name": "Carol"}

	rec, resp := f.do(t, http.MethodPost, "/api/auth/register", creds, nil)
	lttesting.AssertEqual(t, http.StatusCreated, rec.Code)
	data := resp.Data.(map[string]any)
	userID := data["user_id"].(string)
	lttesting.AssertEqual(t, "carol@example.com", data["email"])
	if _, ok := data["user"].(map[string]any)["password_hash"]; ok {
		t.Fatal("password hash must not be returned")
	}
	subject, err := f.tokens.VerifyAPIToken(data["token"].(string))
	lttesting.AssertNoError(t, err)
	lttesting.AssertEqual(t, userID, subject)

	rec, _ = f.do(t, http.MethodPost, "/api/auth/register", creds, nil)
	lttesting.AssertEqual(t, http.StatusConflict, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/auth/register", map[string]string{"email": "dave@example.com", "password": "short"}, nil)
	lttesting.AssertEqual(t, http.StatusBadRequest, rec.Code)
	rec, _ = f.do(t, http.MethodPost, "/api/auth/register", map[string]string{"email": "not-an-email", "password": "long-enough"}, nil)
	lttesting.AssertEqual(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": "carol@example.com", "password": "wrong-words"}, nil)
	lttesting.AssertEqual(t, http.StatusUnauthorized, rec.Code)

	rec, resp = f.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": "carol@example.com", "password": "s3cret-words"}, nil)
	lttesting.AssertEqual(t, http.StatusOK, rec.Code)
	bearer := http.Header{"Authorization": {"Bearer " + resp.Data.(map[string]any)["token"].(string)}}

	rec, _ = f.do(t, http.MethodGet, "/api/auth/me", nil, nil)
	lttesting.AssertEqual(t, http.StatusUnauthorized, rec.Code)
	rec, resp = f.do(t, http.MethodGet, "/api/auth/me", nil, bearer)
	lttesting.AssertEqual(t, http.StatusOK, rec.Code)
	me := resp.Data.(map[string]any)
	lttesting.AssertEqual(t, userID, me["id"])
	lttesting.AssertEqual(t, "Carol", me["full_name"])
	if me["last_login_at"] == nil {
		t.Fatal("login time should be recorded")
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	f := newAPIFixture(t, false)
	hash, err := bcrypt.GenerateFromPassword([]byte("frozen-pass"), bcrypt.MinCost)
	lttesting.AssertNoError(t, err)
	_, err = f.users.Create(context.Background(), auth.User{Email: "frank@example.com", PasswordHash: string(hash)})
	lttesting.AssertNoError(t, err)

	rec, _ := f.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": "frank@example.com", "password": "frozen-pass"}, nil)
	lttesting.AssertEqual(t, http.StatusForbidden, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	f := newAPIFixture(t, false)
	rec, resp := f.do(t, http.MethodGet, "/api/nope", nil, nil)
	lttesting.AssertEqual(t, http.StatusNotFound, rec.Code)
	lttesting.AssertEqual(t, false, resp.Success)
}
