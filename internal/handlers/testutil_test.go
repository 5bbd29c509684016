package handlers

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"gorm.io/gorm"

	"github.com/verigate/backend/internal/captcha"
	"github.com/verigate/backend/internal/config"
	"github.com/verigate/backend/internal/metrics"
	"github.com/verigate/backend/internal/middleware"
	"github.com/verigate/backend/internal/models"
	"github.com/verigate/backend/internal/push"
	"github.com/verigate/backend/internal/rate"
	"github.com/verigate/backend/internal/registration"
	"github.com/verigate/backend/internal/services"
	"github.com/verigate/backend/pkg/logger"
	"github.com/verigate/backend/pkg/utils"
)

type sessionEnv struct {
	app       *fiber.App
	db        *gorm.DB
	store     *services.SessionStore
	recovery  *services.RecoveryService
	authority *authorityStub
	push      *pushRecorder
	captcha   *captchaStub
	mr        *miniredis.Miniredis
}

type envOptions struct {
	captchaEnabled   bool
	captchaThreshold float64
	authorityTimeout time.Duration
	pushAttempts     int
	captchaAttempts  int
}

var handlersTestSetupOnce sync.Once

func newSessionEnv(t *testing.T, opts envOptions) *sessionEnv {
	t.Helper()

	handlersTestSetupOnce.Do(func() {
		gosqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
		utils.ConfigureServiceToken("test-secret", 5*time.Minute)
	})

	if opts.authorityTimeout == 0 {
		opts.authorityTimeout = 2 * time.Second
	}
	if opts.pushAttempts == 0 {
		opts.pushAttempts = 5
	}
	if opts.captchaAttempts == 0 {
		opts.captchaAttempts = 10
	}

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	err = db.AutoMigrate(
		&models.VerificationSession{},
		&models.RecoveryCredential{},
		&models.AuditLog{},
		&models.AuditExportCursor{},
	)
	if err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = redisClient.Close()
	})

	authority := &authorityStub{acceptCode: "550123"}
	authoritySrv := httptest.NewServer(authority)
	t.Cleanup(authoritySrv.Close)

	store := services.NewSessionStore(db, 5*time.Second)
	recovery := services.NewRecoveryService(db, 5*time.Second)
	audit := services.NewAuditService(db, nil, 16)

	pushRec := &pushRecorder{}
	captchaAssessor := &captchaStub{assessment: captcha.Assessment{Valid: true, Score: 1}}

	recorder, err := metrics.NewRecorder(sdkmetric.NewMeterProvider().Meter("verigate-test"))
	if err != nil {
		t.Fatalf("failed building metrics recorder: %v", err)
	}

	sessionHandler := NewSessionHandler(SessionDeps{
		Authority:      registration.NewClient(authoritySrv.URL, opts.authorityTimeout),
		Store:          store,
		Recovery:       recovery,
		Audit:          audit,
		Push:           pushRec,
		PushLimiter:    rate.New(redisClient, "rate:pushchallenge", rate.Rule{Attempts: opts.pushAttempts, Window: 15 * time.Minute}),
		Captcha:        captchaAssessor,
		CaptchaLimiter: rate.New(redisClient, "rate:captcha", rate.Rule{Attempts: opts.captchaAttempts, Window: 15 * time.Minute}),
		CaptchaConfig: config.CaptchaConfig{
			Enabled:        opts.captchaEnabled,
			ScoreThreshold: opts.captchaThreshold,
		},
		Metrics: recorder,
	})
	metaHandler := NewMetaHandler(db)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS("*"))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	app.Get("/health", metaHandler.Health)
	app.Get("/version", metaHandler.Version)

	app.Post("/session", sessionHandler.CreateSession)
	app.Get("/session/:id", sessionHandler.GetSession)
	app.Patch("/session/:id", sessionHandler.UpdateSession)
	app.Post("/session/:id/code", sessionHandler.RequestCode)
	app.Put("/session/:id/code", sessionHandler.VerifyCode)

	return &sessionEnv{
		app:       app,
		db:        db,
		store:     store,
		recovery:  recovery,
		authority: authority,
		push:      pushRec,
		captcha:   captchaAssessor,
		mr:        mr,
	}
}

// createSession runs the create flow and returns the encoded session id.
func (e *sessionEnv) createSession(t *testing.T, number string) string {
	t.Helper()

	resp := performJSONRequest(t, e.app, http.MethodPost, "/session", map[string]any{"number": number}, nil)
	assertStatus(t, resp, http.StatusOK)
	view := decodeJSONMap(t, resp)

	id, _ := view["encodedSessionId"].(string)
	if id == "" {
		t.Fatalf("create response missing encodedSessionId: %+v", view)
	}
	return id
}

// registerPushToken registers a device token and returns the challenge
// that was delivered to it.
func (e *sessionEnv) registerPushToken(t *testing.T, id string) string {
	t.Helper()

	resp := performJSONRequest(t, e.app, http.MethodPatch, "/session/"+id, map[string]any{
		"pushToken":     "device-token-1",
		"pushTokenType": "fcm",
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	_ = decodeJSONMap(t, resp)

	return e.push.lastChallenge(t)
}

func (e *sessionEnv) submitPushChallenge(t *testing.T, id, challenge string) *http.Response {
	t.Helper()
	return performJSONRequest(t, e.app, http.MethodPatch, "/session/"+id, map[string]any{
		"pushChallenge": challenge,
	}, nil)
}

// satisfyPushChallenge walks a session through token registration and a
// matching challenge echo so code requests are permitted.
func (e *sessionEnv) satisfyPushChallenge(t *testing.T, id string) {
	t.Helper()

	challenge := e.registerPushToken(t, id)
	resp := e.submitPushChallenge(t, id, challenge)
	assertStatus(t, resp, http.StatusOK)
	_ = decodeJSONMap(t, resp)
}

func (e *sessionEnv) localRecord(t *testing.T, id string) *models.VerificationSession {
	t.Helper()

	record, err := e.store.Find(context.Background(), id)
	if err != nil {
		t.Fatalf("loading session record %s: %v", id, err)
	}
	return record
}

// authorityStub fakes the registration authority with a single in-memory
// session, which is all one handler test needs.
type authorityStub struct {
	mu         sync.Mutex
	exists     bool
	acceptCode string
	session    *stubSession
	delay      time.Duration

	createFailure *stubFailure
	getFailure    *stubFailure
	sendFailure   *stubFailure
	checkFailure  *stubFailure

	lastSendTransport string
	lastSendClient    string
	lastSendLanguage  string
}

type stubSession struct {
	ID                      []byte
	Number                  string
	Verified                bool
	NextSms                 *time.Time
	NextVoiceCall           *time.Time
	NextVerificationAttempt *time.Time
	ExpirationSeconds       int64
}

type stubFailure struct {
	status              int
	message             string
	retryAfterSeconds   int64
	includeSession      bool
	transportNotAllowed bool
}

func (s *stubSession) document() map[string]any {
	return map[string]any{
		"id":                      registration.EncodeSessionID(s.ID),
		"number":                  s.Number,
		"verified":                s.Verified,
		"nextSms":                 s.NextSms,
		"nextVoiceCall":           s.NextVoiceCall,
		"nextVerificationAttempt": s.NextVerificationAttempt,
		"expirationSeconds":       s.ExpirationSeconds,
	}
}

func (a *authorityStub) encodedID(t *testing.T) string {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		t.Fatal("authority stub has no session")
	}
	return registration.EncodeSessionID(a.session.ID)
}

func (a *authorityStub) sendCodeCall() (transport, client, language string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSendTransport, a.lastSendClient, a.lastSendLanguage
}

func (a *authorityStub) markVerified() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session.Verified = true
}

func (a *authorityStub) setSession(s *stubSession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = s
}

func (a *authorityStub) sessionNumber() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return ""
	}
	return a.session.Number
}

func (a *authorityStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.delay > 0 {
		time.Sleep(a.delay)
	}

	switch {
	case strings.HasPrefix(r.URL.Path, "/v1/accounts/"):
		writeStubJSON(w, http.StatusOK, map[string]any{"exists": a.exists})

	case r.URL.Path == "/v1/sessions" && r.Method == http.MethodPost:
		if a.createFailure != nil {
			a.writeFailure(w, a.createFailure)
			return
		}
		var body struct {
			Number string `json:"number"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		a.session = &stubSession{
			ID:                []byte("stub-session-0001"),
			Number:            body.Number,
			ExpirationSeconds: 600,
		}
		writeStubJSON(w, http.StatusOK, a.session.document())

	case strings.HasSuffix(r.URL.Path, "/code") && r.Method == http.MethodPost:
		var body struct {
			Transport string `json:"transport"`
			Client    string `json:"client"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		a.lastSendTransport = body.Transport
		a.lastSendClient = body.Client
		a.lastSendLanguage = r.Header.Get("Accept-Language")
		if a.sendFailure != nil {
			a.writeFailure(w, a.sendFailure)
			return
		}
		writeStubJSON(w, http.StatusOK, a.session.document())

	case strings.HasSuffix(r.URL.Path, "/code") && r.Method == http.MethodPut:
		if a.checkFailure != nil {
			a.writeFailure(w, a.checkFailure)
			return
		}
		var body struct {
			Code string `json:"code"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if a.acceptCode != "" && body.Code == a.acceptCode {
			a.session.Verified = true
		}
		writeStubJSON(w, http.StatusOK, a.session.document())

	case r.Method == http.MethodGet:
		if a.getFailure != nil {
			a.writeFailure(w, a.getFailure)
			return
		}
		encoded := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
		if a.session == nil || registration.EncodeSessionID(a.session.ID) != encoded {
			writeStubJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
			return
		}
		writeStubJSON(w, http.StatusOK, a.session.document())

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (a *authorityStub) writeFailure(w http.ResponseWriter, f *stubFailure) {
	body := map[string]any{"error": f.message}
	if f.retryAfterSeconds > 0 {
		body["retryAfter"] = f.retryAfterSeconds
	}
	if f.includeSession && a.session != nil {
		body["session"] = a.session.document()
	}
	if f.transportNotAllowed {
		body["transportNotAllowed"] = true
	}
	writeStubJSON(w, f.status, body)
}

func writeStubJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// pushRecorder satisfies push.Sender and captures every delivery.
type pushRecorder struct {
	mu    sync.Mutex
	sends []pushSend
	err   error
}

type pushSend struct {
	token     string
	tokenType push.TokenType
	challenge string
}

func (p *pushRecorder) SendChallenge(_ context.Context, token string, tokenType push.TokenType, challenge string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sends = append(p.sends, pushSend{token: token, tokenType: tokenType, challenge: challenge})
	return p.err
}

func (p *pushRecorder) lastChallenge(t *testing.T) string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sends) == 0 {
		t.Fatal("no push challenge was sent")
	}
	return p.sends[len(p.sends)-1].challenge
}

func (p *pushRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sends)
}

// captchaStub satisfies captcha.Assessor with a scripted assessment.
type captchaStub struct {
	mu         sync.Mutex
	assessment captcha.Assessment
	err        error
	calls      int
	lastToken  string
}

func (s *captchaStub) Assess(_ context.Context, token, clientIP, userAgent string) (*captcha.Assessment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastToken = token
	if s.err != nil {
		return nil, s.err
	}
	a := s.assessment
	return &a, nil
}

func (s *captchaStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertErrorMessage(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q", expected, got)
	}
}

func assertRequested(t *testing.T, view map[string]any, want ...string) {
	t.Helper()

	raw, ok := view["requestedInformation"].([]any)
	if !ok {
		t.Fatalf("requestedInformation missing or not a list: %+v", view)
	}
	if len(raw) != len(want) {
		t.Fatalf("expected requestedInformation %v, got %v", want, raw)
	}
	for i, item := range raw {
		if item != want[i] {
			t.Fatalf("expected requestedInformation %v, got %v", want, raw)
		}
	}
}
