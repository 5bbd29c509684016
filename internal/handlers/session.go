package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

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
)

// SessionDeps carries the collaborators a SessionHandler orchestrates.
type SessionDeps struct {
	Authority      *registration.Client
	Store          *services.SessionStore
	Recovery       *services.RecoveryService
	Audit          *services.AuditService
	Push           push.Sender
	PushLimiter    *rate.Limiter
	Captcha        captcha.Assessor
	CaptchaLimiter *rate.Limiter
	CaptchaConfig  config.CaptchaConfig
	Metrics        *metrics.Recorder
}

// SessionHandler drives the verification-session flow: the authority owns
// session identity and the verified flag, the local record tracks which
// challenges are outstanding, and every update persists whatever state
// the sub-handlers reached, error or not.
type SessionHandler struct {
	SessionDeps
}

func NewSessionHandler(deps SessionDeps) *SessionHandler {
	return &SessionHandler{SessionDeps: deps}
}

var accountIdentifierPattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// evidenceRejectedError marks challenge evidence that was present but did
// not satisfy its requirement. The session sets stay untouched.
type evidenceRejectedError struct {
	source string
}

func (e *evidenceRejectedError) Error() string {
	return "evidence rejected: " + e.source
}

type createSessionRequest struct {
	Number string `json:"number"`
}

type updateSessionRequest struct {
	PushToken     *string `json:"pushToken"`
	PushTokenType *string `json:"pushTokenType"`
	PushChallenge *string `json:"pushChallenge"`
	Captcha       *string `json:"captcha"`
}

type requestCodeRequest struct {
	Transport string `json:"transport"`
	Client    string `json:"client"`
}

type submitCodeRequest struct {
	Code string `json:"code"`
}

// sessionView is the client-visible composition of the authority's session
// and the local challenge record. Challenge values never appear in it.
type sessionView struct {
	EncodedSessionID        string               `json:"encodedSessionId"`
	NextSms                 *time.Time           `json:"nextSms"`
	NextVoiceCall           *time.Time           `json:"nextVoiceCall"`
	NextVerificationAttempt *time.Time           `json:"nextVerificationAttempt"`
	AllowedToRequestCode    bool                 `json:"allowedToRequestCode"`
	RequestedInformation    []models.Information `json:"requestedInformation"`
	Verified                bool                 `json:"verified"`
}

func newSessionView(remote *registration.Session, local *models.VerificationSession) sessionView {
	requested := local.RequestedInformation
	if requested == nil {
		requested = []models.Information{}
	}
	return sessionView{
		EncodedSessionID:        remote.EncodedID(),
		NextSms:                 remote.NextSms,
		NextVoiceCall:           remote.NextVoiceCall,
		NextVerificationAttempt: remote.NextVerificationAttempt,
		AllowedToRequestCode:    local.AllowedToRequestCode,
		RequestedInformation:    requested,
		Verified:                remote.Verified,
	}
}

func errorResponse(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": message})
}

func viewResponse(c *fiber.Ctx, status int, remote *registration.Session, local *models.VerificationSession) error {
	return c.Status(status).JSON(newSessionView(remote, local))
}

// CreateSession allocates an authority session for a normalized account
// identifier and inserts the matching local record. A failed authority
// call leaves no local state behind.
func (h *SessionHandler) CreateSession(c *fiber.Ctx) error {
	var req createSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "invalid request body")
	}

	number := strings.TrimPrefix(req.Number, "@")
	if number == "" || !accountIdentifierPattern.MatchString(number) {
		return errorResponse(c, fiber.StatusBadRequest, "invalid account identifier")
	}

	exists, err := h.Authority.AccountExists(c.Context(), number)
	if err != nil {
		return h.renderCreateAuthorityError(c, err)
	}

	remote, err := h.Authority.CreateSession(c.Context(), number, exists)
	if err != nil {
		return h.renderCreateAuthorityError(c, err)
	}

	local := &models.VerificationSession{
		EncodedSessionID:        remote.EncodedID(),
		RequestedInformation:    []models.Information{},
		SubmittedInformation:    []models.Information{},
		AllowedToRequestCode:    false,
		RemoteExpirationSeconds: remote.ExpirationSeconds,
	}
	if err := h.Store.Insert(c.Context(), local); err != nil {
		logger.Error("session_record_insert_failed", err, map[string]interface{}{
			"encoded_session_id": local.EncodedSessionID,
		})
		return errorResponse(c, fiber.StatusInternalServerError, "internal server error")
	}

	h.audit(c, "session_created", local.EncodedSessionID, number, map[string]interface{}{
		"accountExists": exists,
	})

	return viewResponse(c, fiber.StatusOK, remote, local)
}

// GetSession renders the current view without touching the local record.
func (h *SessionHandler) GetSession(c *fiber.Ctx) error {
	remote, local, rendered := h.loadSession(c)
	if remote == nil {
		return rendered
	}
	return viewResponse(c, fiber.StatusOK, remote, local)
}

// UpdateSession accepts challenge evidence. Sub-handlers run in fixed
// order, least likely to fail first; the first error stops the chain but
// whatever state was reached is persisted before the error is rendered.
func (h *SessionHandler) UpdateSession(c *fiber.Ctx) error {
	var req updateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "invalid request body")
	}

	remote, local, rendered := h.loadSession(c)
	if remote == nil {
		return rendered
	}

	if (req.PushToken == nil) != (req.PushTokenType == nil) {
		return errorResponse(c, fiber.StatusUnprocessableEntity, "must specify both pushToken and pushTokenType or neither")
	}
	var tokenType push.TokenType
	if req.PushTokenType != nil {
		parsed, err := push.ParseTokenType(*req.PushTokenType)
		if err != nil {
			return errorResponse(c, fiber.StatusUnprocessableEntity, "unrecognized push token type")
		}
		tokenType = parsed
	}

	subErr := h.applyPushToken(c, req, tokenType, local)
	if subErr == nil {
		subErr = h.applyPushChallenge(c, req, local)
	}
	if subErr == nil && h.CaptchaConfig.Enabled {
		subErr = h.applyCaptcha(c, req, local)
	}

	// The persist runs detached from the request context so a client
	// disconnect cannot drop validated evidence.
	if err := h.Store.Update(context.Background(), local); err != nil {
		logger.Error("session_record_update_failed", err, map[string]interface{}{
			"encoded_session_id": local.EncodedSessionID,
		})
		return errorResponse(c, fiber.StatusInternalServerError, "internal server error")
	}

	if subErr != nil {
		return h.renderUpdateError(c, subErr, remote, local)
	}

	h.audit(c, "session_updated", local.EncodedSessionID, remote.Number, map[string]interface{}{
		"pushTokenSupplied":     req.PushToken != nil,
		"pushChallengeSupplied": req.PushChallenge != nil,
		"captchaSupplied":       req.Captcha != nil,
	})

	return viewResponse(c, fiber.StatusOK, remote, local)
}

// applyPushToken issues a challenge on first token registration and
// (re)sends the stored challenge to the supplied token. Delivery is
// fire-and-forget: a gateway failure leaves the requirement outstanding
// but never fails the request.
func (h *SessionHandler) applyPushToken(c *fiber.Ctx, req updateSessionRequest, tokenType push.TokenType, local *models.VerificationSession) error {
	if req.PushToken == nil {
		return nil
	}

	if local.PushChallenge == "" {
		challenge, err := generateChallenge()
		if err != nil {
			return fmt.Errorf("generating push challenge: %w", err)
		}
		local.PushChallenge = challenge
		local.RequestInformation(models.InformationPushChallenge)
		local.RecomputeAllowed()
	}

	if err := h.Push.SendChallenge(c.Context(), *req.PushToken, tokenType, local.PushChallenge); err != nil {
		logger.Warn("push_challenge_send_failed", map[string]interface{}{
			"encoded_session_id": local.EncodedSessionID,
			"token_type":         string(tokenType),
			"error":              err.Error(),
		})
		h.Metrics.RecordPushSend(c.Context(), false)
		return nil
	}
	h.Metrics.RecordPushSend(c.Context(), true)
	return nil
}

// applyPushChallenge judges an echoed challenge value. Already-submitted
// evidence short-circuits before the limiter so retries are free; past
// that point every attempt is counted, matching or not.
func (h *SessionHandler) applyPushChallenge(c *fiber.Ctx, req updateSessionRequest, local *models.VerificationSession) error {
	if local.HasSubmitted(models.InformationPushChallenge) {
		return nil
	}

	if req.PushChallenge == nil {
		h.Metrics.RecordPushChallengeAttempt(c.Context(), false, false)
		return nil
	}

	if err := h.PushLimiter.Validate(c.Context(), local.EncodedSessionID); err != nil {
		return err
	}

	matches := local.PushChallenge != "" &&
		subtle.ConstantTimeCompare([]byte(*req.PushChallenge), []byte(local.PushChallenge)) == 1
	h.Metrics.RecordPushChallengeAttempt(c.Context(), true, matches)

	if !matches {
		return &evidenceRejectedError{source: "pushChallenge"}
	}

	local.SubmitInformation(models.InformationPushChallenge)
	local.RemoveRequested(models.InformationCaptcha)
	local.RecomputeAllowed()
	return nil
}

// applyCaptcha scores a captcha token with the external assessor. A
// passing assessment also satisfies a pending push challenge, mirroring
// how a matched push challenge clears a pending captcha.
func (h *SessionHandler) applyCaptcha(c *fiber.Ctx, req updateSessionRequest, local *models.VerificationSession) error {
	if local.HasSubmitted(models.InformationCaptcha) {
		return nil
	}
	if req.Captcha == nil {
		return nil
	}

	if err := h.CaptchaLimiter.Validate(c.Context(), local.EncodedSessionID); err != nil {
		return err
	}

	userAgent := c.Get("User-Agent")
	assessment, err := h.Captcha.Assess(c.Context(), *req.Captcha, c.IP(), userAgent)
	if err != nil {
		return err
	}

	valid := assessment.Satisfies(float32(h.CaptchaConfig.ScoreThreshold))
	h.Metrics.RecordCaptchaAttempt(c.Context(), valid, assessment.Score, metrics.PlatformFromUserAgent(userAgent))

	if !valid {
		return &evidenceRejectedError{source: "captcha"}
	}

	local.SubmitInformation(models.InformationCaptcha)
	local.RemoveRequested(models.InformationPushChallenge)
	local.RecomputeAllowed()
	return nil
}

// RequestCode asks the authority to dispatch a verification code once
// every locally-tracked requirement is satisfied.
func (h *SessionHandler) RequestCode(c *fiber.Ctx) error {
	var req requestCodeRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "invalid request body")
	}

	remote, local, rendered := h.loadSession(c)
	if remote == nil {
		return rendered
	}

	if remote.Verified {
		return viewResponse(c, fiber.StatusConflict, remote, local)
	}
	if !local.AllowedToRequestCode {
		// Outstanding requirements are the client's fault (409); an empty
		// set means the gate is closed purely by policy timing (429).
		status := fiber.StatusConflict
		if len(local.RequestedInformation) == 0 {
			status = fiber.StatusTooManyRequests
		}
		return viewResponse(c, status, remote, local)
	}

	transport, err := registration.ParseTransport(req.Transport)
	if err != nil {
		return errorResponse(c, fiber.StatusUnprocessableEntity, "unknown transport")
	}

	updated, err := h.Authority.SendVerificationCode(c.Context(), remote.ID, transport, classifyClient(req.Client), c.Get("Accept-Language"))
	if err != nil {
		return h.renderSendCodeError(c, err, remote, local)
	}

	userAgent := c.Get("User-Agent")
	h.Metrics.RecordCodeRequest(c.Context(), string(transport), metrics.PlatformFromUserAgent(userAgent))
	h.audit(c, "code_requested", local.EncodedSessionID, remote.Number, map[string]interface{}{
		"transport": string(transport),
		"client":    req.Client,
	})

	return viewResponse(c, fiber.StatusOK, updated, local)
}

// VerifyCode submits a code for the authority to judge. The authority's
// verdict arrives as the verified flag on the returned session; a wrong
// code is a negative verdict, not an error.
func (h *SessionHandler) VerifyCode(c *fiber.Ctx) error {
	var req submitCodeRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "invalid request body")
	}

	remote, local, rendered := h.loadSession(c)
	if remote == nil {
		return rendered
	}

	if strings.TrimSpace(req.Code) == "" {
		return errorResponse(c, fiber.StatusUnprocessableEntity, "code is required")
	}

	updated, err := h.Authority.CheckVerificationCode(c.Context(), remote.ID, req.Code)
	if err != nil {
		return h.renderCheckCodeError(c, err, remote, local)
	}

	h.Metrics.RecordVerification(c.Context(), updated.Verified, metrics.PlatformFromUserAgent(c.Get("User-Agent")))

	if updated.Verified {
		h.invalidateRecovery(c.Context(), updated)
		h.audit(c, "code_verified", local.EncodedSessionID, updated.Number, nil)
	}

	return viewResponse(c, fiber.StatusOK, updated, local)
}

// loadSession is the shared prelude for id-bearing paths: decode the path
// id, fetch the authoritative session, then the local record. When the
// returned session is nil the response has already been written and the
// handler returns the render result as-is.
func (h *SessionHandler) loadSession(c *fiber.Ctx) (*registration.Session, *models.VerificationSession, error) {
	id, err := registration.DecodeSessionID(c.Params("id"))
	if err != nil {
		return nil, nil, errorResponse(c, fiber.StatusUnprocessableEntity, "malformed session id")
	}

	remote, err := h.Authority.GetSession(c.Context(), id)
	if err != nil {
		return nil, nil, h.renderAuthorityLookupError(c, err)
	}

	if remote.Verified {
		h.invalidateRecovery(c.Context(), remote)
	}

	local, err := h.Store.Find(c.Context(), remote.EncodedID())
	if err != nil {
		if errors.Is(err, services.ErrSessionRecordNotFound) {
			return nil, nil, errorResponse(c, fiber.StatusNotFound, "session not found")
		}
		logger.Error("session_record_lookup_failed", err, map[string]interface{}{
			"encoded_session_id": remote.EncodedID(),
		})
		return nil, nil, errorResponse(c, fiber.StatusInternalServerError, "internal server error")
	}

	return remote, local, nil
}

// invalidateRecovery drops the account's cached recovery credential once
// the authority reports the session verified. Idempotent; failures are
// logged but never fail the caller.
func (h *SessionHandler) invalidateRecovery(ctx context.Context, remote *registration.Session) {
	if err := h.Recovery.InvalidateForNumber(ctx, remote.Number); err != nil {
		logger.Error("recovery_credential_invalidation_failed", err, map[string]interface{}{
			"number": remote.Number,
		})
	}
}

func (h *SessionHandler) renderAuthorityLookupError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, registration.ErrSessionNotFound):
		return errorResponse(c, fiber.StatusNotFound, "session not found")
	case errors.Is(err, registration.ErrInvalidArgument):
		return errorResponse(c, fiber.StatusBadRequest, "invalid session id")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		logger.Warn("registration_lookup_timeout", map[string]interface{}{
			"error": err.Error(),
		})
		return errorResponse(c, fiber.StatusServiceUnavailable, "registration service unavailable")
	default:
		logger.Error("registration_lookup_failed", err, nil)
		return errorResponse(c, fiber.StatusServiceUnavailable, "registration service unavailable")
	}
}

func (h *SessionHandler) renderCreateAuthorityError(c *fiber.Ctx, err error) error {
	var rateLimited *registration.RateLimitError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		logger.Warn("registration_create_timeout", map[string]interface{}{
			"error": err.Error(),
		})
		return errorResponse(c, fiber.StatusServiceUnavailable, "registration service unavailable")
	case errors.As(err, &rateLimited):
		setRetryAfter(c, rateLimited.RetryAfter)
		return errorResponse(c, fiber.StatusTooManyRequests, "rate limited")
	default:
		logger.Error("registration_create_failed", err, nil)
		return errorResponse(c, fiber.StatusInternalServerError, "internal server error")
	}
}

func (h *SessionHandler) renderUpdateError(c *fiber.Ctx, err error, remote *registration.Session, local *models.VerificationSession) error {
	var limitExceeded *rate.LimitExceededError
	var rejected *evidenceRejectedError
	switch {
	case errors.As(err, &limitExceeded):
		setRetryAfter(c, limitExceeded.RetryAfter)
		return viewResponse(c, fiber.StatusTooManyRequests, remote, local)
	case errors.Is(err, rate.ErrRedisUnavailable):
		logger.Error("rate_limiter_unavailable", err, nil)
		return errorResponse(c, fiber.StatusServiceUnavailable, "rate limiter unavailable")
	case errors.As(err, &rejected):
		h.audit(c, "evidence_rejected", local.EncodedSessionID, remote.Number, map[string]interface{}{
			"source": rejected.source,
		})
		return viewResponse(c, fiber.StatusForbidden, remote, local)
	case errors.Is(err, captcha.ErrUnavailable):
		logger.Error("captcha_provider_unavailable", err, nil)
		return errorResponse(c, fiber.StatusServiceUnavailable, "captcha provider unavailable")
	default:
		logger.Error("session_update_failed", err, map[string]interface{}{
			"encoded_session_id": local.EncodedSessionID,
		})
		return errorResponse(c, fiber.StatusInternalServerError, "internal server error")
	}
}

func (h *SessionHandler) renderSendCodeError(c *fiber.Ctx, err error, remote *registration.Session, local *models.VerificationSession) error {
	var rateLimited *registration.RateLimitError
	var attempt *registration.AttemptError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		logger.Warn("registration_send_code_timeout", map[string]interface{}{
			"error": err.Error(),
		})
		return errorResponse(c, fiber.StatusServiceUnavailable, "registration service unavailable")
	case errors.As(err, &rateLimited):
		snapshot := remote
		if rateLimited.Session != nil {
			snapshot = rateLimited.Session
		}
		setRetryAfter(c, rateLimited.RetryAfter)
		return viewResponse(c, fiber.StatusTooManyRequests, snapshot, local)
	case errors.As(err, &attempt):
		if attempt.Session == nil {
			return errorResponse(c, fiber.StatusNotFound, "session not found")
		}
		status := fiber.StatusConflict
		if attempt.TransportNotAllowed {
			status = fiber.StatusTeapot
		}
		return viewResponse(c, status, attempt.Session, local)
	default:
		logger.Error("registration_service_failure", err, map[string]interface{}{
			"encoded_session_id": local.EncodedSessionID,
		})
		return errorResponse(c, fiber.StatusInternalServerError, "internal server error")
	}
}

func (h *SessionHandler) renderCheckCodeError(c *fiber.Ctx, err error, remote *registration.Session, local *models.VerificationSession) error {
	var rateLimited *registration.RateLimitError
	var attempt *registration.AttemptError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		logger.Warn("registration_code_check_cancelled", map[string]interface{}{
			"error": err.Error(),
		})
		return errorResponse(c, fiber.StatusServiceUnavailable, "registration service unavailable")
	case errors.As(err, &rateLimited):
		snapshot := remote
		if rateLimited.Session != nil {
			snapshot = rateLimited.Session
		}
		setRetryAfter(c, rateLimited.RetryAfter)
		return viewResponse(c, fiber.StatusTooManyRequests, snapshot, local)
	case errors.As(err, &attempt):
		if attempt.Session == nil {
			return errorResponse(c, fiber.StatusNotFound, "session not found")
		}
		return viewResponse(c, fiber.StatusConflict, attempt.Session, local)
	default:
		logger.Error("registration_service_failure", err, map[string]interface{}{
			"encoded_session_id": local.EncodedSessionID,
		})
		return errorResponse(c, fiber.StatusInternalServerError, "internal server error")
	}
}

func (h *SessionHandler) audit(c *fiber.Ctx, action, sessionID, number string, details map[string]interface{}) {
	h.Audit.LogAsync(services.AuditEntry{
		Action:    action,
		SessionID: sessionID,
		Number:    number,
		Details:   details,
		IPAddress: c.IP(),
		UserAgent: c.Get("User-Agent"),
		RequestID: middleware.RequestID(c),
	})
}
