package handler

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"abuse-shield/internal/limiter"
	"abuse-shield/internal/service"
	"abuse-shield/internal/util"
)

// GuardHandler exposes the rate-limit check surface consumed by the other
// services: OTP, login, password reset, email verification, and the
// suspicious-activity check.
type GuardHandler struct {
	guard  *service.GuardService
	logger *zap.Logger
}

func NewGuardHandler(guard *service.GuardService, logger *zap.Logger) *GuardHandler {
	return &GuardHandler{
		guard:  guard,
		logger: logger,
	}
}

// checkRequest carries the identifier under check. IP and user agent are
// optional caller context, logged for correlation only.
type checkRequest struct {
	Identifier string `json:"identifier"`
	IP         string `json:"ip,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
}

// RegisterRoutes registers all check routes
func (h *GuardHandler) RegisterRoutes(router chi.Router) {
	router.Route("/check", func(r chi.Router) {
		r.Post("/otp", h.CheckOTP)
		r.Post("/password-reset", h.CheckPasswordReset)
		r.Post("/email-verification", h.CheckEmailVerification)
		r.Post("/login", h.CheckLogin)
		r.Post("/suspicious", h.CheckSuspicious)
	})

	router.Route("/login", func(r chi.Router) {
		r.Post("/failure", h.RecordLoginFailure)
		r.Post("/success", h.RecordLoginSuccess)
	})
}

func (h *GuardHandler) decodeIdentifier(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return "", false
	}
	if req.IP != "" || req.UserAgent != "" {
		h.logger.Debug("Check request context",
			util.String("ip", req.IP),
			util.String("user_agent", req.UserAgent),
		)
	}
	return req.Identifier, true
}

func (h *GuardHandler) CheckOTP(w http.ResponseWriter, r *http.Request) {
	h.check(w, r, h.guard.CheckOTPRateLimit, "CheckOTP")
}

func (h *GuardHandler) CheckPasswordReset(w http.ResponseWriter, r *http.Request) {
	h.check(w, r, h.guard.CheckPasswordReset, "CheckPasswordReset")
}

func (h *GuardHandler) CheckEmailVerification(w http.ResponseWriter, r *http.Request) {
	h.check(w, r, h.guard.CheckEmailVerification, "CheckEmailVerification")
}

type checkFn func(ctx context.Context, identifier string) (limiter.Decision, error)

func (h *GuardHandler) check(w http.ResponseWriter, r *http.Request, fn checkFn, method string) {
	ctx := r.Context()
	startTime := time.Now()

	identifier, ok := h.decodeIdentifier(w, r)
	if !ok {
		return
	}

	decision, err := fn(ctx, identifier)
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Rate limit check failed")
		return
	}

	h.respondDecision(w, decision)
	h.logger.Debug("Rate limit checked via HTTP",
		util.Bool("allowed", decision.Allowed),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", method),
	)
}

// respondDecision returns 200 for allowed requests and 429 with a Retry-After
// header for denied ones. The decision payload rides along either way so
// callers can surface remaining quota.
func (h *GuardHandler) respondDecision(w http.ResponseWriter, decision limiter.Decision) {
	if decision.Allowed {
		respondWithJSON(w, http.StatusOK, successResponse(decision, "Request allowed"))
		return
	}

	setRetryAfter(w, decision.RetryAfter)
	respondWithJSON(w, http.StatusTooManyRequests, Response{
		Success: false,
		Data:    decision,
		Message: "Rate limit exceeded",
	})
}

func (h *GuardHandler) CheckLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identifier, ok := h.decodeIdentifier(w, r)
	if !ok {
		return
	}

	decision, err := h.guard.CheckLoginAttempt(ctx, identifier)
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Login check failed")
		return
	}

	if decision.Allowed {
		respondWithJSON(w, http.StatusOK, successResponse(decision, "Login attempt allowed"))
		return
	}

	setRetryAfter(w, decision.RetryAfter)
	respondWithJSON(w, http.StatusTooManyRequests, Response{
		Success: false,
		Data:    decision,
		Message: "Login attempt gated",
	})
}

func (h *GuardHandler) RecordLoginFailure(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identifier, ok := h.decodeIdentifier(w, r)
	if !ok {
		return
	}

	decision, err := h.guard.RecordLoginFailure(ctx, identifier)
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Failed to record login failure")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(decision, "Login failure recorded"))
}

func (h *GuardHandler) RecordLoginSuccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identifier, ok := h.decodeIdentifier(w, r)
	if !ok {
		return
	}

	if err := h.guard.ResetLoginFailures(ctx, identifier); err != nil {
		respondWithError(w, getStatusCode(err), err, "Failed to reset login failures")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil, "Login failures reset"))
}

func (h *GuardHandler) CheckSuspicious(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identifier, ok := h.decodeIdentifier(w, r)
	if !ok {
		return
	}

	result, err := h.guard.CheckSuspiciousActivity(ctx, identifier)
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Suspicion check failed")
		return
	}

	if result.Blocked {
		setRetryAfter(w, result.RetryAfter)
		respondWithJSON(w, http.StatusTooManyRequests, Response{
			Success: false,
			Data:    result,
			Message: "Identifier blocked for suspicious activity",
		})
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(result, "Suspicion score computed"))
}

func setRetryAfter(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	seconds := int(math.Ceil(retryAfter.Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}
