package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/askpage/askpage/internal/engine"
)

// writeDomainError maps admission and resilience errors onto HTTP statuses.
// Unrecognized errors become opaque 500s; their detail goes to the log only.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var (
		authErr    *engine.AuthenticationError
		domainErr  *engine.DomainMismatchError
		wlErr      *engine.WhitelistViolationError
		quotaErr   *engine.UsageLimitExceededError
		rateErr    *engine.RateLimitExceededError
		unavailErr *engine.ServiceUnavailableError
	)
	switch {
	case errors.As(err, &authErr):
		writeError(s.logger, w, http.StatusUnauthorized, "invalid api key")
	case errors.As(err, &domainErr):
		writeError(s.logger, w, http.StatusForbidden, domainErr.Error())
	case errors.As(err, &wlErr):
		writeError(s.logger, w, http.StatusForbidden, wlErr.Error())
	case errors.As(err, &quotaErr):
		writeJSON(s.logger, w, http.StatusForbidden, map[string]any{
			"error": "daily blog limit reached",
			"limit": quotaErr.Limit,
		})
	case errors.As(err, &rateErr):
		setRetryAfter(w, rateErr.RetryAfter)
		writeJSON(s.logger, w, http.StatusTooManyRequests, map[string]any{
			"error":               "rate limit exceeded",
			"class":               rateErr.Class,
			"limit":               rateErr.Limit,
			"window_seconds":      int(rateErr.Window.Seconds()),
			"retry_after_seconds": int(math.Ceil(rateErr.RetryAfter.Seconds())),
		})
	case errors.As(err, &unavailErr):
		setRetryAfter(w, unavailErr.RetryAfter)
		writeError(s.logger, w, http.StatusServiceUnavailable,
			fmt.Sprintf("%s temporarily unavailable", unavailErr.Dependency))
	case errors.Is(err, engine.ErrInvalidURL):
		writeError(s.logger, w, http.StatusBadRequest, "invalid blog_url")
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "internal server error")
	}
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	seconds := int(math.Ceil(d.Seconds()))
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write response failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
