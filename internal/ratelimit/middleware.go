package ratelimit

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/kairos/internal/ctxutil"
	"github.com/ashita-ai/kairos/internal/model"
)

// KeyFunc extracts the rate limit key from a request.
// A key with an empty Scope skips rate limiting for this request.
type KeyFunc func(r *http.Request) Key

// maxTaskTypePeek bounds how much of an enqueue body is buffered to find its
// task type. Larger bodies are limited under the caller's default bucket.
const maxTaskTypePeek = 64 << 10

// Middleware returns HTTP middleware that enforces limiter per key.
// Limiter errors fail open.
func Middleware(limiter Limiter, keyFunc KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if limiter == nil || key.Scope == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "key", key.String(), "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				w.Header().Set("Retry-After", "1")
				writeRateLimitError(w, ctxutil.RequestIDFromContext(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitError writes a rate-limit error using the standard API error envelope.
func writeRateLimitError(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// ServiceKeyFunc keys on the authenticated service. Admins are not limited.
// Unauthenticated requests fall back to the client IP.
func ServiceKeyFunc(r *http.Request) Key {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		return Key{Scope: "ip:" + IPKeyFunc(r)}
	}
	if claims.Role == model.RoleAdmin {
		return Key{}
	}
	return Key{Scope: "service:" + claims.ServiceID}
}

// AuthKeyFunc keys token issuance on the client IP.
func AuthKeyFunc(r *http.Request) Key {
	return Key{Scope: "auth:" + IPKeyFunc(r)}
}

// WithTaskType adds the task_type of a JSON request body to the keys produced
// by next. The body is restored for the handler. A body that is too large,
// malformed, or missing task_type keeps the key unchanged.
func WithTaskType(next KeyFunc) KeyFunc {
	return func(r *http.Request) Key {
		key := next(r)
		if key.Scope == "" || r.Body == nil || r.Body == http.NoBody {
			return key
		}
		key.TaskType = peekTaskType(r)
		return key
	}
}

func peekTaskType(r *http.Request) string {
	head, err := io.ReadAll(io.LimitReader(r.Body, maxTaskTypePeek+1))
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(head), r.Body), Closer: r.Body}
	if err != nil || len(head) > maxTaskTypePeek {
		return ""
	}
	var body struct {
		TaskType string `json:"task_type"`
	}
	if json.Unmarshal(head, &body) != nil {
		return ""
	}
	return body.TaskType
}

type readCloser struct {
	io.Reader
	io.Closer
}

// IPKeyFunc extracts the client IP from RemoteAddr. X-Forwarded-For is not
// trusted because any client can set it.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
