package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"subsync/internal/types"
)

// adminKeyHeader carries the admin API key on management endpoints.
const adminKeyHeader = "X-Admin-Key"

// defaultRedactedHeaders lists header names whose values are masked in
// request logs. Stripe-Signature is included: the signature itself is not a
// secret, but masking it keeps replayable material out of log storage.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"Stripe-Signature",
	adminKeyHeader,
}

// responseCapture wraps an http.ResponseWriter to record the status code
// written by downstream handlers, for logging.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer for http.ResponseController.
func (rc *responseCapture) Unwrap() http.ResponseWriter {
	return rc.ResponseWriter
}

// RequestIDMiddleware assigns each request a correlation ID. An inbound
// X-Request-Id is honored so upstream proxies can stitch traces together;
// otherwise a fresh UUID is generated.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		ctx := types.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Recoverer catches panics in the handler chain, logs the stack trace, and
// writes a standardized 500 response. It must be the outermost middleware.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				s.Logger.Error("panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("panic", fmt.Sprintf("%v", rvr)),
					slog.String("stack", string(debug.Stack())),
				)
				Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "an unexpected error occurred", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs request metadata (method, path, status, duration) with
// the values of redactedHeaders masked.
func RequestLogger(logger *slog.Logger, redactedHeaders []string) func(http.Handler) http.Handler {
	redactSet := make(map[string]struct{}, len(redactedHeaders))
	for _, h := range redactedHeaders {
		redactSet[strings.ToLower(h)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rc := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rc, r)

			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rc.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", types.GetRequestID(r.Context())),
			}
			for name := range redactSet {
				if r.Header.Get(name) != "" {
					attrs = append(attrs, slog.String("header."+name, "[redacted]"))
				}
			}
			logger.InfoContext(r.Context(), "http request", attrs...)
		})
	}
}

// AdminKeyAuth guards management endpoints with a single admin API key. The
// configured value is a bcrypt hash of the key, so configuration dumps never
// contain the usable credential. The webhook ingress is NOT behind this
// middleware; its authenticity comes from signature verification.
func AdminKeyAuth(keyHash types.SecretString, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(adminKeyHeader)
			if provided == "" {
				Error(w, r, types.NewAppError(types.ErrCodeAuthAdminKeyMissing, "missing admin API key", nil))
				return
			}

			if err := bcrypt.CompareHashAndPassword([]byte(keyHash.Unmask()), []byte(provided)); err != nil {
				logger.WarnContext(r.Context(), "admin key rejected",
					"path", r.URL.Path,
					"request_id", types.GetRequestID(r.Context()),
				)
				Error(w, r, types.NewAppError(types.ErrCodeAuthAdminKeyInvalid, "invalid admin API key", nil))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
