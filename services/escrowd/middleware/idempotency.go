package middleware

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowdao/services/escrowd/models"
)

// IdempotencyHeader names the request header carrying the client key.
const IdempotencyHeader = "Idempotency-Key"

// WithIdempotency replays the stored response for a repeated POST carrying
// the same Idempotency-Key from the same caller. The key is claimed with a
// pending row before the handler runs, so a concurrent duplicate gets 409
// instead of executing twice. Only responses below 500 are kept; a 5xx
// releases the claim so the request can be retried.
func WithIdempotency(db *gorm.DB, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
			if db == nil || key == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			caller := ""
			if addr, ok := CallerFromContext(r.Context()); ok {
				caller = addr.Hex()
			}

			var record models.IdempotencyKey
			err := db.First(&record, "key = ? AND caller = ?", key, caller).Error
			if err == nil {
				replay(w, r, record)
				return
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				logger.Error("load idempotency key", slog.String("path", r.URL.Path), slog.Any("error", err))
				writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
				return
			}

			claim := models.IdempotencyKey{
				Key:       key,
				Caller:    caller,
				RequestID: uuid.NewString(),
				Method:    r.Method,
				Path:      r.URL.Path,
				CreatedAt: time.Now().UTC(),
			}
			if err := db.Create(&claim).Error; err != nil {
				// Lost the race to another request with the same key.
				if lookup := db.First(&record, "key = ? AND caller = ?", key, caller).Error; lookup == nil {
					replay(w, r, record)
					return
				}
				logger.Error("claim idempotency key", slog.String("path", r.URL.Path), slog.Any("error", err))
				writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
				return
			}

			recorder := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)
			if recorder.status == 0 {
				recorder.status = http.StatusOK
			}
			if recorder.status >= http.StatusInternalServerError {
				if err := db.Where("key = ? AND caller = ?", key, caller).Delete(&models.IdempotencyKey{}).Error; err != nil {
					logger.Error("release idempotency key", slog.String("path", r.URL.Path), slog.Any("error", err))
				}
				return
			}
			if err := db.Model(&models.IdempotencyKey{}).Where("key = ? AND caller = ?", key, caller).Updates(map[string]interface{}{
				"status":   recorder.status,
				"response": recorder.buf.String(),
			}).Error; err != nil {
				logger.Error("store idempotent response",
					slog.String("path", r.URL.Path),
					slog.Int("status", recorder.status),
					slog.Any("error", err),
				)
			}
		})
	}
}

// replay answers from a stored record. A zero status marks a claim whose
// request is still running.
func replay(w http.ResponseWriter, r *http.Request, record models.IdempotencyKey) {
	if record.Path != r.URL.Path {
		writeError(w, http.StatusUnprocessableEntity, "idempotency key reused for a different request")
		return
	}
	if record.Status == 0 {
		writeError(w, http.StatusConflict, "request with this idempotency key is in progress")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(record.Status)
	_, _ = w.Write([]byte(record.Response))
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
