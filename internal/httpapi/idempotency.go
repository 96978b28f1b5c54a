package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	idempotencyKeyHeader   = "Idempotency-Key"
	idempotencyReplayed    = "Idempotent-Replayed"
	idempotencyTTL         = 24 * time.Hour
	maxIdempotentBodyBytes = 1 << 20
)

// responseRecorder дублирует ответ обработчика, чтобы сохранить его под ключом.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

// idempotent сохраняет ответ операции scope под Idempotency-Key и отдаёт
// его повторно. Без заголовка запрос выполняется как обычно.
func (h *Handler) idempotent(scope domain.IdempotencyScope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return h.idempotentHandler(scope, next)
	}
}

func (h *Handler) idempotentHandler(scope domain.IdempotencyScope, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
		if raw == "" || h.idempotency == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := domain.IdempotencyKey{Scope: scope, Key: raw}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBodyBytes))
		if err != nil {
			h.writeError(w, r, &domain.ValidationError{Field: "body", Message: "cannot read request body"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ctx := r.Context()
		logger := h.logger.WithFields(log.Fields{
			"idempotency_key":   raw,
			"idempotency_scope": scope,
		})

		record, err := h.idempotency.CreateProcessing(ctx, key, requestHash(r, body), h.now().Add(idempotencyTTL))
		if err != nil {
			h.replay(w, r, scope, err, record)
			return
		}

		rec := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		if status < http.StatusBadRequest {
			err = h.idempotency.MarkDone(ctx, key, rec.body.Bytes(), status)
		} else {
			err = h.idempotency.MarkFailed(ctx, key, rec.body.Bytes(), status)
		}
		if err != nil {
			logger.WithError(err).Warn("failed to store idempotent response")
		}
	})
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request, scope domain.IdempotencyScope, createErr error, record domain.IdempotencyRecord) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		h.writeError(w, r, createErr)
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone, domain.IdempotencyStatusFailed:
			if len(record.ResponseBody) == 0 || record.HTTPStatus == 0 {
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{Code: "internal", Message: "idempotency cache is empty"}})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(idempotencyReplayed, "true")
			w.WriteHeader(record.HTTPStatus)
			_, _ = w.Write(record.ResponseBody)
		case domain.IdempotencyStatusProcessing:
			writeJSON(w, http.StatusConflict, errorResponse{Error: errorBody{
				Code:    "conflict",
				Message: "request with the same idempotency key is already processing",
			}})
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{Code: "internal", Message: "unknown idempotency record status"}})
		}
	default:
		h.logger.WithError(createErr).WithFields(log.Fields{
			"scope": scope,
			"path":  r.URL.Path,
		}).Warn("failed to create idempotency record")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{Code: "internal", Message: "failed to initialize idempotent request"}})
	}
}

// requestHash связывает ключ с методом, путём и телом запроса.
func requestHash(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{':'})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{':'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
