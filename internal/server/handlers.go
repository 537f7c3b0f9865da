// Package server exposes the cloud sync API: a push endpoint that runs
// the conflict resolver and a pull endpoint for reconciliation.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/alexjbarnes/reader-sync/internal/errors"
	"github.com/alexjbarnes/reader-sync/internal/server/store"
)

// Push outcome statuses on the wire.
const (
	StatusUpdated  = "updated"
	StatusIgnored  = "ignored"
	StatusConflict = "conflict"
)

type pushRequest struct {
	BookID     string  `json:"book_id"`
	CFI        string  `json:"cfi"`
	Percentage float64 `json:"percentage"`
	Timestamp  int64   `json:"timestamp"`
	DeviceID   string  `json:"device_id"`
	PageNumber int     `json:"page_number,omitempty"`
	ChapterID  string  `json:"chapter_id,omitempty"`
}

type serverRecord struct {
	BookID      string  `json:"book_id"`
	CFI         string  `json:"cfi"`
	Percentage  float64 `json:"percentage"`
	Timestamp   int64   `json:"timestamp"`
	DeviceID    string  `json:"device_id"`
	PageNumber  int     `json:"page_number,omitempty"`
	ChapterID   string  `json:"chapter_id,omitempty"`
	SyncVersion int64   `json:"sync_version"`
}

type pushResponse struct {
	Status      string        `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	ServerState *serverRecord `json:"server_state,omitempty"`
}

func toServerRecord(rec store.Record) serverRecord {
	return serverRecord{
		BookID:      rec.BookID,
		CFI:         rec.Position,
		Percentage:  rec.Percentage,
		Timestamp:   rec.UpdatedAt,
		DeviceID:    rec.DeviceID,
		PageNumber:  rec.PageNumber,
		ChapterID:   rec.ChapterID,
		SyncVersion: rec.SyncVersion,
	}
}

// HandlePush runs the conflict resolver for one pushed progress record.
// The owning user comes from the session; the body carries everything
// else.
func HandlePush(s store.ProgressStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserIDFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "no authenticated user")
			return
		}

		var req pushRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON body")
			return
		}

		if req.BookID == "" || req.CFI == "" || req.DeviceID == "" || req.Timestamp <= 0 {
			writeError(w, http.StatusBadRequest, "MISSING_FIELD", "book_id, cfi, device_id and timestamp are required")
			return
		}

		res, err := s.Upsert(r.Context(), userID, store.UpsertInput{
			BookID:     req.BookID,
			Position:   req.CFI,
			Percentage: req.Percentage,
			PageNumber: req.PageNumber,
			ChapterID:  req.ChapterID,
			DeviceID:   req.DeviceID,
			UpdatedAt:  req.Timestamp,
		})
		if err != nil {
			switch {
			case errors.Is(err, apperrors.ErrClockSkew):
				writeError(w, http.StatusBadRequest, "CLOCK_SKEW", "timestamp too far in the future")
			case errors.Is(err, apperrors.ErrStaleWrite):
				writeError(w, http.StatusBadRequest, "STALE_WRITE", "timestamp too far in the past")
			default:
				logger.Error("progress upsert",
					slog.String("user_id", userID),
					slog.String("book_id", req.BookID),
					slog.String("error", err.Error()),
				)
				writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
			}

			return
		}

		if res.Updated {
			writeJSON(w, http.StatusOK, pushResponse{Status: StatusUpdated})
			return
		}

		reason := "hot_window"
		if res.Record.UpdatedAt >= req.Timestamp {
			reason = "older_timestamp"
		}

		logger.Debug("push ignored",
			slog.String("user_id", userID),
			slog.String("book_id", req.BookID),
			slog.String("reason", reason),
		)

		state := toServerRecord(res.Record)
		writeJSON(w, http.StatusOK, pushResponse{
			Status:      StatusIgnored,
			Reason:      reason,
			ServerState: &state,
		})
	}
}

// HandlePull returns the user's most recently updated progress records,
// newest first, for pull reconciliation.
func HandlePull(s store.ProgressStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserIDFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "no authenticated user")
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be an integer")
				return
			}

			limit = n
		}

		recs, err := s.List(r.Context(), userID, limit)
		if err != nil {
			logger.Error("progress list",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")

			return
		}

		out := make([]serverRecord, 0, len(recs))
		for _, rec := range recs {
			out = append(out, toServerRecord(rec))
		}

		writeJSON(w, http.StatusOK, out)
	}
}

// RouterConfig holds dependencies for building the HTTP router.
type RouterConfig struct {
	Store    store.ProgressStore
	Users    UserCredentials
	Verifier JWTVerifier
	Issuer   TokenIssuer
	Logger   *slog.Logger
}

// NewRouter builds the chi router: health check, token endpoint, and the
// Bearer-protected progress endpoints.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Post("/v1/auth/token", HandleToken(cfg.Users, cfg.Issuer, cfg.Logger))

	r.Group(func(r chi.Router) {
		r.Use(RequireUser(cfg.Verifier))
		r.Post("/v1/progress", HandlePush(cfg.Store, cfg.Logger))
		r.Get("/v1/progress", HandlePull(cfg.Store, cfg.Logger))
	})

	return r
}
