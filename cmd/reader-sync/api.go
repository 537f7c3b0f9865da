package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/reader-sync/internal/progress"
	"github.com/alexjbarnes/reader-sync/internal/state"
)

// The local API is what the reading app talks to. It is loopback-only
// and unauthenticated: anything that can reach it is already running as
// this user.

type saveRequest struct {
	BookID     string  `json:"book_id"`
	Position   string  `json:"position"`
	Percentage float64 `json:"percentage"`
	PageNumber int     `json:"page_number,omitempty"`
	ChapterID  string  `json:"chapter_id,omitempty"`
}

type progressResponse struct {
	BookID     string              `json:"book_id"`
	Position   string              `json:"position"`
	Percentage float64             `json:"percentage"`
	PageNumber int                 `json:"page_number,omitempty"`
	ChapterID  string              `json:"chapter_id,omitempty"`
	UpdatedAt  int64               `json:"updated_at"`
	DeviceID   string              `json:"device_id"`
	SyncStatus progress.SyncStatus `json:"sync_status"`
}

type localErrorResponse struct {
	Error string `json:"error"`
}

func writeLocalJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newLocalMux(c *progress.Coordinator, st *state.State, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /progress", func(w http.ResponseWriter, r *http.Request) {
		var req saveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeLocalJSON(w, http.StatusBadRequest, localErrorResponse{Error: "malformed JSON body"})
			return
		}

		if req.BookID == "" || req.Position == "" {
			writeLocalJSON(w, http.StatusBadRequest, localErrorResponse{Error: "book_id and position are required"})
			return
		}

		if req.Percentage < 0 || req.Percentage > 1 {
			writeLocalJSON(w, http.StatusBadRequest, localErrorResponse{Error: "percentage must be within [0,1]"})
			return
		}

		if err := c.SaveProgress(req.BookID, req.Position, req.Percentage, req.PageNumber, req.ChapterID); err != nil {
			logger.Error("saving progress", slog.String("book_id", req.BookID), slog.String("error", err.Error()))
			writeLocalJSON(w, http.StatusInternalServerError, localErrorResponse{Error: "failed to persist progress"})

			return
		}

		writeLocalJSON(w, http.StatusAccepted, map[string]progress.SyncStatus{
			"sync_status": c.Status(req.BookID),
		})
	})

	mux.HandleFunc("GET /progress/{bookID}", func(w http.ResponseWriter, r *http.Request) {
		bookID := r.PathValue("bookID")

		rec, err := st.GetProgress(bookID)
		if err != nil {
			logger.Error("loading progress", slog.String("book_id", bookID), slog.String("error", err.Error()))
			writeLocalJSON(w, http.StatusInternalServerError, localErrorResponse{Error: "failed to load progress"})

			return
		}

		if rec == nil {
			writeLocalJSON(w, http.StatusNotFound, localErrorResponse{Error: "no progress for this book"})
			return
		}

		writeLocalJSON(w, http.StatusOK, toResponse(*rec, c.Status(bookID)))
	})

	mux.HandleFunc("GET /progress", func(w http.ResponseWriter, r *http.Request) {
		all, err := st.AllProgress()
		if err != nil {
			logger.Error("listing progress", slog.String("error", err.Error()))
			writeLocalJSON(w, http.StatusInternalServerError, localErrorResponse{Error: "failed to list progress"})

			return
		}

		out := make([]progressResponse, 0, len(all))
		for bookID, rec := range all {
			out = append(out, toResponse(rec, c.Status(bookID)))
		}

		writeLocalJSON(w, http.StatusOK, out)
	})

	return mux
}

func toResponse(rec state.ProgressRecord, status progress.SyncStatus) progressResponse {
	return progressResponse{
		BookID:     rec.BookID,
		Position:   rec.Position,
		Percentage: rec.Percentage,
		PageNumber: rec.PageNumber,
		ChapterID:  rec.ChapterID,
		UpdatedAt:  rec.UpdatedAt,
		DeviceID:   rec.DeviceID,
		SyncStatus: status,
	}
}
