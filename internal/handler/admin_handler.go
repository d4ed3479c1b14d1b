package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"abuse-shield/internal/service"
	"abuse-shield/internal/util"
)

const defaultPageSize = 50

// AdminHandler exposes the operator surface: inspecting and lifting blocks,
// querying an identifier's event history, and decision stats.
type AdminHandler struct {
	guard  *service.GuardService
	logger *zap.Logger
}

func NewAdminHandler(guard *service.GuardService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		guard:  guard,
		logger: logger,
	}
}

// RegisterRoutes registers all admin routes
func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Route("/admin", func(r chi.Router) {
		// Auth middleware terminates at the gateway; requests reaching
		// here already carry a verified admin identity header.
		r.Get("/blocks", h.ListBlocks)
		r.Get("/blocks/{identifier}", h.GetBlock)
		r.Delete("/blocks/{identifier}", h.Unblock)
		r.Get("/events/{identifier}", h.GetEvents)
		r.Get("/stats", h.GetStats)
	})
}

func (h *AdminHandler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	bucket, err := strconv.Atoi(r.URL.Query().Get("bucket"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid bucket parameter")
		return
	}

	pageSize := defaultPageSize
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			pageSize = parsed
		}
	}

	var pageState []byte
	if token := r.URL.Query().Get("page_token"); token != "" {
		pageState, err = base64.URLEncoding.DecodeString(token)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err, "Invalid page token")
			return
		}
	}

	blocks, nextPage, err := h.guard.ListBlockedIdentifiers(ctx, bucket, pageSize, pageState)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err, "Failed to list blocks")
		return
	}

	response := successResponse(blocks, "Active blocks retrieved")
	if len(nextPage) > 0 {
		response.Meta = &Meta{
			PageToken: base64.URLEncoding.EncodeToString(nextPage),
			PageSize:  pageSize,
		}
	}

	respondWithJSON(w, http.StatusOK, response)
}

func (h *AdminHandler) GetBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	block, err := h.guard.GetBlockStatus(ctx, chi.URLParam(r, "identifier"))
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Failed to look up block")
		return
	}

	if block == nil {
		respondWithJSON(w, http.StatusNotFound, Response{
			Success: false,
			Message: "No active block for identifier",
		})
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(block, "Active block retrieved"))
}

type unblockRequest struct {
	AdminID string `json:"admin_id"`
}

func (h *AdminHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identifier := chi.URLParam(r, "identifier")

	var req unblockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.AdminID == "" {
		respondWithError(w, http.StatusBadRequest, errors.New("admin_id is required"), "Missing admin identity")
		return
	}

	lifted, err := h.guard.UnblockIdentifier(ctx, identifier, req.AdminID)
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Failed to unblock identifier")
		return
	}

	if !lifted {
		respondWithJSON(w, http.StatusNotFound, Response{
			Success: false,
			Message: "No active block for identifier",
		})
		return
	}

	h.logger.Info("Identifier unblocked via HTTP",
		util.String("admin_id", req.AdminID),
	)
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Block lifted"))
}

func (h *AdminHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identifier := chi.URLParam(r, "identifier")
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	events, err := h.guard.GetIdentifierEvents(ctx, identifier, size)
	if err != nil {
		respondWithError(w, getStatusCode(err), err, "Failed to fetch events")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(events, "Events retrieved"))
}

func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err, "Invalid window parameter")
			return
		}
		window = parsed
	}

	stats, err := h.guard.GetStats(ctx, window)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err, "Failed to compute stats")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(stats, "Stats computed"))
}
