/**
 * @description
 * This file contains the HTTP handlers for the claims-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * Rejections surface as typed errors from the service; the handlers map each
 * rejection code onto its HTTP status so clients can branch on status alone.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: Service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chainquest/claims-service/internal/app"
	"github.com/chainquest/claims-service/internal/domain"
	"github.com/chainquest/claims-service/internal/store"
)

// ClaimHandlers holds the application service that handlers will use.
type ClaimHandlers struct {
	service *app.Service
}

// NewClaimHandlers creates a new instance of ClaimHandlers.
func NewClaimHandlers(service *app.Service) *ClaimHandlers {
	return &ClaimHandlers{service: service}
}

// claimAcceptedResponse is returned when admission queues a claim.
type claimAcceptedResponse struct {
	OK       bool    `json:"ok"`
	Queued   bool    `json:"queued"`
	Amount   int64   `json:"amount"`
	CappedBy *string `json:"cappedBy"`
}

// claimRejectedResponse is returned for every admission rejection.
type claimRejectedResponse struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter,omitempty"`
	Message    string `json:"message,omitempty"`
}

// SubmitClaimHandler handles POST /claims: the synchronous admission decision
// for the authenticated wallet.
func (h *ClaimHandlers) SubmitClaimHandler(w http.ResponseWriter, r *http.Request) {
	wallet, ok := GetWalletAddress(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get wallet address from context")
		return
	}

	decision, err := h.service.SubmitClaim(r.Context(), wallet)
	if err != nil {
		var rejection *domain.RejectionError
		if errors.As(err, &rejection) {
			h.writeRejection(w, rejection)
			return
		}
		log.Printf("level=error component=api msg=\"claim admission failed\" wallet=%s err=%v", wallet, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to process claim")
		return
	}

	h.writeJSON(w, http.StatusOK, claimAcceptedResponse{
		OK:       true,
		Queued:   true,
		Amount:   decision.Amount,
		CappedBy: decision.CappedBy,
	})
}

// ListClaimsHandler handles GET /claims: the authenticated wallet's claim
// history, newest first.
func (h *ClaimHandlers) ListClaimsHandler(w http.ResponseWriter, r *http.Request) {
	wallet, ok := GetWalletAddress(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get wallet address from context")
		return
	}

	opts := domain.ClaimListOptions{Limit: 50}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 && limit <= 200 {
			opts.Limit = limit
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil && offset >= 0 {
			opts.Offset = offset
		}
	}

	claims, err := h.service.ListClaims(r.Context(), wallet, opts)
	if err != nil {
		log.Printf("level=error component=api msg=\"claim list failed\" wallet=%s err=%v", wallet, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list claims")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"claims": claims})
}

// GetClaimHandler handles GET /claims/{claimID}. A wallet can only see its
// own claims; anything else reads as not found.
func (h *ClaimHandlers) GetClaimHandler(w http.ResponseWriter, r *http.Request) {
	wallet, ok := GetWalletAddress(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get wallet address from context")
		return
	}

	claimID, err := uuid.Parse(chi.URLParam(r, "claimID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid claim id")
		return
	}

	claim, err := h.service.GetClaim(r.Context(), claimID)
	if err != nil {
		if errors.Is(err, store.ErrClaimNotFound) {
			h.writeError(w, http.StatusNotFound, "Claim not found")
			return
		}
		log.Printf("level=error component=api msg=\"claim lookup failed\" claim_id=%s err=%v", claimID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch claim")
		return
	}
	if claim.Wallet != wallet {
		h.writeError(w, http.StatusNotFound, "Claim not found")
		return
	}

	h.writeJSON(w, http.StatusOK, claim)
}

// AccrueEarningsHandler handles POST /internal/earnings: service-to-service
// accrual from the game's referral and quest bookkeeping.
func (h *ClaimHandlers) AccrueEarningsHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.AccrueEarningsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	snapshot, err := h.service.AccrueEarnings(r.Context(), req)
	if err != nil {
		log.Printf("level=error component=api msg=\"earnings accrual failed\" wallet=%s err=%v", req.Wallet, err)
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, snapshot)
}

// writeRejection maps an admission rejection code onto its HTTP status.
func (h *ClaimHandlers) writeRejection(w http.ResponseWriter, rejection *domain.RejectionError) {
	resp := claimRejectedResponse{
		OK:         false,
		Error:      rejection.Code,
		RetryAfter: rejection.RetryAfter,
	}

	switch rejection.Code {
	case domain.RejectRateLimitMinute, domain.RejectRateLimitDay:
		h.writeJSON(w, http.StatusTooManyRequests, resp)
	case domain.RejectDuplicateClaim:
		h.writeJSON(w, http.StatusConflict, resp)
	default:
		resp.Message = rejection.Message
		h.writeJSON(w, http.StatusBadRequest, resp)
	}
}

func (h *ClaimHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (h *ClaimHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
