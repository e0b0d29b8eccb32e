package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/snehjoshi/foodrelay/internal/coordinator"
	"github.com/snehjoshi/foodrelay/internal/lifecycle"
	"github.com/snehjoshi/foodrelay/internal/storage"
	"github.com/snehjoshi/foodrelay/internal/types"
	"github.com/snehjoshi/foodrelay/internal/webhook"
)

// Handler groups all HTTP request handlers around the coordinator.
type Handler struct {
	coord   *coordinator.Coordinator
	hooks   *webhook.Manager // may be nil when webhooks are disabled
	nodeID  string
	started time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

type activeReq struct {
	Active bool `json:"active"`
}

type availabilityReq struct {
	Available bool `json:"available"`
}

type assignReq struct {
	PartnerID string `json:"partner_id"`
}

type reasonReq struct {
	Reason string `json:"reason"`
}

type closeReq struct {
	Fulfilled bool `json:"fulfilled"`
}

type subscribeReq struct {
	URL    string             `json:"url"`
	Secret string             `json:"secret"`
	Kinds  []types.EntityKind `json:"kinds"`
}

type countResp struct {
	Updated int `json:"updated"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(h.started)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		NodeID:   h.nodeID,
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  "1.0.0",
	})
}

// ─── Profiles ─────────────────────────────────────────────────────────────────

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req coordinator.ProfileInput
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := h.coord.Register(r.Context(), userFrom(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	v, err := h.coord.Profile(r.Context(), userFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) listProfiles(w http.ResponseWriter, r *http.Request) {
	vs, err := h.coord.ListProfiles(r.Context(), userFrom(r), types.Role(r.URL.Query().Get("role")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": vs})
}

func (h *Handler) verifyProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.coord.VerifyProfile(r.Context(), userFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request) {
	var req activeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := h.coord.SetProfileActive(r.Context(), userFrom(r), r.PathValue("id"), req.Active)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) setupDonorOrg(w http.ResponseWriter, r *http.Request) {
	var req coordinator.DonorOrganizationInput
	if !decodeJSON(w, r, &req) {
		return
	}
	org, err := h.coord.SetupDonorOrganization(r.Context(), userFrom(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (h *Handler) setupNGOOrg(w http.ResponseWriter, r *http.Request) {
	var req coordinator.NGOOrganizationInput
	if !decodeJSON(w, r, &req) {
		return
	}
	org, err := h.coord.SetupNGOOrganization(r.Context(), userFrom(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (h *Handler) setupPartner(w http.ResponseWriter, r *http.Request) {
	var req coordinator.PartnerInput
	if !decodeJSON(w, r, &req) {
		return
	}
	dp, err := h.coord.SetupPartner(r.Context(), userFrom(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dp)
}

func (h *Handler) setAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityReq
	if !decodeJSON(w, r, &req) {
		return
	}
	dp, err := h.coord.SetAvailability(r.Context(), userFrom(r), req.Available)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dp)
}

func (h *Handler) updateLocation(w http.ResponseWriter, r *http.Request) {
	var req types.GeoPoint
	if !decodeJSON(w, r, &req) {
		return
	}
	dp, err := h.coord.UpdateLocation(r.Context(), userFrom(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dp)
}

// ─── Donations ────────────────────────────────────────────────────────────────

func (h *Handler) createDonation(w http.ResponseWriter, r *http.Request) {
	var req coordinator.DonationInput
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := h.coord.CreateDonation(r.Context(), userFrom(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *Handler) listDonations(w http.ResponseWriter, r *http.Request) {
	mine, ok := boolQuery(w, r, "mine")
	if !ok {
		return
	}
	ds, err := h.coord.ListDonations(r.Context(), userFrom(r), coordinator.DonationFilter{
		Status: types.DonationStatus(r.URL.Query().Get("status")),
		Mine:   mine,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"donations": ds})
}

func (h *Handler) getDonation(w http.ResponseWriter, r *http.Request) {
	d, err := h.coord.Donation(r.Context(), userFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) donationHistory(w http.ResponseWriter, r *http.Request) {
	evts, err := h.coord.History(r.Context(), userFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evts})
}

func (h *Handler) claimDonation(w http.ResponseWriter, r *http.Request) {
	res, err := h.coord.Claim(r.Context(), userFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) assignDonation(w http.ResponseWriter, r *http.Request) {
	var req assignReq
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.coord.Assign(r.Context(), userFrom(r), r.PathValue("id"), req.PartnerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) cancelDonation(w http.ResponseWriter, r *http.Request) {
	var req reasonReq
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	d, err := h.coord.CancelDonation(r.Context(), userFrom(r), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ─── Deliveries ───────────────────────────────────────────────────────────────

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	vs, err := h.coord.ListDeliveries(r.Context(), userFrom(r), types.DeliveryStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": vs})
}

func (h *Handler) openJobs(w http.ResponseWriter, r *http.Request) {
	vs, err := h.coord.OpenJobs(r.Context(), userFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": vs})
}

func (h *Handler) getDelivery(w http.ResponseWriter, r *http.Request) {
	v, err := h.coord.Delivery(r.Context(), userFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) acceptDelivery(w http.ResponseWriter, r *http.Request) {
	v, err := h.coord.AcceptDelivery(r.Context(), userFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) advanceDelivery(w http.ResponseWriter, r *http.Request) {
	var req coordinator.StatusUpdate
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	v, err := h.coord.AdvanceDelivery(r.Context(), userFrom(r), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) declineDelivery(w http.ResponseWriter, r *http.Request) {
	var req reasonReq
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	v, err := h.coord.DeclineDelivery(r.Context(), userFrom(r), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ─── Requests ─────────────────────────────────────────────────────────────────

func (h *Handler) createRequest(w http.ResponseWriter, r *http.Request) {
	var req coordinator.RequestInput
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := h.coord.CreateRequest(r.Context(), userFrom(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) listRequests(w http.ResponseWriter, r *http.Request) {
	mine, ok := boolQuery(w, r, "mine")
	if !ok {
		return
	}
	rs, err := h.coord.ListRequests(r.Context(), userFrom(r), coordinator.RequestFilter{
		Status: types.RequestStatus(r.URL.Query().Get("status")),
		Mine:   mine,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": rs})
}

func (h *Handler) closeRequest(w http.ResponseWriter, r *http.Request) {
	var req closeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := h.coord.CloseRequest(r.Context(), userFrom(r), r.PathValue("id"), req.Fulfilled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ─── Notifications ────────────────────────────────────────────────────────────

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	unread, ok := boolQuery(w, r, "unread")
	if !ok {
		return
	}
	ns, err := h.coord.Notifications(r.Context(), userFrom(r), unread)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": ns})
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.coord.MarkRead(r.Context(), userFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *Handler) markAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.coord.MarkAllRead(r.Context(), userFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countResp{Updated: n})
}

// ─── Stats ────────────────────────────────────────────────────────────────────

func (h *Handler) adminStats(w http.ResponseWriter, r *http.Request) {
	s, err := h.coord.AdminStats(r.Context(), userFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) myStats(w http.ResponseWriter, r *http.Request) {
	s, err := h.coord.MyStats(r.Context(), userFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ─── Webhook subscriptions ────────────────────────────────────────────────────

// requireAdmin writes an error response and returns false unless the caller
// is an active admin and webhooks are enabled.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	ok, err := h.coord.IsAdmin(r.Context(), userFrom(r))
	if err != nil {
		writeError(w, err)
		return false
	}
	if !ok {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin only"})
		return false
	}
	if h.hooks == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "webhooks are disabled"})
		return false
	}
	return true
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": h.hooks.List()})
}

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req subscribeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := h.hooks.Register(req.URL, req.Secret, req.Kinds)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	if err := h.hooks.Deregister(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, coordinator.ErrForbidden),
		errors.Is(err, coordinator.ErrInactive),
		errors.Is(err, coordinator.ErrNotVerified):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, webhook.ErrSubscriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrIllegalTransition),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, coordinator.ErrExpired),
		errors.Is(err, coordinator.ErrPartnerBusy),
		errors.Is(err, coordinator.ErrNoPartner),
		errors.Is(err, coordinator.ErrExists):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError is the single place domain errors become HTTP responses.
func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeDecodeError(w, err)
		return false
	}
	return true
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be empty.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(w, err)
		return false
	}
	return true
}

// writeDecodeError answers 413 when MaxBodyMiddleware cut the body short and
// 400 for anything else the decoder rejects.
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error": fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
		})
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
}

func boolQuery(w http.ResponseWriter, r *http.Request, key string) (bool, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, true
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": key + " must be true or false"})
		return false, false
	}
	return b, true
}
