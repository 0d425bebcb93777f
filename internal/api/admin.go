// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/ident"
	"github.com/lodgewerk/staysync/internal/resilience"
)

const defaultListLimit = 100

func (h *Handler) mountAdmin(r chi.Router) {
	r.Put("/properties/{propertyID}", h.handlePutProperty)
	r.Put("/properties/{propertyID}/pricing-rules/{ruleID}", h.handlePutPricingRule)
	r.Put("/properties/{propertyID}/overrides", h.handlePutDateOverride)
	r.Post("/properties/{propertyID}/blocks", h.handleCreateBlock)
	r.Delete("/blocks/{blockID}", h.handleRemoveBlock)

	r.Post("/bookings/{bookingID}/checkin", h.handleCheckIn)
	r.Post("/bookings/{bookingID}/checkout", h.handleCheckOut)

	r.Get("/connections", h.handleListConnections)
	r.Put("/connections/{connectionID}", h.handlePutConnection)
	r.Delete("/connections/{connectionID}", h.handleDisableConnection)

	r.Get("/sync-runs", h.handleListSyncRuns)
	r.Get("/sync-runs/{runID}/discrepancies", h.handleListDiscrepancies)

	r.Get("/deliveries/dead", h.handleListDeadDeliveries)
	r.Post("/deliveries/{deliveryID}/retry", h.handleRetryDelivery)

	if h.deps.Circuits != nil {
		r.Get("/circuits", h.handleCircuitStatus)
		r.Post("/circuits/{channel}/force", h.handleCircuitForce)
	}
	if h.deps.Reconciler != nil {
		r.Post("/reconcile/run", h.handleReconcileRun)
		r.Post("/properties/{propertyID}/ack-corrections", h.handleAckCorrections)
	}
	if h.deps.Archive != nil {
		r.Get("/archive/{channel}/{messageID}", h.handleArchiveGet)
	}
}

func (h *Handler) handlePutProperty(w http.ResponseWriter, r *http.Request) {
	var prop model.Property
	if err := decodeJSON(w, r, &prop); err != nil {
		h.fail(w, r, err)
		return
	}
	prop.ID = chi.URLParam(r, "propertyID")
	if prop.Name == "" || prop.Currency == "" || prop.BasePriceMinor <= 0 {
		h.fail(w, r, ports.Ef(ports.CodeInvalidInput, "api.put_property", "name, currency and basePriceMinor are required"))
		return
	}
	if err := h.deps.Store.PutProperty(r.Context(), prop); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

func (h *Handler) handlePutPricingRule(w http.ResponseWriter, r *http.Request) {
	var rule model.PricingRule
	if err := decodeJSON(w, r, &rule); err != nil {
		h.fail(w, r, err)
		return
	}
	rule.ID = chi.URLParam(r, "ruleID")
	rule.PropertyID = chi.URLParam(r, "propertyID")
	if err := h.deps.Store.PutPricingRule(r.Context(), rule); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) handlePutDateOverride(w http.ResponseWriter, r *http.Request) {
	var ov model.DateOverride
	if err := decodeJSON(w, r, &ov); err != nil {
		h.fail(w, r, err)
		return
	}
	ov.PropertyID = chi.URLParam(r, "propertyID")
	if ov.Date.IsZero() || ov.PriceMinor <= 0 {
		h.fail(w, r, ports.Ef(ports.CodeInvalidInput, "api.put_override", "date and priceMinor are required"))
		return
	}
	if err := h.deps.Store.PutDateOverride(r.Context(), ov); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

type blockRequest struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	Kind      string `json:"kind"`
	Note      string `json:"note"`
}

func (h *Handler) handleCreateBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	rng, err := parseStay(req.StartDate, req.EndDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	blk, err := h.deps.Core.UpsertAvailabilityBlock(r.Context(), model.AvailabilityBlock{
		PropertyID: chi.URLParam(r, "propertyID"),
		StartDate:  rng.From,
		EndDate:    rng.To,
		Kind:       model.BlockKind(req.Kind),
		Note:       req.Note,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.invalidateCalendar(blk.PropertyID)
	writeJSON(w, http.StatusCreated, blk)
}

func (h *Handler) handleRemoveBlock(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Core.RemoveAvailabilityBlock(r.Context(), chi.URLParam(r, "blockID")); err != nil {
		h.fail(w, r, err)
		return
	}
	// The block route does not carry the property id, so every cached
	// window goes.
	h.calendar.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	b, err := h.deps.Core.CheckIn(r.Context(), chi.URLParam(r, "bookingID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) handleCheckOut(w http.ResponseWriter, r *http.Request) {
	b, err := h.deps.Core.CheckOut(r.Context(), chi.URLParam(r, "bookingID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.deps.Store.ListConnections(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

// connectionRequest carries plaintext platform credentials exactly once:
// they are sealed before they touch the store and never echoed back.
type connectionRequest struct {
	PropertyID          string `json:"propertyId"`
	Channel             string `json:"channel"`
	ExternalPropertyID  string `json:"externalPropertyId"`
	SyncEnabled         bool   `json:"syncEnabled"`
	CredentialsExpireAt string `json:"credentialsExpireAt,omitempty"`

	Credentials struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken,omitempty"`
		APIKey       string `json:"apiKey,omitempty"`
		SigningKey   string `json:"signingKey,omitempty"`
	} `json:"credentials"`
}

func (h *Handler) handlePutConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ch, err := model.ParseChannel(req.Channel)
	if err != nil {
		h.fail(w, r, ports.E(ports.CodeInvalidInput, "api.put_connection", err))
		return
	}
	if req.PropertyID == "" || req.Credentials.AccessToken == "" && req.Credentials.APIKey == "" {
		h.fail(w, r, ports.Ef(ports.CodeInvalidInput, "api.put_connection", "propertyId and credentials are required"))
		return
	}

	var expiresAt time.Time
	if req.CredentialsExpireAt != "" {
		expiresAt, err = time.Parse(time.RFC3339, req.CredentialsExpireAt)
		if err != nil {
			h.fail(w, r, ports.Ef(ports.CodeInvalidInput, "api.put_connection", "bad credentialsExpireAt: %v", err))
			return
		}
	}

	sealed, err := h.deps.Codec.Seal(model.Credentials{
		AccessToken:  req.Credentials.AccessToken,
		RefreshToken: req.Credentials.RefreshToken,
		APIKey:       req.Credentials.APIKey,
		SigningKey:   req.Credentials.SigningKey,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	id := chi.URLParam(r, "connectionID")
	if id == "new" {
		id = ident.NewID()
	}
	conn := model.ChannelConnection{
		ID:                  id,
		PropertyID:          req.PropertyID,
		Channel:             ch,
		ExternalPropertyID:  req.ExternalPropertyID,
		EncryptedCreds:      sealed,
		Status:              model.ConnectionActive,
		SyncEnabled:         req.SyncEnabled,
		CredentialsExpireAt: expiresAt,
	}
	if err := h.deps.Store.PutConnection(r.Context(), conn); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (h *Handler) handleDisableConnection(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "operator request"
	}
	if err := h.deps.Store.DisableConnection(r.Context(), chi.URLParam(r, "connectionID"), reason); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListSyncRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.deps.Store.ListSyncRuns(r.Context(), listLimit(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handler) handleListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	ds, err := h.deps.Store.ListDiscrepancies(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"discrepancies": ds})
}

func (h *Handler) handleListDeadDeliveries(w http.ResponseWriter, r *http.Request) {
	dead, err := h.deps.Store.ListDeadDeliveries(r.Context(), listLimit(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": dead})
}

func (h *Handler) handleRetryDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deliveryID")
	if err := h.deps.Store.RetryDelivery(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info().Str("delivery_id", id).Msg("dead delivery requeued")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"circuits": h.deps.Circuits.Status(r.Context())})
}

type forceRequest struct {
	Mode string `json:"mode"` // "open", "close" or "" to clear
}

func (h *Handler) handleCircuitForce(w http.ResponseWriter, r *http.Request) {
	ch, err := model.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		h.fail(w, r, ports.E(ports.CodeInvalidInput, "api.circuit_force", err))
		return
	}
	var req forceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	mode := resilience.ForceMode(req.Mode)
	switch mode {
	case resilience.ForceNone, resilience.ForceOpen, resilience.ForceClose:
	default:
		h.fail(w, r, ports.Ef(ports.CodeInvalidInput, "api.circuit_force", "unknown mode %q", req.Mode))
		return
	}
	if err := h.deps.Circuits.Force(r.Context(), ch, mode); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Warn().Str("channel", string(ch)).Str("mode", req.Mode).Msg("circuit force mode set")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReconcileRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.deps.Reconciler.Run(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleAckCorrections(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Reconciler.AckCorrections(r.Context(), chi.URLParam(r, "propertyID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleArchiveGet returns the raw webhook payload for support
// investigations.
func (h *Handler) handleArchiveGet(w http.ResponseWriter, r *http.Request) {
	body, err := h.deps.Archive.Get(chi.URLParam(r, "channel"), chi.URLParam(r, "messageID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if body == nil {
		writeError(w, http.StatusNotFound, ports.CodeNotFound, "message not archived")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func listLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return defaultListLimit
}
