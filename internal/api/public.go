// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lodgewerk/staysync/internal/domain/booking/manager"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/pricing"
)

func (h *Handler) mountPublic(r chi.Router) {
	r.Get("/api/v1/properties", h.handleListProperties)
	r.Get("/api/v1/properties/{propertyID}", h.handleGetProperty)
	r.Get("/api/v1/properties/{propertyID}/calendar", h.handleCalendar)
	r.Get("/api/v1/properties/{propertyID}/quote", h.handleQuote)

	r.Post("/api/v1/checkout", h.handleStartCheckout)
	r.Get("/api/v1/bookings/{bookingID}", h.handleGetBooking)
	r.Put("/api/v1/bookings/{bookingID}/guest", h.handleGuestDetails)
	r.Post("/api/v1/bookings/{bookingID}/confirm", h.handleConfirmPayment)
	r.Post("/api/v1/bookings/{bookingID}/cancel", h.handleCancelBooking)

	if h.deps.Feeds != nil {
		r.Get("/api/v1/feeds/{feed}", h.handleFeed)
	}
}

func (h *Handler) handleListProperties(w http.ResponseWriter, r *http.Request) {
	props, err := h.deps.Store.ListProperties(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]model.Property, 0, len(props))
	for _, p := range props {
		if p.Active {
			out = append(out, p)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"properties": out})
}

func (h *Handler) handleGetProperty(w http.ResponseWriter, r *http.Request) {
	prop, err := h.deps.Store.GetProperty(r.Context(), chi.URLParam(r, "propertyID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !prop.Active {
		writeError(w, http.StatusNotFound, ports.CodeNotFound, "property not found")
		return
	}
	writeJSON(w, http.StatusOK, prop)
}

// occupiedRange is the public calendar entry: dates and kind only, no
// booking detail.
type occupiedRange struct {
	From model.Date `json:"from"`
	To   model.Date `json:"to"`
	Kind string     `json:"kind"`
}

// handleCalendar serves the property's occupied intervals. Guests see
// that dates are taken, never by whom.
func (h *Handler) handleCalendar(w http.ResponseWriter, r *http.Request) {
	window, err := parseRange(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if window.From.DaysUntil(window.To) > calendarMaxDays {
		h.fail(w, r, ports.Ef(ports.CodeInvalidInput, "api.calendar", "window exceeds %d days", calendarMaxDays))
		return
	}

	propertyID := chi.URLParam(r, "propertyID")
	key := calendarKey(propertyID, window)
	if cached, ok := h.calendar.Get(key); ok {
		writeJSON(w, http.StatusOK, map[string]any{"occupied": cached})
		return
	}

	occupied, err := h.deps.Core.ListPropertyCalendar(r.Context(), propertyID, window)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]occupiedRange, 0, len(occupied))
	for _, o := range occupied {
		out = append(out, occupiedRange{From: o.Range.From, To: o.Range.To, Kind: string(o.Kind)})
	}
	h.calendar.Set(key, out)
	writeJSON(w, http.StatusOK, map[string]any{"occupied": out})
}

func (h *Handler) handleQuote(w http.ResponseWriter, r *http.Request) {
	stay, err := parseRange(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	guests, err := strconv.Atoi(r.URL.Query().Get("guests"))
	if err != nil || guests <= 0 {
		h.fail(w, r, ports.Ef(ports.CodeInvalidInput, "api.quote", "guests must be a positive integer"))
		return
	}

	quote, err := h.deps.Core.QuoteStay(r.Context(), chi.URLParam(r, "propertyID"), stay, guests)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

type checkoutRequest struct {
	PropertyID string `json:"propertyId"`
	CheckIn    string `json:"checkIn"`
	CheckOut   string `json:"checkOut"`
	Guests     int    `json:"guests"`
}

type checkoutResponse struct {
	Booking         model.Booking `json:"booking"`
	Quote           pricing.Quote `json:"quote"`
	PaymentIntentID string        `json:"paymentIntentId"`
	Deadline        time.Time     `json:"deadline"`
}

func (h *Handler) handleStartCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	stay, err := parseStay(req.CheckIn, req.CheckOut)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	session, err := h.deps.Core.StartCheckout(r.Context(), req.PropertyID, stay, req.Guests)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.invalidateCalendar(req.PropertyID)
	writeJSON(w, http.StatusCreated, checkoutResponse{
		Booking:         session.Booking,
		Quote:           session.Quote,
		PaymentIntentID: session.IntentID,
		Deadline:        session.Deadline,
	})
}

func (h *Handler) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.deps.Store.GetBooking(r.Context(), chi.URLParam(r, "bookingID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type guestRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

func (h *Handler) handleGuestDetails(w http.ResponseWriter, r *http.Request) {
	var req guestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	b, err := h.deps.Core.UpdateGuestDetails(r.Context(), chi.URLParam(r, "bookingID"), manager.GuestDetails{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Phone:     req.Phone,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	b, err := h.deps.Core.ConfirmPayment(r.Context(), chi.URLParam(r, "bookingID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type cancelResponse struct {
	Booking     model.Booking `json:"booking"`
	RefundMinor int64         `json:"refundMinor"`
}

func (h *Handler) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.deps.Core.CancelBooking(r.Context(), chi.URLParam(r, "bookingID"), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.invalidateCalendar(res.Booking.PropertyID)
	writeJSON(w, http.StatusOK, cancelResponse{Booking: res.Booking, RefundMinor: res.RefundMinor})
}

// handleFeed serves a published ICS file. The name is validated against
// the flat feed-file shape, never treated as a path.
func (h *Handler) handleFeed(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "feed")
	if !strings.HasSuffix(name, ".ics") || name != filepath.Base(name) || strings.Contains(name, "..") {
		writeError(w, http.StatusNotFound, ports.CodeNotFound, "unknown feed")
		return
	}
	data, err := os.ReadFile(filepath.Join(h.deps.Feeds.Dir(), name))
	if err != nil {
		writeError(w, http.StatusNotFound, ports.CodeNotFound, "unknown feed")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func calendarKey(propertyID string, window model.DateRange) string {
	return propertyID + "|" + window.String()
}

// invalidateCalendar drops cached windows after this process changed
// the property's occupancy. Changes arriving through webhooks or
// reconciliation ride out the cache TTL instead.
func (h *Handler) invalidateCalendar(propertyID string) {
	h.calendar.InvalidatePrefix(propertyID + "|")
}

func parseStay(checkIn, checkOut string) (model.DateRange, error) {
	from, err := model.ParseDate(checkIn)
	if err != nil {
		return model.DateRange{}, ports.Ef(ports.CodeInvalidInput, "api.stay", "bad checkIn: %v", err)
	}
	to, err := model.ParseDate(checkOut)
	if err != nil {
		return model.DateRange{}, ports.Ef(ports.CodeInvalidInput, "api.stay", "bad checkOut: %v", err)
	}
	return model.DateRange{From: from, To: to}, nil
}
