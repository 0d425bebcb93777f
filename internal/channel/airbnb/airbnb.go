// SPDX-License-Identifier: MIT

// Package airbnb talks to the Airbnb partner API: REST/JSON, OAuth2
// bearer auth, HMAC-signed webhooks in X-Airbnb-Signature.
package airbnb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/lodgewerk/staysync/internal/channel"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
)

// DefaultBaseURL is the production partner API endpoint.
const DefaultBaseURL = "https://api.airbnb.com/v2"

const (
	signatureHeader = "X-Airbnb-Signature"
	pageSize        = 50
)

// Adapter implements channel.Adapter for Airbnb.
type Adapter struct {
	client *channel.HTTPClient
}

// New builds an adapter against the given base URL (tests point this at
// an httptest server).
func New(baseURL string, timeout time.Duration) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{client: channel.NewHTTPClient(model.ChannelAirbnb, baseURL, timeout)}
}

// Channel implements channel.Adapter.
func (a *Adapter) Channel() model.Channel { return model.ChannelAirbnb }

func bearer(conn channel.Conn) map[string]string {
	return map[string]string{"Authorization": "Bearer " + conn.Creds.AccessToken}
}

type reservationPayload struct {
	ConfirmationCode string `json:"confirmation_code,omitempty"`
	ListingID        string `json:"listing_id"`
	Status           string `json:"status"`
	StartDate        string `json:"start_date"`
	EndDate          string `json:"end_date"`
	NumberOfGuests   int    `json:"number_of_guests"`
	Guest            struct {
		FirstName string `json:"first_name,omitempty"`
		LastName  string `json:"last_name,omitempty"`
		Email     string `json:"email,omitempty"`
		Phone     string `json:"phone,omitempty"`
	} `json:"guest"`
	PricingQuote struct {
		Total struct {
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
		} `json:"total"`
	} `json:"pricing_quote"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type reservationEnvelope struct {
	Reservation reservationPayload `json:"reservation"`
}

// UpsertBooking implements channel.Adapter.
func (a *Adapter) UpsertBooking(ctx context.Context, conn channel.Conn, snap model.BookingSnapshot) (string, error) {
	body := reservationPayload{
		ConfirmationCode: snap.ExternalID,
		ListingID:        conn.ExternalPropertyID,
		Status:           "accepted",
		StartDate:        snap.CheckIn.String(),
		EndDate:          snap.CheckOut.String(),
		NumberOfGuests:   snap.Guests,
	}
	body.Guest.FirstName, body.Guest.LastName = splitName(snap.GuestName)
	body.Guest.Email = snap.GuestEmail
	body.PricingQuote.Total.Amount = channel.MinorToDecimal(snap.TotalMinor)
	body.PricingQuote.Total.Currency = string(snap.Currency)

	req := channel.Request{Operation: "upsert_booking", Method: http.MethodPost, Path: "/reservations", Header: bearer(conn)}
	if snap.ExternalID != "" {
		req.Method = http.MethodPut
		req.Path = "/reservations/" + url.PathEscape(snap.ExternalID)
	}
	var out reservationEnvelope
	if err := a.client.DoJSON(ctx, req, reservationEnvelope{Reservation: body}, &out); err != nil {
		return "", err
	}
	if out.Reservation.ConfirmationCode == "" {
		return snap.ExternalID, nil
	}
	return out.Reservation.ConfirmationCode, nil
}

// CancelBooking implements channel.Adapter.
func (a *Adapter) CancelBooking(ctx context.Context, conn channel.Conn, externalID string) error {
	req := channel.Request{
		Operation: "cancel_booking",
		Method:    http.MethodPost,
		Path:      "/reservations/" + url.PathEscape(externalID) + "/cancel",
		Header:    bearer(conn),
	}
	return a.client.DoJSON(ctx, req, struct{}{}, nil)
}

type calendarDay struct {
	Date      string `json:"date"`
	Available bool   `json:"available"`
	Price     string `json:"price,omitempty"`
	Currency  string `json:"currency,omitempty"`
}

type calendarEnvelope struct {
	Calendar struct {
		Days []calendarDay `json:"days"`
	} `json:"calendar"`
}

// PushAvailability implements channel.Adapter. Each occupied range is
// written as one unavailable span on the listing calendar.
func (a *Adapter) PushAvailability(ctx context.Context, conn channel.Conn, propertyExtID string, occupied []model.BlockSnapshot) error {
	for _, blk := range occupied {
		body := struct {
			StartDate string `json:"start_date"`
			EndDate   string `json:"end_date"`
			Available bool   `json:"available"`
		}{
			StartDate: blk.Range.From.String(),
			EndDate:   blk.Range.To.String(),
			Available: false,
		}
		req := channel.Request{
			Operation: "push_availability",
			Method:    http.MethodPut,
			Path:      "/listings/" + url.PathEscape(propertyExtID) + "/calendar",
			Header:    bearer(conn),
		}
		if err := a.client.DoJSON(ctx, req, body, nil); err != nil {
			return err
		}
	}
	return nil
}

// PushPricing implements channel.Adapter. The calendar endpoint accepts
// per-day prices alongside availability.
func (a *Adapter) PushPricing(ctx context.Context, conn channel.Conn, propertyExtID string, prices []model.DatePrice) error {
	var body calendarEnvelope
	body.Calendar.Days = make([]calendarDay, 0, len(prices))
	for _, p := range prices {
		body.Calendar.Days = append(body.Calendar.Days, calendarDay{
			Date:     p.Date.String(),
			Price:    channel.MinorToDecimal(p.PriceMinor),
			Currency: string(model.EUR),
		})
	}
	req := channel.Request{
		Operation: "push_pricing",
		Method:    http.MethodPut,
		Path:      "/listings/" + url.PathEscape(propertyExtID) + "/calendar",
		Header:    bearer(conn),
	}
	return a.client.DoJSON(ctx, req, body, nil)
}

// ListBookings implements channel.Adapter with _limit/_offset paging.
func (a *Adapter) ListBookings(ctx context.Context, conn channel.Conn, window model.DateRange) ([]channel.ExternalBooking, error) {
	var out []channel.ExternalBooking
	for offset := 0; ; offset += pageSize {
		q := url.Values{}
		q.Set("listing_id", conn.ExternalPropertyID)
		q.Set("start_date", window.From.String())
		q.Set("end_date", window.To.String())
		q.Set("_limit", fmt.Sprint(pageSize))
		q.Set("_offset", fmt.Sprint(offset))

		var page struct {
			Reservations []reservationPayload `json:"reservations"`
		}
		req := channel.Request{Operation: "list_bookings", Method: http.MethodGet, Path: "/reservations", Query: q.Encode(), Header: bearer(conn)}
		if err := a.client.DoJSON(ctx, req, nil, &page); err != nil {
			return nil, err
		}
		for _, res := range page.Reservations {
			b, err := a.toExternal(res)
			if err != nil {
				return nil, channel.BadPayload(model.ChannelAirbnb, "list_bookings", err)
			}
			out = append(out, b)
		}
		if len(page.Reservations) < pageSize {
			return out, nil
		}
	}
}

func (a *Adapter) toExternal(res reservationPayload) (channel.ExternalBooking, error) {
	checkIn, err := model.ParseDate(res.StartDate)
	if err != nil {
		return channel.ExternalBooking{}, err
	}
	checkOut, err := model.ParseDate(res.EndDate)
	if err != nil {
		return channel.ExternalBooking{}, err
	}
	var totalMinor int64
	if res.PricingQuote.Total.Amount != "" {
		totalMinor, err = channel.DecimalToMinor(res.PricingQuote.Total.Amount)
		if err != nil {
			return channel.ExternalBooking{}, err
		}
	}
	b := channel.ExternalBooking{
		ExternalID: res.ConfirmationCode,
		Status:     mapStatus(res.Status),
		CheckIn:    checkIn,
		CheckOut:   checkOut,
		Guests:     max(res.NumberOfGuests, 1),
		GuestName:  joinName(res.Guest.FirstName, res.Guest.LastName),
		GuestEmail: res.Guest.Email,
		GuestPhone: res.Guest.Phone,
		TotalMinor: totalMinor,
		Currency:   model.Currency(res.PricingQuote.Total.Currency),
	}
	if t, err := time.Parse(time.RFC3339, res.CreatedAt); err == nil {
		b.BookedAt = t
	}
	if t, err := time.Parse(time.RFC3339, res.UpdatedAt); err == nil {
		b.UpdatedAt = t
	}
	return b, nil
}

// mapStatus folds Airbnb reservation statuses onto our lifecycle.
func mapStatus(s string) model.BookingStatus {
	switch s {
	case "pending":
		return model.StatusReserved
	case "accepted":
		return model.StatusConfirmed
	case "denied", "cancelled", "cancelled_by_host", "cancelled_by_guest":
		return model.StatusCancelled
	case "checkpoint":
		return model.StatusInquiry
	default:
		return model.StatusConfirmed
	}
}

// ListAvailability implements channel.Adapter: unavailable calendar days
// coalesced into ranges.
func (a *Adapter) ListAvailability(ctx context.Context, conn channel.Conn, window model.DateRange) ([]model.DateRange, error) {
	q := url.Values{}
	q.Set("start_date", window.From.String())
	q.Set("end_date", window.To.String())

	var out calendarEnvelope
	req := channel.Request{
		Operation: "list_availability",
		Method:    http.MethodGet,
		Path:      "/listings/" + url.PathEscape(conn.ExternalPropertyID) + "/calendar",
		Query:     q.Encode(),
		Header:    bearer(conn),
	}
	if err := a.client.DoJSON(ctx, req, nil, &out); err != nil {
		return nil, err
	}

	blocked := make(map[model.Date]bool, len(out.Calendar.Days))
	for _, day := range out.Calendar.Days {
		d, err := model.ParseDate(day.Date)
		if err != nil {
			return nil, channel.BadPayload(model.ChannelAirbnb, "list_availability", err)
		}
		if !day.Available {
			blocked[d] = true
		}
	}
	return coalesce(window, blocked), nil
}

// coalesce folds per-day blocked flags into half-open ranges.
func coalesce(window model.DateRange, blocked map[model.Date]bool) []model.DateRange {
	var out []model.DateRange
	var open *model.DateRange
	for d := window.From; d.Before(window.To); d = d.AddDays(1) {
		if blocked[d] {
			if open == nil {
				open = &model.DateRange{From: d, To: d.AddDays(1)}
			} else {
				open.To = d.AddDays(1)
			}
			continue
		}
		if open != nil {
			out = append(out, *open)
			open = nil
		}
	}
	if open != nil {
		out = append(out, *open)
	}
	return out
}

type webhookPayload struct {
	EventType   string             `json:"event_type"`
	EventID     string             `json:"event_id"`
	Timestamp   string             `json:"timestamp"`
	Reservation reservationPayload `json:"reservation"`
}

// ParseWebhook implements channel.Adapter.
func (a *Adapter) ParseWebhook(conn channel.Conn, header http.Header, body []byte) (*channel.InboundEvent, error) {
	sig := header.Get(signatureHeader)
	if sig == "" || !channel.VerifyHMAC(conn.Creds.SigningKey, body, sig) {
		return nil, channel.BadSignature(model.ChannelAirbnb, "parse_webhook")
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, channel.BadPayload(model.ChannelAirbnb, "parse_webhook", err)
	}
	if p.EventID == "" || p.Reservation.ConfirmationCode == "" {
		return nil, channel.BadPayload(model.ChannelAirbnb, "parse_webhook", fmt.Errorf("missing event_id or confirmation_code"))
	}

	kind, ok := mapEventType(p.EventType)
	if !ok {
		return nil, channel.BadPayload(model.ChannelAirbnb, "parse_webhook", fmt.Errorf("unknown event_type %q", p.EventType))
	}
	booking, err := a.toExternal(p.Reservation)
	if err != nil {
		return nil, channel.BadPayload(model.ChannelAirbnb, "parse_webhook", err)
	}
	if kind == channel.InboundBookingCancelled {
		booking.Status = model.StatusCancelled
	}

	ev := &channel.InboundEvent{
		Channel:            model.ChannelAirbnb,
		Kind:               kind,
		ExternalMessageID:  p.EventID,
		ExternalPropertyID: p.Reservation.ListingID,
		Booking:            booking,
	}
	if t, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
		ev.OccurredAt = t
	}
	return ev, nil
}

func mapEventType(t string) (channel.InboundKind, bool) {
	switch t {
	case "reservation.created", "reservation.accepted":
		return channel.InboundBookingCreated, true
	case "reservation.updated":
		return channel.InboundBookingUpdated, true
	case "reservation.cancelled", "reservation.cancelled_by_host", "reservation.cancelled_by_guest", "reservation.declined":
		return channel.InboundBookingCancelled, true
	}
	return "", false
}

// RefreshCredentials implements channel.Adapter via the OAuth2 refresh
// grant.
func (a *Adapter) RefreshCredentials(ctx context.Context, conn channel.Conn) (model.Credentials, error) {
	body := struct {
		GrantType    string `json:"grant_type"`
		RefreshToken string `json:"refresh_token"`
	}{GrantType: "refresh_token", RefreshToken: conn.Creds.RefreshToken}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	req := channel.Request{Operation: "refresh_credentials", Method: http.MethodPost, Path: "/oauth2/token"}
	if err := a.client.DoJSON(ctx, req, body, &out); err != nil {
		return model.Credentials{}, err
	}
	if out.AccessToken == "" {
		return model.Credentials{}, channel.BadPayload(model.ChannelAirbnb, "refresh_credentials", fmt.Errorf("empty access_token"))
	}
	creds := conn.Creds
	creds.AccessToken = out.AccessToken
	if out.RefreshToken != "" {
		creds.RefreshToken = out.RefreshToken
	}
	if out.ExpiresIn > 0 {
		creds.ExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return creds, nil
}

func splitName(full string) (first, last string) {
	for i := len(full) - 1; i >= 0; i-- {
		if full[i] == ' ' {
			return full[:i], full[i+1:]
		}
	}
	return full, ""
}

func joinName(first, last string) string {
	switch {
	case first == "":
		return last
	case last == "":
		return first
	default:
		return first + " " + last
	}
}
