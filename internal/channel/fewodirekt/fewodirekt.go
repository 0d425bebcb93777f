// SPDX-License-Identifier: MIT

// Package fewodirekt talks to the FeWo-direkt API (Vrbo family):
// REST/JSON calendar entries, HMAC-signed webhooks in X-Vrbo-Signature.
package fewodirekt

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

// DefaultBaseURL is the production endpoint.
const DefaultBaseURL = "https://api.vrbo.com/v2"

const (
	signatureHeader = "X-Vrbo-Signature"
	pageSize        = 50
)

// Adapter implements channel.Adapter for FeWo-direkt.
type Adapter struct {
	client *channel.HTTPClient
}

// New builds an adapter against the given base URL.
func New(baseURL string, timeout time.Duration) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{client: channel.NewHTTPClient(model.ChannelFewoDirekt, baseURL, timeout)}
}

// Channel implements channel.Adapter.
func (a *Adapter) Channel() model.Channel { return model.ChannelFewoDirekt }

func bearer(conn channel.Conn) map[string]string {
	return map[string]string{"Authorization": "Bearer " + conn.Creds.AccessToken}
}

type calendarEntry struct {
	Date         string `json:"date"`
	Availability string `json:"availability"` // AVAILABLE | UNAVAILABLE
}

// PushAvailability implements channel.Adapter, one calendar entry per
// occupied night.
func (a *Adapter) PushAvailability(ctx context.Context, conn channel.Conn, propertyExtID string, occupied []model.BlockSnapshot) error {
	var entries []calendarEntry
	for _, blk := range occupied {
		for _, d := range blk.Range.Dates() {
			entries = append(entries, calendarEntry{Date: d.String(), Availability: "UNAVAILABLE"})
		}
	}
	body := struct {
		CalendarEntries []calendarEntry `json:"calendarEntries"`
	}{CalendarEntries: entries}

	req := channel.Request{
		Operation: "push_availability",
		Method:    http.MethodPut,
		Path:      "/listings/" + url.PathEscape(propertyExtID) + "/calendar",
		Header:    bearer(conn),
	}
	return a.client.DoJSON(ctx, req, body, nil)
}

// PushPricing implements channel.Adapter.
func (a *Adapter) PushPricing(ctx context.Context, conn channel.Conn, propertyExtID string, prices []model.DatePrice) error {
	type nightlyRate struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}
	type rateEntry struct {
		Date        string      `json:"date"`
		NightlyRate nightlyRate `json:"nightlyRate"`
	}
	entries := make([]rateEntry, 0, len(prices))
	for _, p := range prices {
		entries = append(entries, rateEntry{
			Date:        p.Date.String(),
			NightlyRate: nightlyRate{Amount: channel.MinorToDecimal(p.PriceMinor), Currency: string(model.EUR)},
		})
	}
	body := struct {
		RateEntries []rateEntry `json:"rateEntries"`
	}{RateEntries: entries}

	req := channel.Request{
		Operation: "push_pricing",
		Method:    http.MethodPut,
		Path:      "/listings/" + url.PathEscape(propertyExtID) + "/rates",
		Header:    bearer(conn),
	}
	return a.client.DoJSON(ctx, req, body, nil)
}

// ListAvailability implements channel.Adapter.
func (a *Adapter) ListAvailability(ctx context.Context, conn channel.Conn, window model.DateRange) ([]model.DateRange, error) {
	q := url.Values{}
	q.Set("startDate", window.From.String())
	q.Set("endDate", window.To.String())

	var out struct {
		CalendarEntries []calendarEntry `json:"calendarEntries"`
	}
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

	blocked := map[model.Date]bool{}
	for _, entry := range out.CalendarEntries {
		d, err := model.ParseDate(entry.Date)
		if err != nil {
			return nil, channel.BadPayload(model.ChannelFewoDirekt, "list_availability", err)
		}
		if entry.Availability != "AVAILABLE" {
			blocked[d] = true
		}
	}

	var ranges []model.DateRange
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
			ranges = append(ranges, *open)
			open = nil
		}
	}
	if open != nil {
		ranges = append(ranges, *open)
	}
	return ranges, nil
}

type reservation struct {
	ReservationID string `json:"reservationId"`
	ListingID     string `json:"listingId"`
	Status        string `json:"status"`
	Stay          struct {
		CheckIn  string `json:"checkIn"`
		CheckOut string `json:"checkOut"`
		Guests   struct {
			Adults   int `json:"adults"`
			Children int `json:"children"`
		} `json:"guests"`
	} `json:"stay"`
	Guest struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Email     string `json:"email"`
		Phone     string `json:"phone"`
	} `json:"guest"`
	Pricing struct {
		Total struct {
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
		} `json:"total"`
	} `json:"pricing"`
	CreatedAt    string `json:"createdAt"`
	ModifiedAt   string `json:"modifiedAt"`
	GuestMessage string `json:"guestMessage"`
}

// UpsertBooking implements channel.Adapter.
func (a *Adapter) UpsertBooking(ctx context.Context, conn channel.Conn, snap model.BookingSnapshot) (string, error) {
	var res reservation
	res.ReservationID = snap.ExternalID
	res.ListingID = conn.ExternalPropertyID
	res.Status = "booked"
	res.Stay.CheckIn = snap.CheckIn.String()
	res.Stay.CheckOut = snap.CheckOut.String()
	res.Stay.Guests.Adults = snap.Guests
	res.Guest.FirstName, res.Guest.LastName = splitName(snap.GuestName)
	res.Guest.Email = snap.GuestEmail
	res.Pricing.Total.Amount = channel.MinorToDecimal(snap.TotalMinor)
	res.Pricing.Total.Currency = string(snap.Currency)

	req := channel.Request{Operation: "upsert_booking", Method: http.MethodPost, Path: "/reservations", Header: bearer(conn)}
	if snap.ExternalID != "" {
		req.Method = http.MethodPut
		req.Path = "/reservations/" + url.PathEscape(snap.ExternalID)
	}
	var out struct {
		ReservationID string `json:"reservationId"`
	}
	if err := a.client.DoJSON(ctx, req, res, &out); err != nil {
		return "", err
	}
	if out.ReservationID == "" {
		return snap.ExternalID, nil
	}
	return out.ReservationID, nil
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

// ListBookings implements channel.Adapter.
func (a *Adapter) ListBookings(ctx context.Context, conn channel.Conn, window model.DateRange) ([]channel.ExternalBooking, error) {
	var out []channel.ExternalBooking
	for offset := 0; ; offset += pageSize {
		q := url.Values{}
		q.Set("listingId", conn.ExternalPropertyID)
		q.Set("checkInFrom", window.From.String())
		q.Set("checkInTo", window.To.String())
		q.Set("limit", fmt.Sprint(pageSize))
		q.Set("offset", fmt.Sprint(offset))

		var page struct {
			Reservations []reservation `json:"reservations"`
		}
		req := channel.Request{Operation: "list_bookings", Method: http.MethodGet, Path: "/reservations", Query: q.Encode(), Header: bearer(conn)}
		if err := a.client.DoJSON(ctx, req, nil, &page); err != nil {
			return nil, err
		}
		for _, res := range page.Reservations {
			b, err := toExternal(res)
			if err != nil {
				return nil, channel.BadPayload(model.ChannelFewoDirekt, "list_bookings", err)
			}
			out = append(out, b)
		}
		if len(page.Reservations) < pageSize {
			return out, nil
		}
	}
}

func toExternal(res reservation) (channel.ExternalBooking, error) {
	checkIn, err := model.ParseDate(res.Stay.CheckIn)
	if err != nil {
		return channel.ExternalBooking{}, err
	}
	checkOut, err := model.ParseDate(res.Stay.CheckOut)
	if err != nil {
		return channel.ExternalBooking{}, err
	}
	var totalMinor int64
	if res.Pricing.Total.Amount != "" {
		totalMinor, err = channel.DecimalToMinor(res.Pricing.Total.Amount)
		if err != nil {
			return channel.ExternalBooking{}, err
		}
	}
	b := channel.ExternalBooking{
		ExternalID: res.ReservationID,
		Status:     mapStatus(res.Status),
		CheckIn:    checkIn,
		CheckOut:   checkOut,
		Guests:     max(res.Stay.Guests.Adults+res.Stay.Guests.Children, 1),
		GuestName:  joinName(res.Guest.FirstName, res.Guest.LastName),
		GuestEmail: res.Guest.Email,
		GuestPhone: res.Guest.Phone,
		TotalMinor: totalMinor,
		Currency:   model.Currency(res.Pricing.Total.Currency),
		GuestNote:  res.GuestMessage,
	}
	if t, err := time.Parse(time.RFC3339, res.CreatedAt); err == nil {
		b.BookedAt = t
	}
	if t, err := time.Parse(time.RFC3339, res.ModifiedAt); err == nil {
		b.UpdatedAt = t
	}
	return b, nil
}

func mapStatus(s string) model.BookingStatus {
	switch s {
	case "tentative":
		return model.StatusReserved
	case "booked", "confirmed":
		return model.StatusConfirmed
	case "cancelled", "cancelled_by_guest", "cancelled_by_owner", "declined", "expired":
		return model.StatusCancelled
	default:
		return model.StatusReserved
	}
}

type webhookPayload struct {
	EventType   string      `json:"eventType"`
	EventID     string      `json:"eventId"`
	Timestamp   string      `json:"timestamp"`
	Reservation reservation `json:"reservation"`
}

// ParseWebhook implements channel.Adapter. Inquiry and message events
// are platform noise for this system and are rejected as unsupported.
func (a *Adapter) ParseWebhook(conn channel.Conn, header http.Header, body []byte) (*channel.InboundEvent, error) {
	sig := header.Get(signatureHeader)
	if sig == "" || !channel.VerifyHMAC(conn.Creds.SigningKey, body, sig) {
		return nil, channel.BadSignature(model.ChannelFewoDirekt, "parse_webhook")
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, channel.BadPayload(model.ChannelFewoDirekt, "parse_webhook", err)
	}
	if p.EventID == "" || p.Reservation.ReservationID == "" {
		return nil, channel.BadPayload(model.ChannelFewoDirekt, "parse_webhook", fmt.Errorf("missing eventId or reservationId"))
	}

	var kind channel.InboundKind
	switch p.EventType {
	case "RESERVATION_CREATED", "INSTANT_BOOK_CREATED":
		kind = channel.InboundBookingCreated
	case "RESERVATION_MODIFIED":
		kind = channel.InboundBookingUpdated
	case "RESERVATION_CANCELLED":
		kind = channel.InboundBookingCancelled
	default:
		return nil, channel.BadPayload(model.ChannelFewoDirekt, "parse_webhook", fmt.Errorf("unsupported eventType %q", p.EventType))
	}

	b, err := toExternal(p.Reservation)
	if err != nil {
		return nil, channel.BadPayload(model.ChannelFewoDirekt, "parse_webhook", err)
	}
	if kind == channel.InboundBookingCancelled {
		b.Status = model.StatusCancelled
	}

	ev := &channel.InboundEvent{
		Channel:            model.ChannelFewoDirekt,
		Kind:               kind,
		ExternalMessageID:  p.EventID,
		ExternalPropertyID: p.Reservation.ListingID,
		Booking:            b,
	}
	if t, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
		ev.OccurredAt = t
	}
	return ev, nil
}

// RefreshCredentials implements channel.Adapter.
func (a *Adapter) RefreshCredentials(ctx context.Context, conn channel.Conn) (model.Credentials, error) {
	body := struct {
		GrantType    string `json:"grant_type"`
		RefreshToken string `json:"refresh_token"`
	}{GrantType: "refresh_token", RefreshToken: conn.Creds.RefreshToken}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	req := channel.Request{Operation: "refresh_credentials", Method: http.MethodPost, Path: "/oauth2/token"}
	if err := a.client.DoJSON(ctx, req, body, &out); err != nil {
		return model.Credentials{}, err
	}
	if out.AccessToken == "" {
		return model.Credentials{}, channel.BadPayload(model.ChannelFewoDirekt, "refresh_credentials", fmt.Errorf("empty access_token"))
	}
	creds := conn.Creds
	creds.AccessToken = out.AccessToken
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
