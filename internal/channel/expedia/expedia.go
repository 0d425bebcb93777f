// SPDX-License-Identifier: MIT

// Package expedia talks to the Expedia Partner Central API: REST/JSON
// with roomType/ratePlan calendars, HMAC-signed webhooks in
// X-Expedia-Signature.
package expedia

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

// DefaultBaseURL is the production partner endpoint.
const DefaultBaseURL = "https://services.expediapartnercentral.com/properties"

const (
	signatureHeader = "X-Expedia-Signature"
	pageSize        = 100
)

// Adapter implements channel.Adapter for Expedia.
type Adapter struct {
	client *channel.HTTPClient
}

// New builds an adapter against the given base URL.
func New(baseURL string, timeout time.Duration) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{client: channel.NewHTTPClient(model.ChannelExpedia, baseURL, timeout)}
}

// Channel implements channel.Adapter.
func (a *Adapter) Channel() model.Channel { return model.ChannelExpedia }

func bearer(conn channel.Conn) map[string]string {
	return map[string]string{"Authorization": "Bearer " + conn.Creds.AccessToken}
}

type calendarDate struct {
	Date      string `json:"date"`
	Available bool   `json:"available"`
	Rate      *struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	} `json:"rate,omitempty"`
}

type ratePlanDates struct {
	RatePlanID string         `json:"ratePlanId"`
	Dates      []calendarDate `json:"dates"`
}

type roomTypeDates struct {
	RoomTypeID string          `json:"roomTypeId"`
	RatePlans  []ratePlanDates `json:"ratePlans"`
}

type calendarBody struct {
	RoomTypes []roomTypeDates `json:"roomTypes"`
}

func calendarOf(dates []calendarDate) calendarBody {
	return calendarBody{RoomTypes: []roomTypeDates{{
		RoomTypeID: "DEFAULT",
		RatePlans:  []ratePlanDates{{RatePlanID: "DEFAULT", Dates: dates}},
	}}}
}

// PushAvailability implements channel.Adapter with per-day availability
// flags under the default room type.
func (a *Adapter) PushAvailability(ctx context.Context, conn channel.Conn, propertyExtID string, occupied []model.BlockSnapshot) error {
	var dates []calendarDate
	for _, blk := range occupied {
		for _, d := range blk.Range.Dates() {
			dates = append(dates, calendarDate{Date: d.String(), Available: false})
		}
	}
	req := channel.Request{
		Operation: "push_availability",
		Method:    http.MethodPut,
		Path:      "/" + url.PathEscape(propertyExtID) + "/availability",
		Header:    bearer(conn),
	}
	return a.client.DoJSON(ctx, req, calendarOf(dates), nil)
}

// PushPricing implements channel.Adapter.
func (a *Adapter) PushPricing(ctx context.Context, conn channel.Conn, propertyExtID string, prices []model.DatePrice) error {
	dates := make([]calendarDate, 0, len(prices))
	for _, p := range prices {
		day := calendarDate{Date: p.Date.String(), Available: true}
		day.Rate = &struct {
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
		}{Amount: channel.MinorToDecimal(p.PriceMinor), Currency: string(model.EUR)}
		dates = append(dates, day)
	}
	req := channel.Request{
		Operation: "push_pricing",
		Method:    http.MethodPut,
		Path:      "/" + url.PathEscape(propertyExtID) + "/rates",
		Header:    bearer(conn),
	}
	return a.client.DoJSON(ctx, req, calendarOf(dates), nil)
}

// ListAvailability implements channel.Adapter.
func (a *Adapter) ListAvailability(ctx context.Context, conn channel.Conn, window model.DateRange) ([]model.DateRange, error) {
	q := url.Values{}
	q.Set("startDate", window.From.String())
	q.Set("endDate", window.To.String())

	var out calendarBody
	req := channel.Request{
		Operation: "list_availability",
		Method:    http.MethodGet,
		Path:      "/" + url.PathEscape(conn.ExternalPropertyID) + "/availability",
		Query:     q.Encode(),
		Header:    bearer(conn),
	}
	if err := a.client.DoJSON(ctx, req, nil, &out); err != nil {
		return nil, err
	}

	blocked := map[model.Date]bool{}
	for _, rt := range out.RoomTypes {
		for _, rp := range rt.RatePlans {
			for _, day := range rp.Dates {
				d, err := model.ParseDate(day.Date)
				if err != nil {
					return nil, channel.BadPayload(model.ChannelExpedia, "list_availability", err)
				}
				if !day.Available {
					blocked[d] = true
				}
			}
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

type booking struct {
	BookingID    string `json:"bookingId"`
	PropertyID   string `json:"propertyId"`
	Status       string `json:"status"`
	StayDates    struct {
		CheckIn  string `json:"checkIn"`
		CheckOut string `json:"checkOut"`
	} `json:"stayDates"`
	PrimaryGuest struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Email     string `json:"email"`
		Phone     struct {
			Number string `json:"number"`
		} `json:"phone"`
	} `json:"primaryGuest"`
	GuestCounts struct {
		Adults   int `json:"adults"`
		Children int `json:"children"`
	} `json:"guestCounts"`
	Payment struct {
		TotalAmount struct {
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
		} `json:"totalAmount"`
	} `json:"payment"`
	CreatedDateTime      string `json:"createdDateTime"`
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
	SpecialRequests      string `json:"specialRequests"`
}

// UpsertBooking implements channel.Adapter.
func (a *Adapter) UpsertBooking(ctx context.Context, conn channel.Conn, snap model.BookingSnapshot) (string, error) {
	var b booking
	b.BookingID = snap.ExternalID
	b.PropertyID = conn.ExternalPropertyID
	b.Status = "CONFIRMED"
	b.StayDates.CheckIn = snap.CheckIn.String()
	b.StayDates.CheckOut = snap.CheckOut.String()
	b.PrimaryGuest.FirstName, b.PrimaryGuest.LastName = splitName(snap.GuestName)
	b.PrimaryGuest.Email = snap.GuestEmail
	b.GuestCounts.Adults = snap.Guests
	b.Payment.TotalAmount.Amount = channel.MinorToDecimal(snap.TotalMinor)
	b.Payment.TotalAmount.Currency = string(snap.Currency)

	req := channel.Request{
		Operation: "upsert_booking",
		Method:    http.MethodPost,
		Path:      "/" + url.PathEscape(conn.ExternalPropertyID) + "/bookings",
		Header:    bearer(conn),
	}
	if snap.ExternalID != "" {
		req.Method = http.MethodPut
		req.Path += "/" + url.PathEscape(snap.ExternalID)
	}
	var out struct {
		BookingID string `json:"bookingId"`
	}
	if err := a.client.DoJSON(ctx, req, b, &out); err != nil {
		return "", err
	}
	if out.BookingID == "" {
		return snap.ExternalID, nil
	}
	return out.BookingID, nil
}

// CancelBooking implements channel.Adapter.
func (a *Adapter) CancelBooking(ctx context.Context, conn channel.Conn, externalID string) error {
	req := channel.Request{
		Operation: "cancel_booking",
		Method:    http.MethodPut,
		Path:      "/" + url.PathEscape(conn.ExternalPropertyID) + "/bookings/" + url.PathEscape(externalID) + "/cancel",
		Header:    bearer(conn),
	}
	return a.client.DoJSON(ctx, req, struct{}{}, nil)
}

// ListBookings implements channel.Adapter with pageToken paging.
func (a *Adapter) ListBookings(ctx context.Context, conn channel.Conn, window model.DateRange) ([]channel.ExternalBooking, error) {
	var out []channel.ExternalBooking
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("checkInFrom", window.From.String())
		q.Set("checkInTo", window.To.String())
		q.Set("pageSize", fmt.Sprint(pageSize))
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page struct {
			Bookings      []booking `json:"bookings"`
			NextPageToken string    `json:"nextPageToken"`
		}
		req := channel.Request{
			Operation: "list_bookings",
			Method:    http.MethodGet,
			Path:      "/" + url.PathEscape(conn.ExternalPropertyID) + "/bookings",
			Query:     q.Encode(),
			Header:    bearer(conn),
		}
		if err := a.client.DoJSON(ctx, req, nil, &page); err != nil {
			return nil, err
		}
		for _, b := range page.Bookings {
			eb, err := toExternal(b)
			if err != nil {
				return nil, channel.BadPayload(model.ChannelExpedia, "list_bookings", err)
			}
			out = append(out, eb)
		}
		if page.NextPageToken == "" || len(page.Bookings) < pageSize {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

func toExternal(b booking) (channel.ExternalBooking, error) {
	checkIn, err := model.ParseDate(b.StayDates.CheckIn)
	if err != nil {
		return channel.ExternalBooking{}, err
	}
	checkOut, err := model.ParseDate(b.StayDates.CheckOut)
	if err != nil {
		return channel.ExternalBooking{}, err
	}
	var totalMinor int64
	if b.Payment.TotalAmount.Amount != "" {
		totalMinor, err = channel.DecimalToMinor(b.Payment.TotalAmount.Amount)
		if err != nil {
			return channel.ExternalBooking{}, err
		}
	}
	eb := channel.ExternalBooking{
		ExternalID: b.BookingID,
		Status:     mapStatus(b.Status),
		CheckIn:    checkIn,
		CheckOut:   checkOut,
		Guests:     max(b.GuestCounts.Adults+b.GuestCounts.Children, 1),
		GuestName:  joinName(b.PrimaryGuest.FirstName, b.PrimaryGuest.LastName),
		GuestEmail: b.PrimaryGuest.Email,
		GuestPhone: b.PrimaryGuest.Phone.Number,
		TotalMinor: totalMinor,
		Currency:   model.Currency(b.Payment.TotalAmount.Currency),
		GuestNote:  b.SpecialRequests,
	}
	if t, err := time.Parse(time.RFC3339, b.CreatedDateTime); err == nil {
		eb.BookedAt = t
	}
	if t, err := time.Parse(time.RFC3339, b.LastModifiedDateTime); err == nil {
		eb.UpdatedAt = t
	}
	return eb, nil
}

func mapStatus(s string) model.BookingStatus {
	switch s {
	case "PENDING":
		return model.StatusReserved
	case "CONFIRMED":
		return model.StatusConfirmed
	case "CANCELLED":
		return model.StatusCancelled
	case "IN_HOUSE":
		return model.StatusCheckedIn
	case "COMPLETED", "NO_SHOW":
		return model.StatusCheckedOut
	default:
		return model.StatusReserved
	}
}

type webhookPayload struct {
	EventType string  `json:"eventType"`
	EventID   string  `json:"eventId"`
	Timestamp string  `json:"timestamp"`
	Booking   booking `json:"booking"`
}

// ParseWebhook implements channel.Adapter.
func (a *Adapter) ParseWebhook(conn channel.Conn, header http.Header, body []byte) (*channel.InboundEvent, error) {
	sig := header.Get(signatureHeader)
	if sig == "" || !channel.VerifyHMAC(conn.Creds.SigningKey, body, sig) {
		return nil, channel.BadSignature(model.ChannelExpedia, "parse_webhook")
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, channel.BadPayload(model.ChannelExpedia, "parse_webhook", err)
	}
	if p.EventID == "" || p.Booking.BookingID == "" {
		return nil, channel.BadPayload(model.ChannelExpedia, "parse_webhook", fmt.Errorf("missing eventId or bookingId"))
	}

	var kind channel.InboundKind
	switch p.EventType {
	case "BOOKING_CREATED":
		kind = channel.InboundBookingCreated
	case "BOOKING_MODIFIED", "BOOKING_COMPLETED", "BOOKING_NO_SHOW":
		kind = channel.InboundBookingUpdated
	case "BOOKING_CANCELLED":
		kind = channel.InboundBookingCancelled
	default:
		return nil, channel.BadPayload(model.ChannelExpedia, "parse_webhook", fmt.Errorf("unknown eventType %q", p.EventType))
	}

	eb, err := toExternal(p.Booking)
	if err != nil {
		return nil, channel.BadPayload(model.ChannelExpedia, "parse_webhook", err)
	}
	if kind == channel.InboundBookingCancelled {
		eb.Status = model.StatusCancelled
	}

	ev := &channel.InboundEvent{
		Channel:            model.ChannelExpedia,
		Kind:               kind,
		ExternalMessageID:  p.EventID,
		ExternalPropertyID: p.Booking.PropertyID,
		Booking:            eb,
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
		return model.Credentials{}, channel.BadPayload(model.ChannelExpedia, "refresh_credentials", fmt.Errorf("empty access_token"))
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
