// SPDX-License-Identifier: MIT

// Package bookingcom talks to the Booking.com connectivity API: OTA-style
// XML for availability and rates, JSON for reservations, HMAC-signed
// push notifications in X-Booking-Signature.
package bookingcom

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/lodgewerk/staysync/internal/channel"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/ident"
)

// DefaultBaseURL is the production connectivity endpoint.
const DefaultBaseURL = "https://distribution-xml.booking.com/2.0"

const (
	signatureHeader = "X-Booking-Signature"
	otaNamespace    = "http://www.opentravel.org/OTA/2003/05"
	pageSize        = 100
)

// Adapter implements channel.Adapter for Booking.com.
type Adapter struct {
	client *channel.HTTPClient
	now    func() time.Time
}

// New builds an adapter against the given base URL.
func New(baseURL string, timeout time.Duration) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{
		client: channel.NewHTTPClient(model.ChannelBookingCom, baseURL, timeout),
		now:    time.Now,
	}
}

// Channel implements channel.Adapter.
func (a *Adapter) Channel() model.Channel { return model.ChannelBookingCom }

func bearer(conn channel.Conn) map[string]string {
	return map[string]string{"Authorization": "Bearer " + conn.Creds.AccessToken}
}

// OTA_HotelAvailNotifRQ wire shapes.

type availNotifRQ struct {
	XMLName   xml.Name        `xml:"OTA_HotelAvailNotifRQ"`
	Namespace string          `xml:"xmlns,attr"`
	Version   string          `xml:"Version,attr"`
	TimeStamp string          `xml:"TimeStamp,attr"`
	Messages  availStatusMsgs `xml:"AvailStatusMessages"`
}

type availStatusMsgs struct {
	HotelCode string           `xml:"HotelCode,attr"`
	Messages  []availStatusMsg `xml:"AvailStatusMessage"`
}

type availStatusMsg struct {
	Control      statusControl `xml:"StatusApplicationControl"`
	BookingLimit int           `xml:"BookingLimit"`
}

type statusControl struct {
	Start        string `xml:"Start,attr"`
	End          string `xml:"End,attr"`
	InvTypeCode  string `xml:"InvTypeCode,attr"`
	RatePlanCode string `xml:"RatePlanCode,attr"`
}

type otaResponse struct {
	Errors []struct {
		ShortText string `xml:"ShortText,attr"`
	} `xml:"Errors>Error"`
	AvailStatusMessages []availStatusMsg `xml:"AvailStatusMessages>AvailStatusMessage"`
}

func (a *Adapter) postXML(ctx context.Context, conn channel.Conn, op, path string, rq any) (*otaResponse, error) {
	body, err := xml.Marshal(rq)
	if err != nil {
		return nil, channel.BadPayload(model.ChannelBookingCom, op, err)
	}
	req := channel.Request{
		Operation:   op,
		Method:      http.MethodPost,
		Path:        path,
		Header:      bearer(conn),
		Body:        append([]byte(xml.Header), body...),
		ContentType: "application/xml",
	}
	data, err := a.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	var rs otaResponse
	if len(data) > 0 {
		if err := xml.Unmarshal(data, &rs); err != nil {
			return nil, channel.BadPayload(model.ChannelBookingCom, op, err)
		}
	}
	// OTA errors ride inside a 200 response.
	if len(rs.Errors) > 0 {
		return nil, &channel.CallError{
			Class:     channel.ErrPermanent,
			Channel:   model.ChannelBookingCom,
			Operation: op,
			Body:      rs.Errors[0].ShortText,
		}
	}
	return &rs, nil
}

// PushAvailability implements channel.Adapter with one
// OTA_HotelAvailNotifRQ closing every occupied range.
func (a *Adapter) PushAvailability(ctx context.Context, conn channel.Conn, propertyExtID string, occupied []model.BlockSnapshot) error {
	msgs := make([]availStatusMsg, 0, len(occupied))
	for _, blk := range occupied {
		msgs = append(msgs, availStatusMsg{
			Control: statusControl{
				// OTA End is inclusive; our ranges are half-open.
				Start:        blk.Range.From.String(),
				End:          blk.Range.To.AddDays(-1).String(),
				InvTypeCode:  "ROOM",
				RatePlanCode: "DEFAULT",
			},
			BookingLimit: 0,
		})
	}
	rq := availNotifRQ{
		Namespace: otaNamespace,
		Version:   "1.0",
		TimeStamp: a.now().UTC().Format(time.RFC3339),
		Messages:  availStatusMsgs{HotelCode: propertyExtID, Messages: msgs},
	}
	_, err := a.postXML(ctx, conn, "push_availability", "/availability", rq)
	return err
}

// OTA_HotelRatePlanNotifRQ wire shapes.

type ratePlanNotifRQ struct {
	XMLName   xml.Name  `xml:"OTA_HotelRatePlanNotifRQ"`
	Namespace string    `xml:"xmlns,attr"`
	Version   string    `xml:"Version,attr"`
	TimeStamp string    `xml:"TimeStamp,attr"`
	RatePlans ratePlans `xml:"RatePlans"`
}

type ratePlans struct {
	HotelCode string   `xml:"HotelCode,attr"`
	RatePlan  ratePlan `xml:"RatePlan"`
}

type ratePlan struct {
	RatePlanCode string `xml:"RatePlanCode,attr"`
	Rates        []rate `xml:"Rates>Rate"`
}

type rate struct {
	Start  string         `xml:"Start,attr"`
	End    string         `xml:"End,attr"`
	Amount baseByGuestAmt `xml:"BaseByGuestAmts>BaseByGuestAmt"`
}

type baseByGuestAmt struct {
	AmountAfterTax string `xml:"AmountAfterTax,attr"`
	CurrencyCode   string `xml:"CurrencyCode,attr"`
	NumberOfGuests int    `xml:"NumberOfGuests,attr"`
}

// PushPricing implements channel.Adapter via OTA_HotelRatePlanNotifRQ,
// one single-day Rate per price.
func (a *Adapter) PushPricing(ctx context.Context, conn channel.Conn, propertyExtID string, prices []model.DatePrice) error {
	rates := make([]rate, 0, len(prices))
	for _, p := range prices {
		rates = append(rates, rate{
			Start: p.Date.String(),
			End:   p.Date.String(),
			Amount: baseByGuestAmt{
				AmountAfterTax: channel.MinorToDecimal(p.PriceMinor),
				CurrencyCode:   string(model.EUR),
				NumberOfGuests: 2,
			},
		})
	}
	rq := ratePlanNotifRQ{
		Namespace: otaNamespace,
		Version:   "1.0",
		TimeStamp: a.now().UTC().Format(time.RFC3339),
		RatePlans: ratePlans{
			HotelCode: propertyExtID,
			RatePlan:  ratePlan{RatePlanCode: "DEFAULT", Rates: rates},
		},
	}
	_, err := a.postXML(ctx, conn, "push_pricing", "/rates", rq)
	return err
}

type hotelRef struct {
	HotelCode string `xml:"HotelCode,attr"`
}

type stayDateRange struct {
	Start string `xml:"Start,attr"`
	End   string `xml:"End,attr"`
}

type availRequestSegment struct {
	HotelRef hotelRef      `xml:"HotelSearchCriteria>Criterion>HotelRef"`
	Stay     stayDateRange `xml:"StayDateRange"`
}

type availRQ struct {
	XMLName   xml.Name            `xml:"OTA_HotelAvailRQ"`
	Namespace string              `xml:"xmlns,attr"`
	Version   string              `xml:"Version,attr"`
	TimeStamp string              `xml:"TimeStamp,attr"`
	Segment   availRequestSegment `xml:"AvailRequestSegments>AvailRequestSegment"`
}

// ListAvailability implements channel.Adapter via OTA_HotelAvailRQ.
func (a *Adapter) ListAvailability(ctx context.Context, conn channel.Conn, window model.DateRange) ([]model.DateRange, error) {
	rq := availRQ{
		Namespace: otaNamespace,
		Version:   "1.0",
		TimeStamp: a.now().UTC().Format(time.RFC3339),
		Segment: availRequestSegment{
			HotelRef: hotelRef{HotelCode: conn.ExternalPropertyID},
			Stay:     stayDateRange{Start: window.From.String(), End: window.To.String()},
		},
	}

	rs, err := a.postXML(ctx, conn, "list_availability", "/availability/get", rq)
	if err != nil {
		return nil, err
	}
	var out []model.DateRange
	for _, msg := range rs.AvailStatusMessages {
		if msg.BookingLimit > 0 {
			continue
		}
		from, err := model.ParseDate(msg.Control.Start)
		if err != nil {
			return nil, channel.BadPayload(model.ChannelBookingCom, "list_availability", err)
		}
		endIncl, err := model.ParseDate(msg.Control.End)
		if err != nil {
			return nil, channel.BadPayload(model.ChannelBookingCom, "list_availability", err)
		}
		out = append(out, model.DateRange{From: from, To: endIncl.AddDays(1)})
	}
	return out, nil
}

// Reservation JSON shapes (REST side).

type reservation struct {
	ReservationID string `json:"reservation_id"`
	HotelID       string `json:"hotel_id"`
	Status        string `json:"status"`
	ArrivalDate   string `json:"arrival_date"`
	DepartureDate string `json:"departure_date"`
	Guest         struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Email     string `json:"email"`
		Telephone string `json:"telephone"`
	} `json:"guest"`
	Room struct {
		NumberOfGuests int `json:"number_of_guests"`
	} `json:"room"`
	TotalPrice   string `json:"total_price"`
	CurrencyCode string `json:"currency_code"`
	BookedAt     string `json:"booked_at"`
	ModifiedAt   string `json:"modified_at"`
	Remarks      string `json:"remarks"`
}

// UpsertBooking implements channel.Adapter.
func (a *Adapter) UpsertBooking(ctx context.Context, conn channel.Conn, snap model.BookingSnapshot) (string, error) {
	res := reservation{
		ReservationID: snap.ExternalID,
		HotelID:       conn.ExternalPropertyID,
		Status:        "ok",
		ArrivalDate:   snap.CheckIn.String(),
		DepartureDate: snap.CheckOut.String(),
		TotalPrice:    channel.MinorToDecimal(snap.TotalMinor),
		CurrencyCode:  string(snap.Currency),
	}
	res.Guest.FirstName, res.Guest.LastName = splitName(snap.GuestName)
	res.Guest.Email = snap.GuestEmail
	res.Room.NumberOfGuests = snap.Guests

	req := channel.Request{Operation: "upsert_booking", Method: http.MethodPost, Path: "/reservations", Header: bearer(conn)}
	if snap.ExternalID != "" {
		req.Method = http.MethodPut
		req.Path = "/reservations/" + url.PathEscape(snap.ExternalID)
	}
	var out struct {
		ReservationID string `json:"reservation_id"`
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

// ListBookings implements channel.Adapter with rows/page paging.
func (a *Adapter) ListBookings(ctx context.Context, conn channel.Conn, window model.DateRange) ([]channel.ExternalBooking, error) {
	var out []channel.ExternalBooking
	for page := 0; ; page++ {
		q := url.Values{}
		q.Set("hotel_id", conn.ExternalPropertyID)
		q.Set("arrival_from", window.From.String())
		q.Set("arrival_to", window.To.String())
		q.Set("rows", fmt.Sprint(pageSize))
		q.Set("page", fmt.Sprint(page))

		var body struct {
			Reservations []reservation `json:"reservations"`
		}
		req := channel.Request{Operation: "list_bookings", Method: http.MethodGet, Path: "/reservations", Query: q.Encode(), Header: bearer(conn)}
		if err := a.client.DoJSON(ctx, req, nil, &body); err != nil {
			return nil, err
		}
		for _, res := range body.Reservations {
			b, err := toExternal(res)
			if err != nil {
				return nil, channel.BadPayload(model.ChannelBookingCom, "list_bookings", err)
			}
			out = append(out, b)
		}
		if len(body.Reservations) < pageSize {
			return out, nil
		}
	}
}

func toExternal(res reservation) (channel.ExternalBooking, error) {
	checkIn, err := model.ParseDate(res.ArrivalDate)
	if err != nil {
		return channel.ExternalBooking{}, err
	}
	checkOut, err := model.ParseDate(res.DepartureDate)
	if err != nil {
		return channel.ExternalBooking{}, err
	}
	var totalMinor int64
	if res.TotalPrice != "" {
		totalMinor, err = channel.DecimalToMinor(res.TotalPrice)
		if err != nil {
			return channel.ExternalBooking{}, err
		}
	}
	b := channel.ExternalBooking{
		ExternalID: res.ReservationID,
		Status:     mapStatus(res.Status),
		CheckIn:    checkIn,
		CheckOut:   checkOut,
		Guests:     max(res.Room.NumberOfGuests, 1),
		GuestName:  joinName(res.Guest.FirstName, res.Guest.LastName),
		GuestEmail: res.Guest.Email,
		GuestPhone: res.Guest.Telephone,
		TotalMinor: totalMinor,
		Currency:   model.Currency(res.CurrencyCode),
		GuestNote:  res.Remarks,
	}
	if t, err := time.Parse("2006-01-02T15:04:05", res.BookedAt); err == nil {
		b.BookedAt = t
	}
	if t, err := time.Parse("2006-01-02T15:04:05", res.ModifiedAt); err == nil {
		b.UpdatedAt = t
	}
	return b, nil
}

// mapStatus folds Booking.com statuses onto our lifecycle. no_show keeps
// its dates (checked_out is the closest terminal non-freeing state).
func mapStatus(s string) model.BookingStatus {
	switch s {
	case "new":
		return model.StatusReserved
	case "modified", "ok":
		return model.StatusConfirmed
	case "cancelled":
		return model.StatusCancelled
	case "no_show":
		return model.StatusCheckedOut
	default:
		return model.StatusReserved
	}
}

// ParseWebhook implements channel.Adapter. Booking.com push messages
// carry no event id; the message id is derived from reservation id,
// status and modification time so replays dedupe.
func (a *Adapter) ParseWebhook(conn channel.Conn, header http.Header, body []byte) (*channel.InboundEvent, error) {
	sig := header.Get(signatureHeader)
	if sig == "" || !channel.VerifyHMAC(conn.Creds.SigningKey, body, sig) {
		return nil, channel.BadSignature(model.ChannelBookingCom, "parse_webhook")
	}

	var res reservation
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, channel.BadPayload(model.ChannelBookingCom, "parse_webhook", err)
	}
	if res.ReservationID == "" {
		return nil, channel.BadPayload(model.ChannelBookingCom, "parse_webhook", fmt.Errorf("missing reservation_id"))
	}
	booking, err := toExternal(res)
	if err != nil {
		return nil, channel.BadPayload(model.ChannelBookingCom, "parse_webhook", err)
	}

	var kind channel.InboundKind
	switch res.Status {
	case "new":
		kind = channel.InboundBookingCreated
	case "cancelled":
		kind = channel.InboundBookingCancelled
	default:
		kind = channel.InboundBookingUpdated
	}

	return &channel.InboundEvent{
		Channel:            model.ChannelBookingCom,
		Kind:               kind,
		ExternalMessageID:  ident.IdempotencyKey("booking_com", res.ReservationID, res.Status, res.ModifiedAt),
		ExternalPropertyID: res.HotelID,
		Booking:            booking,
		OccurredAt:         booking.UpdatedAt,
	}, nil
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
	req := channel.Request{Operation: "refresh_credentials", Method: http.MethodPost, Path: "/oauth/token"}
	if err := a.client.DoJSON(ctx, req, body, &out); err != nil {
		return model.Credentials{}, err
	}
	if out.AccessToken == "" {
		return model.Credentials{}, channel.BadPayload(model.ChannelBookingCom, "refresh_credentials", fmt.Errorf("empty access_token"))
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
