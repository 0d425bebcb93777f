// SPDX-License-Identifier: MIT

package model

import "time"

// Booking is the central entity. Bookings whose status occupies dates must
// have pairwise-disjoint ranges per property; the store enforces this.
type Booking struct {
	ID              string        `json:"id"`
	Reference       string        `json:"reference"`
	PropertyID      string        `json:"propertyId"`
	GuestID         string        `json:"guestId,omitempty"`
	Source          Source        `json:"source"`
	ExternalID      string        `json:"externalId,omitempty"` // unique per source when set
	Status          BookingStatus `json:"status"`
	CheckIn         Date          `json:"checkIn"`
	CheckOut        Date          `json:"checkOut"`
	Guests          int           `json:"guests"`
	TotalMinor      int64         `json:"totalMinor"`
	Currency        Currency      `json:"currency"`
	PaymentIntentID string        `json:"paymentIntentId,omitempty"`
	LockKey         string        `json:"lockKey,omitempty"`
	CancelReason    string        `json:"cancelReason,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	Version         int64         `json:"version"`
}

// Range returns the booking's stay interval.
func (b Booking) Range() DateRange {
	return DateRange{From: b.CheckIn, To: b.CheckOut}
}

// Property carries the attributes the booking core needs. Ownership and the
// rest of the listing live outside this system.
type Property struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Timezone         string    `json:"timezone"`
	Region           string    `json:"region"` // tax table key
	Currency         Currency  `json:"currency"`
	BasePriceMinor   int64     `json:"basePriceMinor"`
	CleaningFeeMinor int64     `json:"cleaningFeeMinor"`
	ServiceFeeBps    int       `json:"serviceFeeBps"`
	MaxGuests        int       `json:"maxGuests"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Guest is a deduplicated guest profile, upserted by email.
type Guest struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FullName joins the guest's name parts.
func (g Guest) FullName() string {
	switch {
	case g.FirstName == "":
		return g.LastName
	case g.LastName == "":
		return g.FirstName
	default:
		return g.FirstName + " " + g.LastName
	}
}

// AvailabilityBlock is an owner or channel hold that occupies dates without
// a booking.
type AvailabilityBlock struct {
	ID         string    `json:"id"`
	PropertyID string    `json:"propertyId"`
	StartDate  Date      `json:"startDate"`
	EndDate    Date      `json:"endDate"`
	Kind       BlockKind `json:"kind"`
	Source     Source    `json:"source"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Range returns the blocked interval.
func (b AvailabilityBlock) Range() DateRange {
	return DateRange{From: b.StartDate, To: b.EndDate}
}

// ConnectionStatus is the channel connection lifecycle.
type ConnectionStatus string

const (
	ConnectionActive   ConnectionStatus = "active"
	ConnectionDisabled ConnectionStatus = "disabled"
)

// ChannelConnection links a property to a channel account. Credentials are
// stored encrypted; the struct carries only the ciphertext.
type ChannelConnection struct {
	ID                  string           `json:"id"`
	PropertyID          string           `json:"propertyId"`
	Channel             Channel          `json:"channel"`
	ExternalPropertyID  string           `json:"externalPropertyId"`
	EncryptedCreds      []byte           `json:"-"`
	Status              ConnectionStatus `json:"status"`
	SyncEnabled         bool             `json:"syncEnabled"`
	CredentialsExpireAt time.Time        `json:"credentialsExpireAt,omitempty"`
	LastSyncAt          time.Time        `json:"lastSyncAt,omitempty"`
	LastError           string           `json:"lastError,omitempty"`
	CreatedAt           time.Time        `json:"createdAt"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}

// Syncable reports whether the connection should receive deliveries.
func (c ChannelConnection) Syncable() bool {
	return c.Status == ConnectionActive && c.SyncEnabled
}

// Credentials is the decrypted credential set handed to adapters.
type Credentials struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	APIKey       string    `json:"apiKey,omitempty"`
	SigningKey   string    `json:"signingKey,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// OutboundEvent is one record in the event log. Sequence is monotonic per
// property and assigned inside the same transaction as the business write.
type OutboundEvent struct {
	ID         string    `json:"id"`
	PropertyID string    `json:"propertyId"`
	EntityID   string    `json:"entityId"`
	Kind       EventKind `json:"kind"`
	Origin     Source    `json:"origin"`
	Sequence   int64     `json:"sequence"`
	Payload    []byte    `json:"payload"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Delivery is the per-channel fan-out record for one event. Property,
// entity and sequence are denormalized from the event so the claim query
// can enforce per-entity ordering without a join.
type Delivery struct {
	ID                 string        `json:"id"`
	EventID            string        `json:"eventId"`
	ConnectionID       string        `json:"connectionId"`
	Channel            Channel       `json:"channel"`
	PropertyID         string        `json:"propertyId"`
	EntityID           string        `json:"entityId"`
	Sequence           int64         `json:"sequence"`
	State              DeliveryState `json:"state"`
	AttemptCount       int           `json:"attemptCount"`
	NextAttemptAt      time.Time     `json:"nextAttemptAt"`
	VisibilityDeadline time.Time     `json:"visibilityDeadline,omitempty"`
	LastError          string        `json:"lastError,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// IdempotencyRecord replays a prior outcome for a repeated key.
type IdempotencyRecord struct {
	Key       string    `json:"key"`
	Result    []byte    `json:"result"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SyncRunStatus is the reconciliation run lifecycle.
type SyncRunStatus string

const (
	SyncRunRunning   SyncRunStatus = "running"
	SyncRunCompleted SyncRunStatus = "completed"
	SyncRunPartial   SyncRunStatus = "partial"
	SyncRunFailed    SyncRunStatus = "failed"
)

// SyncRun records one reconciliation pass.
type SyncRun struct {
	ID                 string        `json:"id"`
	StartedAt          time.Time     `json:"startedAt"`
	FinishedAt         time.Time     `json:"finishedAt,omitempty"`
	Status             SyncRunStatus `json:"status"`
	PropertiesChecked  int           `json:"propertiesChecked"`
	DiscrepanciesFound int           `json:"discrepanciesFound"`
	CorrectionsApplied int           `json:"correctionsApplied"`
	CorrectionsHeld    int           `json:"correctionsHeld"`
	Errors             int           `json:"errors"`
}

// Discrepancy is one reconciliation finding, kept for the audit trail.
type Discrepancy struct {
	ID         string          `json:"id"`
	RunID      string          `json:"runId"`
	PropertyID string          `json:"propertyId"`
	Channel    Channel         `json:"channel"`
	Kind       DiscrepancyKind `json:"kind"`
	EntityID   string          `json:"entityId,omitempty"`
	ExternalID string          `json:"externalId,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Corrected  bool            `json:"corrected"`
	DetectedAt time.Time       `json:"detectedAt"`
}

// OccupiedKind distinguishes calendar entries.
type OccupiedKind string

const (
	OccupiedByBooking OccupiedKind = "booking"
	OccupiedByBlock   OccupiedKind = "block"
)

// OccupiedInterval is one calendar entry: a date range held by either a
// booking or a block.
type OccupiedInterval struct {
	Range    DateRange     `json:"range"`
	Kind     OccupiedKind  `json:"kind"`
	EntityID string        `json:"entityId"`
	Status   BookingStatus `json:"status,omitempty"`
	Block    BlockKind     `json:"blockKind,omitempty"`
	Source   Source        `json:"source"`
}
