// SPDX-License-Identifier: MIT

// Package conflict implements the deterministic resolution rules applied
// when local state and a channel's view of a booking disagree. The
// functions are pure: same inputs, same decision, no I/O.
package conflict

import (
	"time"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
)

// Action says what the caller must do with an incoming change.
type Action string

const (
	// ActionApplyIncoming writes the incoming status through the booking
	// core and fans out to the other channels.
	ActionApplyIncoming Action = "apply_incoming"
	// ActionKeepLocal leaves local state untouched and re-pushes it to
	// the origin channel so the platform converges back.
	ActionKeepLocal Action = "keep_local"
	// ActionNoop means both sides already agree.
	ActionNoop Action = "noop"
)

// StatusDecision is the outcome for a status conflict.
type StatusDecision struct {
	Action Action
	Status model.BookingStatus // the winning status
	Reason string
}

// StatusUpdate is one side's claim about a booking's status.
type StatusUpdate struct {
	Source    model.Source
	Status    model.BookingStatus
	UpdatedAt time.Time
}

// ResolveStatus decides a status conflict on an existing booking.
//
// Rules, in order: a direct booking is owned locally, so local wins; a
// channel owns its own bookings, so same-source updates win; otherwise
// the more restrictive status wins, ties by recency, final tie to local.
func ResolveStatus(local StatusUpdate, incoming StatusUpdate) StatusDecision {
	if local.Status == incoming.Status {
		return StatusDecision{Action: ActionNoop, Status: local.Status, Reason: "statuses agree"}
	}
	if local.Source == model.SourceDirect {
		return StatusDecision{Action: ActionKeepLocal, Status: local.Status, Reason: "direct booking: local state owns it"}
	}
	if incoming.Source == local.Source {
		return StatusDecision{Action: ActionApplyIncoming, Status: incoming.Status, Reason: "origin channel owns its booking"}
	}

	lr, ir := local.Status.Restrictiveness(), incoming.Status.Restrictiveness()
	switch {
	case ir < lr:
		return StatusDecision{Action: ActionApplyIncoming, Status: incoming.Status, Reason: "incoming status is more restrictive"}
	case lr < ir:
		return StatusDecision{Action: ActionKeepLocal, Status: local.Status, Reason: "local status is more restrictive"}
	}

	// Same restrictiveness tier but different statuses cannot happen
	// with the current enum; recency is kept for forward safety.
	if incoming.UpdatedAt.After(local.UpdatedAt) {
		return StatusDecision{Action: ActionApplyIncoming, Status: incoming.Status, Reason: "incoming is more recent"}
	}
	return StatusDecision{Action: ActionKeepLocal, Status: local.Status, Reason: "tie resolves to local"}
}

// ResolveAvailability merges two views of one date: blocked beats
// available.
func ResolveAvailability(localBlocked, remoteBlocked bool) bool {
	return localBlocked || remoteBlocked
}

// InboundDecision is the outcome for a brand-new channel booking.
type InboundDecision struct {
	Accept bool
	// RejectOnPlatform means the adapter's cancel path must be invoked
	// so the platform releases the dates.
	RejectOnPlatform bool
	// AlertOperator is set when the conflict involves a direct booking:
	// a guest has paid for dates a platform also sold.
	AlertOperator bool
	Conflicts     []model.OccupiedInterval
	Reason        string
}

// ResolveNewInbound decides whether a new channel booking may be
// imported given the local occupied intervals overlapping its stay.
func ResolveNewInbound(stay model.DateRange, occupied []model.OccupiedInterval) InboundDecision {
	var conflicts []model.OccupiedInterval
	alert := false
	for _, o := range occupied {
		if !o.Range.Overlaps(stay) {
			continue
		}
		conflicts = append(conflicts, o)
		if o.Source == model.SourceDirect {
			alert = true
		}
	}
	if len(conflicts) == 0 {
		return InboundDecision{Accept: true, Reason: "dates free"}
	}
	return InboundDecision{
		Accept:           false,
		RejectOnPlatform: true,
		AlertOperator:    alert,
		Conflicts:        conflicts,
		Reason:           "dates already occupied",
	}
}

// PricingWins reports which side owns pricing. The core always does;
// divergence is pushed back to the channel.
func PricingWins() Action { return ActionKeepLocal }
