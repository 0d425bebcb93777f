// SPDX-License-Identifier: MIT

// Package fsm defines the booking lifecycle state machine. The table is
// strict: a transition not listed here is invalid everywhere in the
// system, including imports and reconciliation repairs.
package fsm

import (
	"fmt"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
)

// Event names a lifecycle trigger.
type Event string

const (
	EventConvert    Event = "convert"         // inquiry -> reserved
	EventPaymentOK  Event = "payment_succeed" // reserved -> confirmed
	EventCheckIn    Event = "check_in"        // confirmed -> checked_in
	EventCheckOut   Event = "check_out"       // checked_in -> checked_out
	EventCancel     Event = "cancel"          // any non-terminal -> cancelled
	EventExpire     Event = "expire"          // reserved timeout -> cancelled
	EventPaymentBad Event = "payment_fail"    // reserved -> cancelled
)

type edge struct {
	from  model.BookingStatus
	event Event
	to    model.BookingStatus
}

var edges = []edge{
	{model.StatusInquiry, EventConvert, model.StatusReserved},
	{model.StatusInquiry, EventCancel, model.StatusCancelled},
	{model.StatusInquiry, EventExpire, model.StatusCancelled},
	{model.StatusReserved, EventPaymentOK, model.StatusConfirmed},
	{model.StatusReserved, EventPaymentBad, model.StatusCancelled},
	{model.StatusReserved, EventExpire, model.StatusCancelled},
	{model.StatusReserved, EventCancel, model.StatusCancelled},
	{model.StatusConfirmed, EventCheckIn, model.StatusCheckedIn},
	{model.StatusConfirmed, EventCancel, model.StatusCancelled},
	{model.StatusCheckedIn, EventCheckOut, model.StatusCheckedOut},
	{model.StatusCheckedIn, EventCancel, model.StatusCancelled},
}

var index = func() map[string]model.BookingStatus {
	m := make(map[string]model.BookingStatus, len(edges))
	for _, e := range edges {
		k := string(e.from) + "|" + string(e.event)
		if _, dup := m[k]; dup {
			panic(fmt.Sprintf("duplicate transition %s", k))
		}
		m[k] = e.to
	}
	return m
}()

// Step resolves the target state for an event fired in the given state.
func Step(from model.BookingStatus, ev Event) (model.BookingStatus, error) {
	to, ok := index[string(from)+"|"+string(ev)]
	if !ok {
		return from, fmt.Errorf("invalid transition: state=%s event=%s", from, ev)
	}
	return to, nil
}

// Target returns the state an event leads to, independent of the origin
// state. Every event in the table has a single destination.
func Target(ev Event) (model.BookingStatus, bool) {
	for _, e := range edges {
		if e.event == ev {
			return e.to, true
		}
	}
	return "", false
}

// Allowed reports whether a direct from->to move exists for any event.
func Allowed(from, to model.BookingStatus) bool {
	for _, e := range edges {
		if e.from == from && e.to == to {
			return true
		}
	}
	return false
}

// CancelEventFor picks the cancel-family event appropriate for the state,
// or reports that the booking is already terminal.
func CancelEventFor(s model.BookingStatus) (Event, bool) {
	if s.IsTerminal() {
		return "", false
	}
	return EventCancel, true
}
