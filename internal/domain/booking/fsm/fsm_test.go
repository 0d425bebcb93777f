// SPDX-License-Identifier: MIT

package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
)

func TestHappyPath(t *testing.T) {
	s := model.StatusReserved
	s, err := Step(s, EventPaymentOK)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, s)

	s, err = Step(s, EventCheckIn)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCheckedIn, s)

	s, err = Step(s, EventCheckOut)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCheckedOut, s)
	assert.True(t, s.IsTerminal())
}

func TestEveryNonTerminalStateCanCancel(t *testing.T) {
	for _, s := range []model.BookingStatus{
		model.StatusInquiry, model.StatusReserved, model.StatusConfirmed, model.StatusCheckedIn,
	} {
		ev, ok := CancelEventFor(s)
		require.True(t, ok, "state %s", s)
		to, err := Step(s, ev)
		require.NoError(t, err, "state %s", s)
		assert.Equal(t, model.StatusCancelled, to)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	for _, s := range []model.BookingStatus{model.StatusCancelled, model.StatusCheckedOut} {
		_, ok := CancelEventFor(s)
		assert.False(t, ok, "state %s", s)
		for _, ev := range []Event{EventConvert, EventPaymentOK, EventCheckIn, EventCheckOut, EventCancel} {
			_, err := Step(s, ev)
			assert.Error(t, err, "state %s event %s", s, ev)
		}
	}
}

func TestNoShortcuts(t *testing.T) {
	// The only way out of reserved is payment, cancel, or expiry.
	_, err := Step(model.StatusReserved, EventCheckIn)
	assert.Error(t, err)
	// Check-in requires a confirmed booking.
	_, err = Step(model.StatusInquiry, EventCheckIn)
	assert.Error(t, err)
	// No skipping the stay.
	_, err = Step(model.StatusConfirmed, EventCheckOut)
	assert.Error(t, err)
}

func TestTargetIsDestinationUnique(t *testing.T) {
	for _, tc := range []struct {
		ev   Event
		want model.BookingStatus
	}{
		{EventConvert, model.StatusReserved},
		{EventPaymentOK, model.StatusConfirmed},
		{EventCheckIn, model.StatusCheckedIn},
		{EventCheckOut, model.StatusCheckedOut},
		{EventCancel, model.StatusCancelled},
		{EventExpire, model.StatusCancelled},
		{EventPaymentBad, model.StatusCancelled},
	} {
		got, ok := Target(tc.ev)
		require.True(t, ok, "event %s", tc.ev)
		assert.Equal(t, tc.want, got, "event %s", tc.ev)
	}
	_, ok := Target(Event("unknown"))
	assert.False(t, ok)
}

func TestAllowedMatchesStepTable(t *testing.T) {
	assert.True(t, Allowed(model.StatusReserved, model.StatusConfirmed))
	assert.True(t, Allowed(model.StatusConfirmed, model.StatusCancelled))
	assert.False(t, Allowed(model.StatusReserved, model.StatusCheckedIn))
	assert.False(t, Allowed(model.StatusCheckedOut, model.StatusCancelled))
	assert.False(t, Allowed(model.StatusCancelled, model.StatusReserved))
}
