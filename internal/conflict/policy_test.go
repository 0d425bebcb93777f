// SPDX-License-Identifier: MIT

package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
)

func TestResolveStatusTable(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		local    StatusUpdate
		incoming StatusUpdate
		want     Action
		status   model.BookingStatus
	}{
		{
			name:     "agreement is a noop",
			local:    StatusUpdate{Source: "airbnb", Status: model.StatusConfirmed},
			incoming: StatusUpdate{Source: "airbnb", Status: model.StatusConfirmed},
			want:     ActionNoop,
			status:   model.StatusConfirmed,
		},
		{
			name:     "direct booking: local wins even against cancellation",
			local:    StatusUpdate{Source: model.SourceDirect, Status: model.StatusConfirmed, UpdatedAt: base},
			incoming: StatusUpdate{Source: "airbnb", Status: model.StatusCancelled, UpdatedAt: base.Add(time.Hour)},
			want:     ActionKeepLocal,
			status:   model.StatusConfirmed,
		},
		{
			name:     "channel owns its booking: cancellation applies",
			local:    StatusUpdate{Source: "airbnb", Status: model.StatusConfirmed, UpdatedAt: base},
			incoming: StatusUpdate{Source: "airbnb", Status: model.StatusCancelled, UpdatedAt: base.Add(time.Minute)},
			want:     ActionApplyIncoming,
			status:   model.StatusCancelled,
		},
		{
			name:     "channel owns its booking even when incoming is less restrictive",
			local:    StatusUpdate{Source: "airbnb", Status: model.StatusCancelled, UpdatedAt: base},
			incoming: StatusUpdate{Source: "airbnb", Status: model.StatusConfirmed, UpdatedAt: base.Add(time.Minute)},
			want:     ActionApplyIncoming,
			status:   model.StatusConfirmed,
		},
		{
			name:     "cross-channel: more restrictive incoming wins",
			local:    StatusUpdate{Source: "airbnb", Status: model.StatusReserved, UpdatedAt: base},
			incoming: StatusUpdate{Source: "expedia", Status: model.StatusCancelled, UpdatedAt: base},
			want:     ActionApplyIncoming,
			status:   model.StatusCancelled,
		},
		{
			name:     "cross-channel: more restrictive local wins",
			local:    StatusUpdate{Source: "airbnb", Status: model.StatusCheckedIn, UpdatedAt: base},
			incoming: StatusUpdate{Source: "expedia", Status: model.StatusReserved, UpdatedAt: base.Add(time.Hour)},
			want:     ActionKeepLocal,
			status:   model.StatusCheckedIn,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ResolveStatus(tc.local, tc.incoming)
			assert.Equal(t, tc.want, got.Action)
			assert.Equal(t, tc.status, got.Status)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestResolveStatusDeterministic(t *testing.T) {
	local := StatusUpdate{Source: "airbnb", Status: model.StatusConfirmed, UpdatedAt: time.Unix(100, 0)}
	incoming := StatusUpdate{Source: "expedia", Status: model.StatusCancelled, UpdatedAt: time.Unix(200, 0)}
	first := ResolveStatus(local, incoming)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, ResolveStatus(local, incoming))
	}
}

func TestResolveAvailabilityBlockedWins(t *testing.T) {
	assert.True(t, ResolveAvailability(true, false))
	assert.True(t, ResolveAvailability(false, true))
	assert.True(t, ResolveAvailability(true, true))
	assert.False(t, ResolveAvailability(false, false))
}

func TestResolveNewInboundFreeDates(t *testing.T) {
	stay := model.DateRange{From: model.MustDate("2026-08-10"), To: model.MustDate("2026-08-14")}
	got := ResolveNewInbound(stay, []model.OccupiedInterval{
		{Range: model.DateRange{From: model.MustDate("2026-08-14"), To: model.MustDate("2026-08-20")}, Source: "airbnb"},
	})
	assert.True(t, got.Accept, "back-to-back stays do not conflict")
}

func TestResolveNewInboundConflict(t *testing.T) {
	stay := model.DateRange{From: model.MustDate("2026-08-12"), To: model.MustDate("2026-08-16")}
	got := ResolveNewInbound(stay, []model.OccupiedInterval{
		{Range: model.DateRange{From: model.MustDate("2026-08-10"), To: model.MustDate("2026-08-14")}, Source: "expedia"},
	})
	assert.False(t, got.Accept)
	assert.True(t, got.RejectOnPlatform)
	assert.False(t, got.AlertOperator)
	assert.Len(t, got.Conflicts, 1)
}

func TestResolveNewInboundConflictWithDirectAlertsOperator(t *testing.T) {
	stay := model.DateRange{From: model.MustDate("2026-08-12"), To: model.MustDate("2026-08-16")}
	got := ResolveNewInbound(stay, []model.OccupiedInterval{
		{Range: model.DateRange{From: model.MustDate("2026-08-10"), To: model.MustDate("2026-08-14")}, Source: model.SourceDirect},
	})
	assert.False(t, got.Accept)
	assert.True(t, got.AlertOperator)
}
