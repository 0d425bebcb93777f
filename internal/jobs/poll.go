// SPDX-License-Identifier: MIT

package jobs

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/lodgewerk/staysync/internal/channel"
	"github.com/lodgewerk/staysync/internal/clock"
	"github.com/lodgewerk/staysync/internal/domain/booking/manager"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/log"
)

const (
	// Import window for a polling pass: yesterday catches late
	// cancellations of ongoing stays, a year forward covers everything
	// bookable.
	pollBackDays    = 1
	pollForwardDays = 365

	pollLockTTL  = 30 * time.Second
	pollLockWait = 5 * time.Second
)

// PollImporter pulls bookings from the platforms on a timer. It is the
// fallback for connections whose webhooks are degraded or unsupported;
// the import path is the same conflict-policy code webhooks use, so a
// booking arriving over both routes is a no-op the second time.
type PollImporter struct {
	store    ports.Store
	core     *manager.Manager
	locker   ports.Locker
	registry *channel.Registry
	codec    *channel.CredentialCodec
	clk      clock.Clock
	logger   zerolog.Logger
}

// NewPollImporter builds the importer.
func NewPollImporter(store ports.Store, core *manager.Manager, locker ports.Locker,
	registry *channel.Registry, codec *channel.CredentialCodec, clk clock.Clock) *PollImporter {
	return &PollImporter{
		store:    store,
		core:     core,
		locker:   locker,
		registry: registry,
		codec:    codec,
		clk:      clk,
		logger:   log.WithComponent("pollimport"),
	}
}

// Run imports from every syncable connection. A failing connection is
// recorded on the connection and does not stop the others.
func (p *PollImporter) Run(ctx context.Context) error {
	conns, err := p.store.ListConnections(ctx)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, conn := range conns {
		if !conn.Syncable() {
			continue
		}
		if err := p.pollConnection(ctx, conn); err != nil {
			errs = multierror.Append(errs, err)
			if merr := p.store.MarkConnectionError(ctx, conn.ID, err.Error()); merr != nil {
				p.logger.Error().Err(merr).Str("connection_id", conn.ID).Msg("record poll error")
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return errs.ErrorOrNil()
}

func (p *PollImporter) pollConnection(ctx context.Context, conn model.ChannelConnection) error {
	adapter, err := p.registry.Adapter(conn.Channel)
	if err != nil {
		return err
	}
	cc, err := p.codec.OpenConn(conn)
	if err != nil {
		return err
	}

	today := model.DateOf(p.clk.Now().UTC())
	window := model.DateRange{
		From: today.AddDays(-pollBackDays),
		To:   today.AddDays(pollForwardDays),
	}
	remote, err := adapter.ListBookings(ctx, cc, window)
	if err != nil {
		return err
	}

	lease, err := p.locker.Acquire(ctx, ports.BookingLockKey(conn.PropertyID), pollLockTTL, pollLockWait)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := p.locker.Release(ctx, lease); rerr != nil {
			p.logger.Warn().Err(rerr).Str("key", lease.Key).Msg("lock release failed")
		}
	}()

	var applied, rejected int
	for _, rb := range remote {
		res, err := p.core.ImportChannelBooking(ctx, p.importFrom(conn, rb))
		if err != nil {
			p.logger.Error().Err(err).
				Str("connection_id", conn.ID).
				Str("external_id", rb.ExternalID).
				Msg("poll import failed")
			continue
		}
		switch res.Outcome {
		case manager.ImportApplied:
			applied++
		case manager.ImportRejected:
			rejected++
			// The dates are occupied locally; cancel at the platform the
			// same way a webhook rejection would.
			if cerr := adapter.CancelBooking(ctx, cc, rb.ExternalID); cerr != nil {
				p.logger.Error().Err(cerr).
					Str("connection_id", conn.ID).
					Str("external_id", rb.ExternalID).
					Msg("cancel of rejected booking failed")
			}
			if res.AlertOperator {
				p.logger.Warn().
					Str("connection_id", conn.ID).
					Str("external_id", rb.ExternalID).
					Str("reason", res.Reason).
					Msg("channel booking conflicts with a direct booking")
			}
		}
	}

	if err := p.store.MarkConnectionSynced(ctx, conn.ID, p.clk.Now()); err != nil {
		return err
	}
	p.logger.Debug().
		Str("connection_id", conn.ID).
		Str("channel", string(conn.Channel)).
		Int("remote", len(remote)).
		Int("applied", applied).
		Int("rejected", rejected).
		Msg("poll pass completed")
	return nil
}

func (p *PollImporter) importFrom(conn model.ChannelConnection, rb channel.ExternalBooking) manager.ImportBooking {
	status := rb.Status
	if status == "" {
		status = model.StatusConfirmed
	}
	updated := rb.UpdatedAt
	if updated.IsZero() {
		updated = p.clk.Now()
	}
	return manager.ImportBooking{
		PropertyID: conn.PropertyID,
		Source:     model.SourceOf(conn.Channel),
		ExternalID: rb.ExternalID,
		Status:     status,
		CheckIn:    rb.CheckIn,
		CheckOut:   rb.CheckOut,
		Guests:     rb.Guests,
		GuestName:  rb.GuestName,
		GuestEmail: rb.GuestEmail,
		GuestPhone: rb.GuestPhone,
		TotalMinor: rb.TotalMinor,
		Currency:   rb.Currency,
		UpdatedAt:  updated,
	}
}
