// SPDX-License-Identifier: MIT

// Package reconcile runs the daily drift check between local state and
// each platform's view of it. Detection is read-only; every correction
// goes through the booking core or the channel adapter under a run-scoped
// idempotency key, so a crashed run can restart without double-applying
// anything.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lodgewerk/staysync/internal/channel"
	"github.com/lodgewerk/staysync/internal/clock"
	"github.com/lodgewerk/staysync/internal/conflict"
	"github.com/lodgewerk/staysync/internal/domain/booking/manager"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/ident"
	"github.com/lodgewerk/staysync/internal/log"
	"github.com/lodgewerk/staysync/internal/metrics"
	"github.com/lodgewerk/staysync/internal/ratelimit"
	"github.com/lodgewerk/staysync/internal/resilience"
)

const (
	// The comparison window: yesterday (late cancellations of ongoing
	// stays) through the sync horizon.
	windowBackDays    = 1
	windowForwardDays = 365

	// DefaultDailyCap is how many automatic corrections one property may
	// receive per civil day before corrections are held for operator ack.
	DefaultDailyCap = 5

	// correctionTTL keeps correction keys alive well past the run so a
	// restarted run never re-applies them.
	correctionTTL = 48 * time.Hour

	// rateWait is the background pass's patience for a rate-limit token.
	// Reconciliation queues behind interactive traffic, never ahead.
	rateWait = time.Minute

	// Corrections that write local bookings run under the property lock
	// with the same budget the webhook path uses.
	propertyLockTTL  = 10 * time.Second
	propertyLockWait = 5 * time.Second

	heldKeyPrefix = "staysync:reconcile:held:"
)

// Reconciler compares both sides per (property, channel) connection and
// repairs drift under the conflict policy.
type Reconciler struct {
	store    ports.Store
	core     *manager.Manager
	locker   ports.Locker
	registry *channel.Registry
	codec    *channel.CredentialCodec
	limits   *ratelimit.Manager
	circuits *resilience.Registry
	rdb      redis.UniversalClient
	clk      clock.Clock
	logger   zerolog.Logger
	newID    func() string
	dailyCap int

	mu   sync.Mutex
	held map[string]bool // property id -> corrections held, pending ack
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock injects the time source (tests).
func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clk = c }
}

// WithIDFunc injects the id generator (tests).
func WithIDFunc(f func() string) Option {
	return func(r *Reconciler) { r.newID = f }
}

// WithRedis shares the held-corrections flag across instances.
func WithRedis(rdb redis.UniversalClient) Option {
	return func(r *Reconciler) { r.rdb = rdb }
}

// WithDailyCap overrides the per-property correction cap.
func WithDailyCap(n int) Option {
	return func(r *Reconciler) { r.dailyCap = n }
}

// New builds a Reconciler.
func New(store ports.Store, core *manager.Manager, locker ports.Locker, registry *channel.Registry,
	codec *channel.CredentialCodec, limits *ratelimit.Manager, circuits *resilience.Registry, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		core:     core,
		locker:   locker,
		registry: registry,
		codec:    codec,
		limits:   limits,
		circuits: circuits,
		clk:      clock.System(),
		logger:   log.WithComponent("reconcile"),
		newID:    ident.NewID,
		dailyCap: DefaultDailyCap,
		held:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one full reconciliation pass over every syncable
// connection and persists the run record.
func (r *Reconciler) Run(ctx context.Context) (model.SyncRun, error) {
	started := r.clk.Now()
	run := model.SyncRun{ID: r.newID(), StartedAt: started, Status: model.SyncRunRunning}
	if err := r.store.PutSyncRun(ctx, run); err != nil {
		return run, fmt.Errorf("open sync run: %w", err)
	}

	conns, err := r.store.ListConnections(ctx)
	if err != nil {
		run.Status = model.SyncRunFailed
		run.Errors++
		r.finish(ctx, &run, started)
		return run, fmt.Errorf("list connections: %w", err)
	}

	properties := make(map[string]bool)
	attempted := 0
	for _, conn := range conns {
		if !conn.Syncable() {
			continue
		}
		if ctx.Err() != nil {
			run.Errors++
			break
		}
		attempted++
		properties[conn.PropertyID] = true
		if err := r.reconcileConnection(ctx, &run, conn); err != nil {
			run.Errors++
			_ = r.store.MarkConnectionError(ctx, conn.ID, err.Error())
			r.logger.Error().Err(err).
				Str("connection_id", conn.ID).
				Str("property_id", conn.PropertyID).
				Str("channel", string(conn.Channel)).
				Msg("reconcile pass failed for connection")
			continue
		}
		_ = r.store.MarkConnectionSynced(ctx, conn.ID, r.clk.Now())
	}

	run.PropertiesChecked = len(properties)
	switch {
	case run.Errors == 0:
		run.Status = model.SyncRunCompleted
	case attempted > 0 && run.Errors < attempted:
		run.Status = model.SyncRunPartial
	default:
		run.Status = model.SyncRunFailed
	}
	r.finish(ctx, &run, started)

	r.logger.Info().
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Int("properties", run.PropertiesChecked).
		Int("discrepancies", run.DiscrepanciesFound).
		Int("corrections", run.CorrectionsApplied).
		Int("held", run.CorrectionsHeld).
		Int("errors", run.Errors).
		Msg("reconciliation run finished")
	return run, nil
}

func (r *Reconciler) finish(ctx context.Context, run *model.SyncRun, started time.Time) {
	run.FinishedAt = r.clk.Now()
	if err := r.store.PutSyncRun(ctx, *run); err != nil {
		r.logger.Error().Err(err).Str("run_id", run.ID).Msg("sync run record not persisted")
	}
	metrics.RecordReconcileRun(string(run.Status))
	metrics.ObserveReconcileDuration(run.FinishedAt.Sub(started).Seconds())
}

func (r *Reconciler) reconcileConnection(ctx context.Context, run *model.SyncRun, conn model.ChannelConnection) error {
	ch := conn.Channel
	if err := r.circuits.Allow(ctx, ch); err != nil {
		return err
	}
	adapter, err := r.registry.Adapter(ch)
	if err != nil {
		return err
	}
	cc, err := r.codec.OpenConn(conn)
	if err != nil {
		return err
	}

	today := model.DateOf(r.clk.Now())
	window := model.DateRange{
		From: today.AddDays(-windowBackDays),
		To:   today.AddDays(windowForwardDays),
	}

	var remote []channel.ExternalBooking
	if err := r.call(ctx, ch, func() error {
		var lerr error
		remote, lerr = adapter.ListBookings(ctx, cc, window)
		return lerr
	}); err != nil {
		return fmt.Errorf("list remote bookings: %w", err)
	}

	local, err := r.store.ListBookings(ctx, conn.PropertyID, window)
	if err != nil {
		return fmt.Errorf("list local bookings: %w", err)
	}

	src := model.SourceOf(ch)
	localByExt := make(map[string]model.Booking)
	var directActive []model.Booking
	for _, b := range local {
		switch {
		case b.Source == src && b.ExternalID != "":
			localByExt[b.ExternalID] = b
		case b.Source == model.SourceDirect &&
			(b.Status == model.StatusConfirmed || b.Status == model.StatusCheckedIn):
			directActive = append(directActive, b)
		}
	}
	remoteByExt := make(map[string]channel.ExternalBooking, len(remote))
	for _, rb := range remote {
		remoteByExt[rb.ExternalID] = rb
	}

	r.reconcileMissingLocally(ctx, run, conn, cc, adapter, remote, localByExt)
	r.reconcileLocalBookings(ctx, run, conn, cc, adapter, localByExt, remoteByExt)
	r.reconcileDirectMirrors(ctx, run, conn, cc, adapter, directActive, remoteByExt)
	return r.reconcileAvailability(ctx, run, conn, cc, adapter, window, remote)
}

// reconcileMissingLocally imports remote bookings we have never seen.
// Imports rejected by the conflict policy release the dates back on the
// platform.
func (r *Reconciler) reconcileMissingLocally(ctx context.Context, run *model.SyncRun, conn model.ChannelConnection,
	cc channel.Conn, adapter channel.Adapter, remote []channel.ExternalBooking, localByExt map[string]model.Booking) {
	for _, rb := range remote {
		if _, ok := localByExt[rb.ExternalID]; ok {
			continue
		}
		if rb.Status == model.StatusCancelled {
			// Nothing to mirror for a booking that never landed here.
			continue
		}
		r.finding(ctx, run, conn, finding{
			Kind:       model.DriftMissingLocally,
			ExternalID: rb.ExternalID,
			Detail:     fmt.Sprintf("platform holds %s %s, unknown locally", rb.Stay(), rb.Status),
			Action:     "import",
		}, func(ctx context.Context) error {
			var res manager.ImportResult
			if err := r.underLock(ctx, conn.PropertyID, func(ctx context.Context) error {
				var ierr error
				res, ierr = r.core.ImportChannelBooking(ctx, r.importFrom(conn, rb))
				return ierr
			}); err != nil {
				return err
			}
			if res.Outcome == manager.ImportRejected {
				return r.call(ctx, conn.Channel, func() error {
					return adapter.CancelBooking(ctx, cc, rb.ExternalID)
				})
			}
			return nil
		})
	}
}

// reconcileLocalBookings resolves status drift on bookings both sides
// know, and treats a confirmed booking the origin platform no longer
// lists as cancelled there.
func (r *Reconciler) reconcileLocalBookings(ctx context.Context, run *model.SyncRun, conn model.ChannelConnection,
	cc channel.Conn, adapter channel.Adapter, localByExt map[string]model.Booking, remoteByExt map[string]channel.ExternalBooking) {
	src := model.SourceOf(conn.Channel)
	for ext, lb := range localByExt {
		rb, ok := remoteByExt[ext]
		if !ok {
			if lb.Status != model.StatusConfirmed {
				// Stays past check-in age out of platform listings.
				continue
			}
			r.finding(ctx, run, conn, finding{
				Kind:       model.DriftMissingRemotely,
				EntityID:   lb.ID,
				ExternalID: ext,
				Detail:     "origin platform no longer lists the booking",
				Action:     "cancel_local",
			}, func(ctx context.Context) error {
				in := r.importFromBooking(conn, lb)
				in.Status = model.StatusCancelled
				in.UpdatedAt = r.clk.Now()
				return r.underLock(ctx, conn.PropertyID, func(ctx context.Context) error {
					_, err := r.core.ImportChannelBooking(ctx, in)
					return err
				})
			})
			continue
		}
		if rb.Status == "" || rb.Status == lb.Status {
			continue
		}

		decision := conflict.ResolveStatus(
			conflict.StatusUpdate{Source: lb.Source, Status: lb.Status, UpdatedAt: lb.UpdatedAt},
			conflict.StatusUpdate{Source: src, Status: rb.Status, UpdatedAt: rb.UpdatedAt},
		)
		if decision.Action == conflict.ActionNoop {
			continue
		}
		f := finding{
			Kind:       model.DriftStatusMismatch,
			EntityID:   lb.ID,
			ExternalID: ext,
			Detail:     fmt.Sprintf("local %s, platform %s: %s", lb.Status, rb.Status, decision.Reason),
		}
		switch decision.Action {
		case conflict.ActionApplyIncoming:
			f.Action = "apply_incoming"
			r.finding(ctx, run, conn, f, func(ctx context.Context) error {
				return r.underLock(ctx, conn.PropertyID, func(ctx context.Context) error {
					_, err := r.core.ImportChannelBooking(ctx, r.importFrom(conn, rb))
					return err
				})
			})
		case conflict.ActionKeepLocal:
			f.Action = "repush_local"
			r.finding(ctx, run, conn, f, func(ctx context.Context) error {
				return r.call(ctx, conn.Channel, func() error {
					_, err := adapter.UpsertBooking(ctx, cc, r.snapshot(ctx, lb))
					return err
				})
			})
		}
	}
}

// reconcileDirectMirrors re-pushes direct bookings whose platform mirror
// went missing. A direct booking with no recorded platform id has not
// been pushed yet; that is the dispatcher's job, not drift.
func (r *Reconciler) reconcileDirectMirrors(ctx context.Context, run *model.SyncRun, conn model.ChannelConnection,
	cc channel.Conn, adapter channel.Adapter, direct []model.Booking, remoteByExt map[string]channel.ExternalBooking) {
	for _, b := range direct {
		rec, err := r.store.GetIdempotency(ctx, "extid:"+string(conn.Channel)+":"+b.ID)
		if err != nil {
			continue
		}
		mirrorID := string(rec.Result)
		if _, ok := remoteByExt[mirrorID]; ok {
			continue
		}
		r.finding(ctx, run, conn, finding{
			Kind:       model.DriftMissingRemotely,
			EntityID:   b.ID,
			ExternalID: mirrorID,
			Detail:     "direct booking mirror missing on platform",
			Action:     "repush_mirror",
		}, func(ctx context.Context) error {
			return r.call(ctx, conn.Channel, func() error {
				_, err := adapter.UpsertBooking(ctx, cc, r.snapshot(ctx, b))
				return err
			})
		})
	}
}

// reconcileAvailability compares blocked-date sets. Dates blocked locally
// but open on the platform are pushed; dates blocked only on the platform
// are imported as channel holds (blocked wins on both sides). Dates held
// by remote bookings are excluded, the booking passes own those.
func (r *Reconciler) reconcileAvailability(ctx context.Context, run *model.SyncRun, conn model.ChannelConnection,
	cc channel.Conn, adapter channel.Adapter, window model.DateRange, remote []channel.ExternalBooking) error {
	var remoteBlocked []model.DateRange
	if err := r.call(ctx, conn.Channel, func() error {
		var lerr error
		remoteBlocked, lerr = adapter.ListAvailability(ctx, cc, window)
		return lerr
	}); err != nil {
		return fmt.Errorf("list remote availability: %w", err)
	}

	occupied, err := r.store.ListOccupied(ctx, conn.PropertyID, window)
	if err != nil {
		return fmt.Errorf("list occupied: %w", err)
	}

	localSet := make(map[model.Date]bool)
	for _, o := range occupied {
		markRange(localSet, o.Range, window)
	}
	remoteSet := make(map[model.Date]bool)
	for _, rng := range remoteBlocked {
		markRange(remoteSet, rng, window)
	}
	remoteBookingSet := make(map[model.Date]bool)
	for _, rb := range remote {
		if rb.Status != model.StatusCancelled {
			markRange(remoteBookingSet, rb.Stay(), window)
		}
	}

	if diff := cmp.Diff(datesIn(localSet, window), datesIn(remoteSet, window)); diff != "" {
		r.logger.Debug().
			Str("property_id", conn.PropertyID).
			Str("channel", string(conn.Channel)).
			Str("diff", diff).
			Msg("availability snapshots diverge")
	}

	localOnly := false
	remoteOnlySet := make(map[model.Date]bool)
	for d := window.From; d.Before(window.To); d = d.AddDays(1) {
		if localSet[d] && !remoteSet[d] {
			localOnly = true
		}
		if remoteSet[d] && !localSet[d] && !remoteBookingSet[d] {
			remoteOnlySet[d] = true
		}
	}

	if localOnly {
		r.finding(ctx, run, conn, finding{
			Kind:       model.DriftAvailabilityDrift,
			ExternalID: "calendar",
			Detail:     "platform shows open dates that are occupied locally",
			Action:     "push_availability",
		}, func(ctx context.Context) error {
			blocks := make([]model.BlockSnapshot, 0, len(occupied))
			for _, o := range occupied {
				kind := string(o.Kind)
				if o.Kind == model.OccupiedByBlock {
					kind = string(o.Block)
				}
				blocks = append(blocks, model.BlockSnapshot{Range: o.Range, Kind: kind})
			}
			return r.call(ctx, conn.Channel, func() error {
				return adapter.PushAvailability(ctx, cc, conn.ExternalPropertyID, blocks)
			})
		})
	}

	for _, rng := range coalesce(remoteOnlySet, window) {
		r.finding(ctx, run, conn, finding{
			Kind:       model.DriftAvailabilityDrift,
			ExternalID: rng.String(),
			Detail:     "platform blocks dates that are open locally",
			Action:     "import_block",
		}, func(ctx context.Context) error {
			return r.underLock(ctx, conn.PropertyID, func(ctx context.Context) error {
				_, err := r.core.UpsertAvailabilityBlock(ctx, model.AvailabilityBlock{
					PropertyID: conn.PropertyID,
					StartDate:  rng.From,
					EndDate:    rng.To,
					Kind:       model.BlockChannelHold,
					Source:     model.SourceOf(conn.Channel),
					Note:       "imported during reconciliation",
				})
				return err
			})
		})
	}
	return nil
}

// finding is one discrepancy plus the action that would correct it.
type finding struct {
	Kind       model.DiscrepancyKind
	EntityID   string
	ExternalID string
	Detail     string
	Action     string
}

// finding records the discrepancy and applies the correction under its
// run-scoped key, honoring the per-property daily cap.
func (r *Reconciler) finding(ctx context.Context, run *model.SyncRun, conn model.ChannelConnection,
	f finding, correct func(context.Context) error) {
	run.DiscrepanciesFound++
	metrics.RecordReconcileDiscrepancy(string(conn.Channel), string(f.Kind))

	d := model.Discrepancy{
		ID:         r.newID(),
		RunID:      run.ID,
		PropertyID: conn.PropertyID,
		Channel:    conn.Channel,
		Kind:       f.Kind,
		EntityID:   f.EntityID,
		ExternalID: f.ExternalID,
		Detail:     f.Detail,
		DetectedAt: r.clk.Now(),
	}

	key := fmt.Sprintf("reconcile:%s:%s:%s:%s:%s", run.ID, conn.PropertyID, conn.Channel, f.ExternalID, f.Action)
	switch _, err := r.store.GetIdempotency(ctx, key); {
	case err == nil:
		// Applied before a crash; the finding stands but nothing runs twice.
		d.Corrected = true
	case !errors.Is(err, ports.ErrNotFound):
		run.Errors++
		r.logger.Error().Err(err).Str("key", key).Msg("correction key lookup failed")
	case r.holdCorrection(ctx, run, conn, f):
		d.Detail = f.Detail + "; correction held for operator ack"
	default:
		if err := correct(ctx); err != nil {
			run.Errors++
			r.logger.Error().Err(err).
				Str("property_id", conn.PropertyID).
				Str("channel", string(conn.Channel)).
				Str("kind", string(f.Kind)).
				Str("action", f.Action).
				Msg("correction failed")
			break
		}
		now := r.clk.Now()
		if err := r.store.PutIdempotency(ctx, model.IdempotencyRecord{
			Key:       key,
			Result:    []byte(f.Action),
			CreatedAt: now,
			ExpiresAt: now.Add(correctionTTL),
		}); err != nil && !errors.Is(err, ports.ErrIdempotencyExists) {
			r.logger.Warn().Err(err).Str("key", key).Msg("correction key not recorded")
		}
		d.Corrected = true
		run.CorrectionsApplied++
		metrics.RecordReconcileCorrection(string(conn.Channel))
	}

	if err := r.store.PutDiscrepancy(ctx, d); err != nil {
		r.logger.Error().Err(err).Str("run_id", run.ID).Msg("discrepancy not persisted")
	}
}

// holdCorrection reports whether the property's corrections are capped.
// Crossing the cap raises the operator alert and sets the held flag,
// which persists until acked.
func (r *Reconciler) holdCorrection(ctx context.Context, run *model.SyncRun, conn model.ChannelConnection, f finding) bool {
	if r.isHeld(ctx, conn.PropertyID) {
		run.CorrectionsHeld++
		metrics.RecordReconcileThrottled(string(conn.Channel))
		return true
	}
	n, err := r.store.CountCorrectionsToday(ctx, conn.PropertyID, r.clk.Now())
	if err != nil {
		r.logger.Warn().Err(err).Str("property_id", conn.PropertyID).Msg("correction count unavailable")
		return false
	}
	if n < r.dailyCap {
		return false
	}
	r.setHeld(ctx, conn.PropertyID)
	run.CorrectionsHeld++
	metrics.RecordReconcileThrottled(string(conn.Channel))
	r.logger.Error().
		Str("property_id", conn.PropertyID).
		Str("channel", string(conn.Channel)).
		Int("corrections_today", n).
		Msg("daily correction cap reached; holding further corrections until operator ack")
	return true
}

// Held reports whether the property's corrections are suspended.
func (r *Reconciler) Held(ctx context.Context, propertyID string) bool {
	return r.isHeld(ctx, propertyID)
}

// AckCorrections clears the held flag. Wired to the admin API.
func (r *Reconciler) AckCorrections(ctx context.Context, propertyID string) error {
	r.mu.Lock()
	delete(r.held, propertyID)
	r.mu.Unlock()
	if r.rdb != nil {
		if err := r.rdb.Del(ctx, heldKeyPrefix+propertyID).Err(); err != nil {
			return fmt.Errorf("clear held flag: %w", err)
		}
	}
	r.logger.Info().Str("property_id", propertyID).Msg("correction hold acknowledged")
	return nil
}

func (r *Reconciler) isHeld(ctx context.Context, propertyID string) bool {
	r.mu.Lock()
	held := r.held[propertyID]
	r.mu.Unlock()
	if held {
		return true
	}
	if r.rdb == nil {
		return false
	}
	n, err := r.rdb.Exists(ctx, heldKeyPrefix+propertyID).Result()
	if err != nil {
		r.logger.Warn().Err(err).Msg("held flag unreadable; assuming not held")
		return false
	}
	return n > 0
}

func (r *Reconciler) setHeld(ctx context.Context, propertyID string) {
	r.mu.Lock()
	r.held[propertyID] = true
	r.mu.Unlock()
	if r.rdb != nil {
		// No TTL: the hold stands until an operator acks it.
		if err := r.rdb.Set(ctx, heldKeyPrefix+propertyID, "1", 0).Err(); err != nil {
			r.logger.Warn().Err(err).Msg("held flag not shared")
		}
	}
}

// underLock serializes a local write against checkouts and webhooks on
// the same property.
func (r *Reconciler) underLock(ctx context.Context, propertyID string, fn func(ctx context.Context) error) error {
	return r.locker.WithLock(ctx, ports.BookingLockKey(propertyID), propertyLockTTL, propertyLockWait,
		func(ctx context.Context, _ *ports.Lease) error { return fn(ctx) })
}

// call wraps one adapter read/write with rate limiting and breaker
// accounting, mirroring the dispatcher's classification.
func (r *Reconciler) call(ctx context.Context, ch model.Channel, fn func() error) error {
	if err := r.limits.Acquire(ctx, ch, 1, rateWait); err != nil {
		return err
	}
	err := fn()
	switch {
	case err == nil:
		r.circuits.OnSuccess(ch)
	case errors.Is(err, channel.ErrRateLimited):
		retryAfter := channel.RetryAfterOf(err)
		if retryAfter <= 0 {
			retryAfter = 30 * time.Second
		}
		r.limits.Penalize(ctx, ch, retryAfter)
	case errors.Is(err, channel.ErrPermanent):
		// Our payload's fault, not the platform's health.
	default:
		r.circuits.OnFailure(ch, "reconcile")
	}
	return err
}

func (r *Reconciler) importFrom(conn model.ChannelConnection, rb channel.ExternalBooking) manager.ImportBooking {
	updatedAt := rb.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = r.clk.Now()
	}
	return manager.ImportBooking{
		PropertyID: conn.PropertyID,
		Source:     model.SourceOf(conn.Channel),
		ExternalID: rb.ExternalID,
		Status:     rb.Status,
		CheckIn:    rb.CheckIn,
		CheckOut:   rb.CheckOut,
		Guests:     rb.Guests,
		GuestName:  rb.GuestName,
		GuestEmail: rb.GuestEmail,
		GuestPhone: rb.GuestPhone,
		TotalMinor: rb.TotalMinor,
		Currency:   rb.Currency,
		UpdatedAt:  updatedAt,
	}
}

func (r *Reconciler) importFromBooking(conn model.ChannelConnection, b model.Booking) manager.ImportBooking {
	return manager.ImportBooking{
		PropertyID: conn.PropertyID,
		Source:     b.Source,
		ExternalID: b.ExternalID,
		Status:     b.Status,
		CheckIn:    b.CheckIn,
		CheckOut:   b.CheckOut,
		Guests:     b.Guests,
		TotalMinor: b.TotalMinor,
		Currency:   b.Currency,
		UpdatedAt:  b.UpdatedAt,
	}
}

func (r *Reconciler) snapshot(ctx context.Context, b model.Booking) model.BookingSnapshot {
	var guest *model.Guest
	if b.GuestID != "" {
		if g, err := r.store.GetGuest(ctx, b.GuestID); err == nil {
			guest = &g
		}
	}
	return model.SnapshotBooking(b, guest)
}

func markRange(set map[model.Date]bool, rng model.DateRange, window model.DateRange) {
	for d := rng.From; d.Before(rng.To); d = d.AddDays(1) {
		if window.Contains(d) {
			set[d] = true
		}
	}
}

func datesIn(set map[model.Date]bool, window model.DateRange) []string {
	var out []string
	for d := window.From; d.Before(window.To); d = d.AddDays(1) {
		if set[d] {
			out = append(out, d.String())
		}
	}
	return out
}

// coalesce folds a blocked-date set into half-open ranges, in date order.
func coalesce(set map[model.Date]bool, window model.DateRange) []model.DateRange {
	var out []model.DateRange
	var open *model.DateRange
	for d := window.From; d.Before(window.To); d = d.AddDays(1) {
		if set[d] {
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
