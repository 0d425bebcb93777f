// SPDX-License-Identifier: MIT

package jobs

import (
	"context"
	"time"

	"github.com/lodgewerk/staysync/internal/clock"
	"github.com/lodgewerk/staysync/internal/config"
	"github.com/lodgewerk/staysync/internal/domain/booking/manager"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/ics"
	"github.com/lodgewerk/staysync/internal/ingress"
	"github.com/lodgewerk/staysync/internal/outbox"
	"github.com/lodgewerk/staysync/internal/reconcile"
)

// Cadences that are not worth a config knob.
const (
	checkoutSweepEvery    = time.Minute
	outboxRequeueEvery    = 30 * time.Second
	idempotencyPurgeEvery = time.Hour
	credentialEvery       = time.Hour
	archiveGCEvery        = time.Hour
	reconcileJitter       = 10 * time.Minute
)

// Deps are the components the background jobs operate on. Nil fields
// skip the jobs that need them.
type Deps struct {
	Store      ports.Store
	Core       *manager.Manager
	Outbox     *outbox.Manager
	Refresher  *CredentialRefresher
	Poller     *PollImporter
	Reconciler *reconcile.Reconciler
	Feeds      *ics.Publisher
	Archive    *ingress.Archive
	Clock      clock.Clock
}

// Register wires the full maintenance schedule onto the runner.
func Register(r *Runner, deps Deps, cfg config.Config) {
	clk := deps.Clock
	if clk == nil {
		clk = clock.System()
	}

	if deps.Core != nil {
		r.Every("checkout_sweep", checkoutSweepEvery, func(ctx context.Context) error {
			_, err := deps.Core.SweepExpiredCheckouts(ctx)
			return err
		})
	}
	if deps.Outbox != nil {
		r.Every("outbox_requeue", outboxRequeueEvery, func(ctx context.Context) error {
			_, err := deps.Outbox.Requeue(ctx)
			return err
		})
	}
	if deps.Store != nil {
		r.Every("idempotency_purge", idempotencyPurgeEvery, func(ctx context.Context) error {
			_, err := deps.Store.PurgeExpiredIdempotency(ctx, clk.Now())
			return err
		})
	}
	if deps.Refresher != nil {
		r.Every("credential_refresh", credentialEvery, deps.Refresher.Run)
	}
	if deps.Poller != nil && cfg.Channels.PollInterval > 0 {
		r.Every("poll_import", cfg.Channels.PollInterval, deps.Poller.Run)
	}
	if deps.Feeds != nil && cfg.Feeds.Enabled {
		r.Every("feed_refresh", cfg.Feeds.RefreshInterval, deps.Feeds.RefreshAll)
	}
	if deps.Archive != nil {
		r.Every("archive_gc", archiveGCEvery, func(context.Context) error {
			deps.Archive.RunGC()
			return nil
		})
	}
	if deps.Reconciler != nil && cfg.Reconcile.Enabled {
		r.DailyAt("reconcile", cfg.Reconcile.Hour, reconcileJitter, func(ctx context.Context) error {
			_, err := deps.Reconciler.Run(ctx)
			return err
		})
	}
}
