// SPDX-License-Identifier: MIT

// Package dispatch drains the outbox: it claims due deliveries, calls
// the channel adapters, and settles each delivery according to the
// outcome. Deliveries for the same entity are processed serially by
// hashing the entity id onto a fixed partition; the store's claim query
// is the ordering backstop across ticks.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lodgewerk/staysync/internal/channel"
	"github.com/lodgewerk/staysync/internal/clock"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/log"
	"github.com/lodgewerk/staysync/internal/metrics"
	"github.com/lodgewerk/staysync/internal/outbox"
	"github.com/lodgewerk/staysync/internal/ratelimit"
	"github.com/lodgewerk/staysync/internal/resilience"
	"github.com/lodgewerk/staysync/internal/telemetry"
)

var tracer = telemetry.Tracer("staysync.dispatch")

const (
	// DefaultPollInterval is the idle sleep between empty claim rounds.
	DefaultPollInterval = 1 * time.Second
	// DefaultBatchSize bounds one claim round.
	DefaultBatchSize = 64
	// DefaultPartitions is the number of serial workers per tick.
	DefaultPartitions = 4
	// DefaultMaxAttempts is the retry budget before a delivery is dead.
	DefaultMaxAttempts = 10
	// DefaultRateWait is how long a worker blocks on a dry rate bucket
	// before releasing the delivery instead.
	DefaultRateWait = 2 * time.Second

	baseBackoff = time.Minute
	maxBackoff  = time.Hour

	// storeRetryDelay reschedules a delivery the store could not serve.
	storeRetryDelay = 5 * time.Second

	// attemptTTL covers duplicate suppression across retries and crash
	// recovery; externalIDTTL outlives any plausible booking horizon so
	// cancellations can find the platform id.
	attemptTTL    = 24 * time.Hour
	externalIDTTL = 400 * 24 * time.Hour
)

// Dispatcher is the outbox worker pool.
type Dispatcher struct {
	outbox   *outbox.Manager
	store    ports.Store
	registry *channel.Registry
	codec    *channel.CredentialCodec
	limits   *ratelimit.Manager
	circuits *resilience.Registry
	clk      clock.Clock
	logger   zerolog.Logger
	jitter   func() float64

	poll        time.Duration
	batch       int
	partitions  int
	maxAttempts int
	rateWait    time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clk = c }
}

// WithPollInterval sets the idle sleep between empty rounds.
func WithPollInterval(p time.Duration) Option {
	return func(d *Dispatcher) { d.poll = p }
}

// WithBatchSize bounds one claim round.
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) { d.batch = n }
}

// WithPartitions sets the number of serial workers.
func WithPartitions(n int) Option {
	return func(d *Dispatcher) { d.partitions = n }
}

// WithMaxAttempts sets the retry budget.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) { d.maxAttempts = n }
}

// WithRateWait sets the blocking budget on a dry rate bucket.
func WithRateWait(w time.Duration) Option {
	return func(d *Dispatcher) { d.rateWait = w }
}

// WithJitter overrides the backoff jitter source, for tests. The
// function must return values in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(d *Dispatcher) { d.jitter = fn }
}

// New builds a Dispatcher over its collaborators.
func New(ob *outbox.Manager, store ports.Store, registry *channel.Registry, codec *channel.CredentialCodec,
	limits *ratelimit.Manager, circuits *resilience.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		outbox:      ob,
		store:       store,
		registry:    registry,
		codec:       codec,
		limits:      limits,
		circuits:    circuits,
		clk:         clock.System(),
		logger:      log.WithComponent("dispatch"),
		jitter:      rand.Float64,
		poll:        DefaultPollInterval,
		batch:       DefaultBatchSize,
		partitions:  DefaultPartitions,
		maxAttempts: DefaultMaxAttempts,
		rateWait:    DefaultRateWait,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the dispatch loop in the background.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		d.Run(ctx)
	}()
}

// Stop cancels the loop and waits for in-flight work to settle.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives claim rounds until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info().
		Int("partitions", d.partitions).
		Int("batch", d.batch).
		Dur("poll", d.poll).
		Msg("dispatcher started")
	for {
		n, err := d.Tick(ctx)
		if ctx.Err() != nil {
			d.logger.Info().Msg("dispatcher stopped")
			return
		}
		if err != nil {
			d.logger.Error().Err(err).Msg("dispatch round failed")
		}
		if n == 0 || err != nil {
			if d.clk.Sleep(ctx, d.poll) != nil {
				d.logger.Info().Msg("dispatcher stopped")
				return
			}
		}
	}
}

// Tick fans out freshly committed events, claims one batch of due
// deliveries and processes it. Returns how many deliveries were claimed.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	if _, err := d.outbox.FanOutPending(ctx, d.batch); err != nil {
		return 0, err
	}
	claimed, err := d.outbox.ClaimDue(ctx, d.batch)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	parts := make([][]model.Delivery, d.partitions)
	for _, dl := range claimed {
		i := partitionOf(dl.EntityID, d.partitions)
		parts[i] = append(parts[i], dl)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		part := part
		g.Go(func() error {
			metrics.AddDispatchWorkersBusy(1)
			defer metrics.AddDispatchWorkersBusy(-1)
			for _, dl := range part {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				d.dispatch(gctx, dl)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return len(claimed), err
	}
	return len(claimed), nil
}

func partitionOf(entityID string, partitions int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return int(h.Sum32() % uint32(partitions))
}

func (d *Dispatcher) dispatch(ctx context.Context, dl model.Delivery) {
	ctx, span := tracer.Start(ctx, "dispatch.delivery",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.DeliveryAttributes(string(dl.Channel), dl.EventID, dl.AttemptCount+1)...))
	defer span.End()

	start := d.clk.Now()
	d.process(ctx, dl)
	metrics.ObserveDispatchDuration(string(dl.Channel), d.clk.Now().Sub(start).Seconds())
}

func (d *Dispatcher) process(ctx context.Context, dl model.Delivery) {
	ch := dl.Channel

	// A prior attempt that crashed after the platform call but before
	// settling replays its recorded outcome instead of calling again.
	if rec, err := d.store.GetIdempotency(ctx, attemptKey(dl)); err == nil {
		d.settle(ctx, dl, outbox.Succeeded())
		metrics.RecordDispatchAttempt(string(ch), "replayed")
		d.logger.Debug().Str("delivery_id", dl.ID).Str("result", string(rec.Result)).Msg("delivery replayed")
		return
	} else if !errors.Is(err, ports.ErrNotFound) {
		d.release(ctx, dl, d.clk.Now().Add(storeRetryDelay), "idempotency lookup failed")
		return
	}

	if err := d.circuits.Allow(ctx, ch); err != nil {
		at := d.clk.Now().Add(storeRetryDelay)
		var open *resilience.OpenError
		if errors.As(err, &open) && open.Remaining > storeRetryDelay {
			at = d.clk.Now().Add(open.Remaining)
		}
		d.release(ctx, dl, at, "circuit open")
		metrics.RecordDispatchAttempt(string(ch), "circuit_open")
		return
	}
	// Allow may have admitted the half-open probe. Every path below must
	// settle it through OnSuccess, OnFailure or a trip; paths that defer
	// the delivery without reaching the platform would otherwise hold the
	// probe slot forever. The release is a no-op once an outcome ran.
	defer d.circuits.ReleaseProbe(ch)

	if ok, wait := d.acquireRate(ctx, ch); !ok {
		d.release(ctx, dl, d.clk.Now().Add(wait), "rate limiter dry")
		metrics.RecordDispatchAttempt(string(ch), "rate_limited")
		return
	}

	conn, err := d.store.GetConnection(ctx, dl.ConnectionID)
	switch {
	case errors.Is(err, ports.ErrNotFound):
		d.settle(ctx, dl, outbox.Dead("connection gone"))
		metrics.RecordDispatchDead(string(ch), "connection_gone")
		return
	case err != nil:
		d.release(ctx, dl, d.clk.Now().Add(storeRetryDelay), "connection lookup failed")
		return
	}
	if !conn.Syncable() {
		d.settle(ctx, dl, outbox.Dead("connection disabled"))
		metrics.RecordDispatchDead(string(ch), "connection_disabled")
		return
	}

	cc, err := d.codec.OpenConn(conn)
	if err != nil {
		d.settle(ctx, dl, outbox.Dead("credentials unreadable: "+err.Error()))
		metrics.RecordDispatchDead(string(ch), "bad_credentials")
		return
	}

	ev, err := d.store.GetEvent(ctx, dl.EventID)
	switch {
	case errors.Is(err, ports.ErrNotFound):
		d.settle(ctx, dl, outbox.Dead("event gone"))
		metrics.RecordDispatchDead(string(ch), "event_gone")
		return
	case err != nil:
		d.release(ctx, dl, d.clk.Now().Add(storeRetryDelay), "event lookup failed")
		return
	}

	adapter, err := d.registry.Adapter(ch)
	if err != nil {
		d.settle(ctx, dl, outbox.Dead("no adapter for channel"))
		metrics.RecordDispatchDead(string(ch), "no_adapter")
		return
	}

	extID, callErr := d.invoke(ctx, adapter, cc, ev, dl)
	if callErr == nil {
		d.succeed(ctx, dl, cc, extID)
		return
	}

	switch {
	case errors.Is(callErr, channel.ErrRateLimited):
		retryAfter := channel.RetryAfterOf(callErr)
		if retryAfter <= 0 {
			retryAfter = 30 * time.Second
		}
		d.limits.Penalize(ctx, ch, retryAfter)
		d.release(ctx, dl, d.clk.Now().Add(retryAfter), "platform rate limited")
		metrics.RecordDispatchAttempt(string(ch), "rate_limited")

	case errors.Is(callErr, channel.ErrAuthFailed):
		d.recoverAuth(ctx, adapter, cc, ev, dl)

	case errors.Is(callErr, channel.ErrPermanent):
		// The platform rejected the payload itself; retrying cannot help
		// and the channel is healthy, so the circuit is untouched.
		d.settle(ctx, dl, outbox.Dead("permanent: "+callErr.Error()))
		metrics.RecordDispatchAttempt(string(ch), "permanent")
		metrics.RecordDispatchDead(string(ch), "permanent")

	default:
		d.circuits.OnFailure(ch, callErr.Error())
		d.retryOrDie(ctx, dl, callErr)
	}
}

// acquireRate takes one token, blocking briefly when the bucket is
// nearly refilled. Returns the suggested wait when it gives up.
func (d *Dispatcher) acquireRate(ctx context.Context, ch model.Channel) (bool, time.Duration) {
	ok, wait := d.limits.TryAcquire(ctx, ch, 1)
	if ok {
		return true, 0
	}
	if wait <= d.rateWait {
		if err := d.limits.Acquire(ctx, ch, 1, d.rateWait); err == nil {
			return true, 0
		}
	}
	if wait < storeRetryDelay {
		wait = storeRetryDelay
	}
	return false, wait
}

// recoverAuth refreshes credentials once and retries the call. A second
// authentication failure disables the connection, which also cancels
// its remaining deliveries.
func (d *Dispatcher) recoverAuth(ctx context.Context, adapter channel.Adapter, cc channel.Conn, ev model.OutboundEvent, dl model.Delivery) {
	ch := dl.Channel
	creds, err := adapter.RefreshCredentials(ctx, cc)
	if err == nil {
		if sealed, sealErr := d.codec.Seal(creds); sealErr == nil {
			cc.Creds = creds
			cc.EncryptedCreds = sealed
			cc.CredentialsExpireAt = creds.ExpiresAt
			cc.UpdatedAt = d.clk.Now()
			if putErr := d.store.PutConnection(ctx, cc.ChannelConnection); putErr != nil {
				d.logger.Warn().Err(putErr).Str("connection_id", cc.ID).Msg("refreshed credentials not persisted")
			}
		} else {
			d.logger.Warn().Err(sealErr).Str("connection_id", cc.ID).Msg("refreshed credentials not sealed")
		}

		extID, callErr := d.invoke(ctx, adapter, cc, ev, dl)
		switch {
		case callErr == nil:
			d.succeed(ctx, dl, cc, extID)
			return
		case !errors.Is(callErr, channel.ErrAuthFailed):
			d.circuits.OnFailure(ch, callErr.Error())
			d.retryOrDie(ctx, dl, callErr)
			return
		}
	} else {
		d.logger.Warn().Err(err).Str("connection_id", cc.ID).Msg("credential refresh failed")
	}

	if err := d.store.DisableConnection(ctx, cc.ID, "authentication failed"); err != nil {
		d.logger.Error().Err(err).Str("connection_id", cc.ID).Msg("connection disable failed")
	}
	d.circuits.TripAuth(ch)
	d.settle(ctx, dl, outbox.Dead("authentication failed"))
	metrics.RecordDispatchAttempt(string(ch), "auth_failed")
	metrics.RecordDispatchDead(string(ch), "auth_failed")
	d.logger.Error().
		Str("delivery_id", dl.ID).
		Str("connection_id", cc.ID).
		Str("channel", string(ch)).
		Msg("connection disabled after failed credential refresh")
}

func (d *Dispatcher) retryOrDie(ctx context.Context, dl model.Delivery, callErr error) {
	ch := string(dl.Channel)
	if dl.AttemptCount >= d.maxAttempts {
		d.settle(ctx, dl, outbox.Dead("retries exhausted: "+callErr.Error()))
		metrics.RecordDispatchAttempt(ch, "failed")
		metrics.RecordDispatchDead(ch, "exhausted")
		return
	}
	at := d.clk.Now().Add(d.backoff(dl.AttemptCount))
	d.settle(ctx, dl, outbox.RetryAt(at, callErr.Error()))
	metrics.RecordDispatchAttempt(ch, "failed")
	metrics.RecordDispatchRetry(ch)
}

// backoff doubles per attempt from one minute, capped at an hour, with
// +/-20% jitter so synchronized failures spread out.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := baseBackoff
	for i := 1; i < attempt && delay < maxBackoff; i++ {
		delay *= 2
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	factor := 1 + (d.jitter()*0.4 - 0.2)
	return time.Duration(float64(delay) * factor)
}

func (d *Dispatcher) succeed(ctx context.Context, dl model.Delivery, cc channel.Conn, extID string) {
	now := d.clk.Now()
	d.putIdempotency(ctx, attemptKey(dl), []byte(extID), now.Add(attemptTTL))
	if extID != "" {
		d.putIdempotency(ctx, externalIDKey(dl.Channel, dl.EntityID), []byte(extID), now.Add(externalIDTTL))
	}
	d.settle(ctx, dl, outbox.Succeeded())
	d.circuits.OnSuccess(dl.Channel)
	if err := d.store.MarkConnectionSynced(ctx, cc.ID, now); err != nil {
		d.logger.Warn().Err(err).Str("connection_id", cc.ID).Msg("sync timestamp not recorded")
	}
	metrics.RecordDispatchAttempt(string(dl.Channel), "success")
	d.logger.Debug().
		Str("delivery_id", dl.ID).
		Str("channel", string(dl.Channel)).
		Str("external_id", extID).
		Msg("delivery succeeded")
}

// invoke maps the event kind onto the adapter surface.
func (d *Dispatcher) invoke(ctx context.Context, adapter channel.Adapter, cc channel.Conn, ev model.OutboundEvent, dl model.Delivery) (string, error) {
	switch ev.Kind {
	case model.EventBookingCreated, model.EventBookingUpdated:
		snap, err := model.DecodeBookingSnapshot(ev.Payload)
		if err != nil {
			return "", fmt.Errorf("%w: decode booking payload: %v", channel.ErrPermanent, err)
		}
		return adapter.UpsertBooking(ctx, cc, snap)

	case model.EventBookingCancelled:
		extID, err := d.platformBookingID(ctx, dl)
		if err != nil {
			return "", err
		}
		if extID == "" {
			// Never mirrored to this channel; nothing to cancel there.
			return "", nil
		}
		return "", adapter.CancelBooking(ctx, cc, extID)

	case model.EventAvailabilityUpdated:
		p, err := model.DecodeAvailabilityPayload(ev.Payload)
		if err != nil {
			return "", fmt.Errorf("%w: decode availability payload: %v", channel.ErrPermanent, err)
		}
		return "", adapter.PushAvailability(ctx, cc, cc.ExternalPropertyID, p.Occupied)

	case model.EventPricingUpdated:
		p, err := model.DecodePricingPayload(ev.Payload)
		if err != nil {
			return "", fmt.Errorf("%w: decode pricing payload: %v", channel.ErrPermanent, err)
		}
		return "", adapter.PushPricing(ctx, cc, cc.ExternalPropertyID, p.Prices)

	default:
		return "", fmt.Errorf("%w: unknown event kind %q", channel.ErrPermanent, ev.Kind)
	}
}

// platformBookingID resolves the id a channel assigned when the booking
// was mirrored there, recorded by the earlier upsert delivery.
func (d *Dispatcher) platformBookingID(ctx context.Context, dl model.Delivery) (string, error) {
	rec, err := d.store.GetIdempotency(ctx, externalIDKey(dl.Channel, dl.EntityID))
	if errors.Is(err, ports.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: platform id lookup: %v", channel.ErrTransient, err)
	}
	return string(rec.Result), nil
}

func (d *Dispatcher) putIdempotency(ctx context.Context, key string, result []byte, expires time.Time) {
	err := d.store.PutIdempotency(ctx, model.IdempotencyRecord{
		Key:       key,
		Result:    result,
		CreatedAt: d.clk.Now(),
		ExpiresAt: expires,
	})
	if err != nil && !errors.Is(err, ports.ErrIdempotencyExists) {
		d.logger.Warn().Err(err).Str("key", key).Msg("idempotency record not stored")
	}
}

func (d *Dispatcher) settle(ctx context.Context, dl model.Delivery, out outbox.Outcome) {
	if err := d.outbox.Settle(ctx, dl, out); err != nil {
		d.logger.Error().Err(err).Str("delivery_id", dl.ID).Msg("settle failed")
	}
}

func (d *Dispatcher) release(ctx context.Context, dl model.Delivery, at time.Time, reason string) {
	if err := d.outbox.Release(ctx, dl, at, reason); err != nil {
		d.logger.Error().Err(err).Str("delivery_id", dl.ID).Msg("release failed")
	}
}

func attemptKey(dl model.Delivery) string {
	return "dispatch:" + dl.EventID + ":" + dl.ConnectionID
}

func externalIDKey(ch model.Channel, entityID string) string {
	return "extid:" + string(ch) + ":" + entityID
}
