// SPDX-License-Identifier: MIT

package jobs

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/lodgewerk/staysync/internal/channel"
	"github.com/lodgewerk/staysync/internal/clock"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/log"
)

// maxRefreshFailures disables a connection after this many consecutive
// failed refresh attempts.
const maxRefreshFailures = 3

// CredentialRefresher renews platform credentials before they expire.
// Connections that keep failing are disabled so the dispatcher stops
// burning attempts against a dead integration.
type CredentialRefresher struct {
	store    ports.Store
	registry *channel.Registry
	codec    *channel.CredentialCodec
	within   time.Duration
	clk      clock.Clock
	logger   zerolog.Logger

	mu       sync.Mutex
	failures map[string]int
}

// NewCredentialRefresher builds the refresher. within is the expiry
// window that triggers a renewal.
func NewCredentialRefresher(store ports.Store, registry *channel.Registry, codec *channel.CredentialCodec,
	within time.Duration, clk clock.Clock) *CredentialRefresher {
	return &CredentialRefresher{
		store:    store,
		registry: registry,
		codec:    codec,
		within:   within,
		clk:      clk,
		logger:   log.WithComponent("credrefresh"),
		failures: make(map[string]int),
	}
}

// Run renews every syncable connection whose credentials expire within
// the window. One failing connection does not stop the others.
func (c *CredentialRefresher) Run(ctx context.Context) error {
	conns, err := c.store.ListConnections(ctx)
	if err != nil {
		return err
	}

	deadline := c.clk.Now().Add(c.within)
	var errs *multierror.Error
	for _, conn := range conns {
		if !conn.Syncable() || conn.CredentialsExpireAt.IsZero() || conn.CredentialsExpireAt.After(deadline) {
			continue
		}
		if err := c.refreshOne(ctx, conn); err != nil {
			errs = multierror.Append(errs, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return errs.ErrorOrNil()
}

func (c *CredentialRefresher) refreshOne(ctx context.Context, conn model.ChannelConnection) error {
	adapter, err := c.registry.Adapter(conn.Channel)
	if err != nil {
		return c.noteFailure(ctx, conn, err)
	}
	cc, err := c.codec.OpenConn(conn)
	if err != nil {
		return c.noteFailure(ctx, conn, err)
	}
	creds, err := adapter.RefreshCredentials(ctx, cc)
	if err != nil {
		return c.noteFailure(ctx, conn, err)
	}
	sealed, err := c.codec.Seal(creds)
	if err != nil {
		return c.noteFailure(ctx, conn, err)
	}

	conn.EncryptedCreds = sealed
	conn.CredentialsExpireAt = creds.ExpiresAt
	if err := c.store.PutConnection(ctx, conn); err != nil {
		return c.noteFailure(ctx, conn, err)
	}

	c.mu.Lock()
	delete(c.failures, conn.ID)
	c.mu.Unlock()

	c.logger.Info().
		Str("connection_id", conn.ID).
		Str("channel", string(conn.Channel)).
		Time("expires_at", creds.ExpiresAt).
		Msg("credentials renewed")
	return nil
}

func (c *CredentialRefresher) noteFailure(ctx context.Context, conn model.ChannelConnection, cause error) error {
	c.mu.Lock()
	c.failures[conn.ID]++
	n := c.failures[conn.ID]
	if n >= maxRefreshFailures {
		delete(c.failures, conn.ID)
	}
	c.mu.Unlock()

	if n >= maxRefreshFailures {
		reason := "credential refresh failed " + strconv.Itoa(n) + " times: " + cause.Error()
		if err := c.store.DisableConnection(ctx, conn.ID, reason); err != nil {
			c.logger.Error().Err(err).Str("connection_id", conn.ID).Msg("disable after refresh failures")
		} else {
			c.logger.Warn().
				Str("connection_id", conn.ID).
				Str("channel", string(conn.Channel)).
				Int("failures", n).
				Msg("connection disabled after repeated refresh failures")
		}
		return cause
	}

	if err := c.store.MarkConnectionError(ctx, conn.ID, cause.Error()); err != nil {
		c.logger.Error().Err(err).Str("connection_id", conn.ID).Msg("record refresh error")
	}
	c.logger.Warn().Err(cause).
		Str("connection_id", conn.ID).
		Int("failures", n).
		Msg("credential refresh failed")
	return cause
}
