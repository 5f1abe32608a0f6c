// SPDX-License-Identifier: MIT

package downlink

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/spotsense/spotsense/internal/log"
	"github.com/spotsense/spotsense/internal/metrics"
	"github.com/spotsense/spotsense/internal/model"
	"github.com/spotsense/spotsense/internal/store"
)

// Cleanup reclaims stranded envelopes and flushes queues stuck behind
// long-offline gateways. Unicast LNS routing pins a device to its last
// receiving gateway, so after an outage the stale pending envelopes are
// failed and the current target re-enqueued to ride the next uplink.
type Cleanup struct {
	store          *store.Store
	queue          *Queue
	evaluator      StateEvaluator
	sendingReclaim time.Duration
	offlineAge     time.Duration
	logger         zerolog.Logger
}

// NewCleanup wires the cleanup job.
func NewCleanup(st *store.Store, q *Queue, ev StateEvaluator, sendingReclaim, offlineAge time.Duration) *Cleanup {
	if sendingReclaim <= 0 {
		sendingReclaim = 60 * time.Second
	}
	if offlineAge <= 0 {
		offlineAge = 10 * time.Minute
	}
	return &Cleanup{
		store:          st,
		queue:          q,
		evaluator:      ev,
		sendingReclaim: sendingReclaim,
		offlineAge:     offlineAge,
		logger:         log.WithComponent("cleanup"),
	}
}

// Run executes one cleanup pass.
func (c *Cleanup) Run(ctx context.Context) error {
	reclaimed, err := c.store.ReclaimStaleSending(ctx, c.sendingReclaim)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		c.logger.Warn().
			Str(log.FieldEvent, "cleanup.reclaimed").
			Int64("count", reclaimed).
			Msg("stranded sending envelopes reclaimed as pending")
	}

	if err := c.flushOfflineGateways(ctx); err != nil {
		return err
	}

	counts, err := c.store.EnvelopeCountsByState(ctx)
	if err != nil {
		return err
	}
	for _, state := range []string{"pending", "sending", "acknowledged", "failed"} {
		metrics.QueueDepth.WithLabelValues(state).Set(float64(counts[state]))
	}
	return nil
}

func (c *Cleanup) flushOfflineGateways(ctx context.Context) error {
	gateways, err := c.store.GatewaysOfflineSince(ctx, c.offlineAge)
	if err != nil {
		return err
	}
	for _, gw := range gateways {
		stale, err := c.store.StalePendingForGateway(ctx, gw.EUI, c.offlineAge)
		if err != nil {
			return err
		}
		for _, env := range stale {
			if err := c.store.ResolveEnvelope(ctx, env.ID, model.EnvelopeFailed); err != nil {
				return err
			}
			c.logger.Info().
				Str(log.FieldEvent, "cleanup.flushed").
				Str(log.FieldEnvelopeID, env.ID.String()).
				Str(log.FieldGatewayEUI, gw.EUI).
				Msg("stale envelope flushed after gateway outage")
		}
		if len(stale) > 0 {
			if err := c.reissueTargets(ctx, stale); err != nil {
				return err
			}
		}
	}
	return nil
}

// reissueTargets re-enqueues the current target for every space whose
// display had an envelope flushed.
func (c *Cleanup) reissueTargets(ctx context.Context, flushed []model.DownlinkEnvelope) error {
	seen := make(map[string]bool, len(flushed))
	spaces, err := c.store.SpacesWithDisplays(ctx)
	if err != nil {
		return err
	}
	byEUI := make(map[string]model.Space, len(spaces))
	for _, sp := range spaces {
		byEUI[sp.DisplayEUI] = sp
	}
	for _, env := range flushed {
		if seen[env.DevEUI] {
			continue
		}
		seen[env.DevEUI] = true
		space, ok := byEUI[env.DevEUI]
		if !ok {
			continue
		}
		target, err := c.evaluator.CurrentTarget(ctx, space)
		if err != nil {
			return err
		}
		payload := encodeTarget(target)
		if _, err := c.queue.EnqueueDisplay(ctx, space.TenantID, space.DisplayEUI, payload); err != nil {
			return err
		}
	}
	return nil
}
