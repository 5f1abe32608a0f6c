// SPDX-License-Identifier: MIT

package downlink

import (
	"bytes"
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/spotsense/spotsense/internal/coord"
	"github.com/spotsense/spotsense/internal/decode"
	"github.com/spotsense/spotsense/internal/display"
	"github.com/spotsense/spotsense/internal/log"
	"github.com/spotsense/spotsense/internal/metrics"
	"github.com/spotsense/spotsense/internal/model"
	"github.com/spotsense/spotsense/internal/store"
)

// StateEvaluator is the state machine capability the reconciler needs.
type StateEvaluator interface {
	CurrentTarget(ctx context.Context, space model.Space) (display.Target, error)
}

// statusPoll is an empty confirmed frame that makes the device answer with
// a status uplink.
var statusPoll = []byte{}

func encodeTarget(t display.Target) []byte {
	return decode.EncodeDisplay(t.Color, t.Blink)
}

// Reconciler closes the gap between desired and last-reported display
// state for every space with an assigned display.
type Reconciler struct {
	store      *store.Store
	coord      *coord.Store
	evaluator  StateEvaluator
	queue      *Queue
	pollSilent time.Duration // devices quieter than this get a status poll
	logger     zerolog.Logger
}

// NewReconciler wires the sweep.
func NewReconciler(st *store.Store, cs *coord.Store, ev StateEvaluator, q *Queue, pollSilent time.Duration) *Reconciler {
	if pollSilent <= 0 {
		pollSilent = 15 * time.Minute
	}
	return &Reconciler{
		store:      st,
		coord:      cs,
		evaluator:  ev,
		queue:      q,
		pollSilent: pollSilent,
		logger:     log.WithComponent("reconciler"),
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) error {
	spaces, err := r.store.SpacesWithDisplays(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, space := range spaces {
		if err := r.reconcileSpace(ctx, space, now); err != nil {
			r.logger.Error().Err(err).
				Str(log.FieldSpaceID, space.ID.String()).
				Msg("reconcile failed for space")
		}
	}
	return nil
}

func (r *Reconciler) reconcileSpace(ctx context.Context, space model.Space, now time.Time) error {
	target, err := r.evaluator.CurrentTarget(ctx, space)
	if err != nil {
		return err
	}
	want := encodeTarget(target)

	last, known, err := r.coord.GetLastDisplay(ctx, space.DisplayEUI)
	if err != nil {
		return err
	}

	switch {
	case !known || !bytes.Equal(last.Payload, want):
		metrics.ReconcileCorrections.Inc()
		r.logger.Info().
			Str(log.FieldEvent, "reconcile.correction").
			Str(log.FieldTenantID, space.TenantID.String()).
			Str(log.FieldSpaceID, space.ID.String()).
			Str(log.FieldDevEUI, space.DisplayEUI).
			Str("reason", target.Reason).
			Msg("display diverged from target, corrective envelope enqueued")
		_, err := r.queue.EnqueueDisplay(ctx, space.TenantID, space.DisplayEUI, want)
		return err
	case now.Sub(last.SeenAt) > r.pollSilent:
		_, err := r.queue.Enqueue(ctx, space.TenantID, space.DisplayEUI, decode.DisplayPort, statusPoll, true)
		return err
	}
	return nil
}
