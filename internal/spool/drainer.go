// SPDX-License-Identifier: MIT

package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/ingest"
	"github.com/spotsense/spotsense/internal/log"
	"github.com/spotsense/spotsense/internal/metrics"
)

// Ingestor replays a spooled envelope. The ingest pipeline implements it.
type Ingestor interface {
	Ingest(ctx context.Context, env ingest.RawEnvelope) (ingest.Result, error)
}

const (
	maxRetryDelay = 5 * time.Minute
	drainDebounce = 500 * time.Millisecond

	// replayRate caps how fast a full spool is pushed at a database that
	// just came back.
	replayRate  = 50
	replayBurst = 10
)

// Drainer replays pending envelopes. It wakes on new spool files via
// fsnotify and on a steady tick for retries whose backoff has elapsed.
type Drainer struct {
	spool       *Spool
	ingestor    Ingestor
	maxAttempts int
	interval    time.Duration
	pace        *rate.Limiter
	logger      zerolog.Logger
	now         func() time.Time
}

// NewDrainer wires the drainer.
func NewDrainer(sp *Spool, ing Ingestor, maxAttempts int, interval time.Duration) *Drainer {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Drainer{
		spool:       sp,
		ingestor:    ing,
		maxAttempts: maxAttempts,
		interval:    interval,
		pace:        rate.NewLimiter(replayRate, replayBurst),
		logger:      log.WithComponent("spool"),
		now:         time.Now,
	}
}

// Run drains until the context ends.
func (d *Drainer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(d.spool.PendingDir()); err != nil {
		return fmt.Errorf("watch spool dir: %w", err)
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// Startup pass picks up whatever a previous process left behind.
	d.Drain(ctx)

	// Creations are debounced: a burst of spooled envelopes drains once.
	var wake <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) && wake == nil {
				wake = time.After(drainDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn().Err(err).Msg("spool watcher error")
		case <-wake:
			wake = nil
			d.Drain(ctx)
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain runs one pass over the pending directory.
func (d *Drainer) Drain(ctx context.Context) {
	files, err := d.spool.pendingFiles()
	if err != nil {
		d.logger.Error().Err(err).Msg("spool listing failed")
		return
	}
	remaining := len(files)
	for _, path := range files {
		if err := d.pace.Wait(ctx); err != nil {
			break
		}
		if d.drainOne(ctx, path) {
			remaining--
		}
	}
	metrics.SpoolDepth.WithLabelValues("pending").Set(float64(remaining))
}

// drainOne replays one file and reports whether it left the pending
// directory.
func (d *Drainer) drainOne(ctx context.Context, path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		d.logger.Error().Err(err).Str("file", path).Msg("spool read failed")
		return false
	}
	var env ingest.RawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		d.spool.deadLetter(path, "unreadable")
		return true
	}

	if !d.due(path, env.Attempts) {
		return false
	}

	env.Attempts++
	if env.Attempts > d.maxAttempts {
		d.spool.deadLetter(path, "attempts-exhausted")
		return true
	}

	res, err := d.ingestor.Ingest(ctx, env)
	if err != nil {
		switch fault.KindOf(err) {
		case fault.Unavailable, fault.RateLimited, fault.Internal:
			// Transient: persist the attempt bump and wait out the backoff.
			d.rewrite(path, env)
			return false
		default:
			// The envelope itself is bad; retrying cannot fix a rejection.
			d.spool.deadLetter(path, "rejected")
			return true
		}
	}
	if res.Outcome == ingest.OutcomeSpooled {
		// The pipeline re-spooled the envelope, bump and all; the original
		// file is now superseded.
		if err := os.Remove(path); err != nil {
			d.logger.Error().Err(err).Str("file", path).Msg("spool remove failed")
			return false
		}
		return true
	}

	if err := os.Remove(path); err != nil {
		d.logger.Error().Err(err).Str("file", path).Msg("spool remove failed")
		return false
	}
	metrics.SpoolDrained.WithLabelValues(string(res.Outcome)).Inc()
	d.logger.Info().
		Str(log.FieldEvent, "spool.drained").
		Str("outcome", string(res.Outcome)).
		Int("attempts", env.Attempts).
		Msg("spooled envelope replayed")
	return true
}

// due applies exponential backoff per attempt against the file's mtime.
func (d *Drainer) due(path string, attempts int) bool {
	if attempts == 0 {
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	delay := time.Duration(math.Pow(2, float64(attempts))) * time.Second
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return d.now().Sub(info.ModTime()) >= delay
}

func (d *Drainer) rewrite(path string, env ingest.RawEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		d.logger.Error().Err(err).Msg("spool marshal failed")
		return
	}
	if err := renameio.WriteFile(path, data, 0o640); err != nil {
		d.logger.Error().Err(err).Str("file", path).Msg("spool rewrite failed")
	}
}
