// SPDX-License-Identifier: MIT

// Package spool is the durable overflow for webhook envelopes: when the
// database is down, ingest hands the raw envelope here and the drainer
// replays it once the store recovers. Files are written atomically so a
// crash never leaves a half-parsed envelope behind.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spotsense/spotsense/internal/ingest"
	"github.com/spotsense/spotsense/internal/log"
	"github.com/spotsense/spotsense/internal/metrics"
)

const (
	pendingDir = "pending"
	deadDir    = "dead-letter"
)

// Spool persists envelopes under dir/pending and parks poison envelopes
// under dir/dead-letter. There is no processing directory: the atomic
// rename into pending makes a separate claim step unnecessary.
type Spool struct {
	pending string
	dead    string
	logger  zerolog.Logger
}

// New prepares the spool directories.
func New(dir string) (*Spool, error) {
	s := &Spool{
		pending: filepath.Join(dir, pendingDir),
		dead:    filepath.Join(dir, deadDir),
		logger:  log.WithComponent("spool"),
	}
	for _, d := range []string{s.pending, s.dead} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("create spool dir %s: %w", d, err)
		}
	}
	return s, nil
}

// Spool writes one envelope to the pending directory. renameio gives the
// write fsync-then-rename semantics, so a power cut leaves either the whole
// file or nothing.
func (s *Spool) Spool(_ context.Context, env ingest.RawEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), uuid.NewString())
	path := filepath.Join(s.pending, name)
	if err := renameio.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write spool file: %w", err)
	}
	metrics.SpoolDepth.WithLabelValues("pending").Inc()
	s.logger.Warn().
		Str(log.FieldEvent, "spool.written").
		Str("file", name).
		Int("attempts", env.Attempts).
		Msg("envelope spooled to disk")
	return nil
}

// PendingDir is the directory the drainer watches.
func (s *Spool) PendingDir() string { return s.pending }

// pendingFiles lists spooled envelopes oldest first. The unix-nano name
// prefix makes lexical order arrival order.
func (s *Spool) pendingFiles() ([]string, error) {
	entries, err := os.ReadDir(s.pending)
	if err != nil {
		return nil, fmt.Errorf("read spool dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		files = append(files, filepath.Join(s.pending, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Depth counts the pending envelopes.
func (s *Spool) Depth() (int, error) {
	files, err := s.pendingFiles()
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

// deadLetter moves a file out of the retry loop.
func (s *Spool) deadLetter(path, reason string) {
	target := filepath.Join(s.dead, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		s.logger.Error().Err(err).Str("file", path).Msg("dead-letter move failed")
		return
	}
	s.logger.Error().
		Str(log.FieldEvent, "spool.dead_letter").
		Str("file", filepath.Base(path)).
		Str("reason", reason).
		Msg("envelope parked in dead-letter directory")
}
